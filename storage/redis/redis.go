// Package redis provides a Redis implementation of entitlement.Store.
// Transactions are optimistic: reads WATCH their keys and writes are queued
// into a single MULTI/EXEC, retried when a watched key changes. Tx.Lock is a
// SET NX PX lease so that writers in different processes serialize.
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

var (
	_ entitlement.Store          = (*Storage)(nil)
	_ entitlement.EventLedger    = (*Storage)(nil)
	_ entitlement.DefaultsSeeder = (*Storage)(nil)
)

// Storage implements entitlement.Store using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "entitle:")
	KeyPrefix string

	// LedgerTTL is how long processed event ids are kept (0 = no expiration)
	LedgerTTL time.Duration

	// LockTTL bounds how long a crashed holder can block a key (default: 30 seconds)
	LockTTL time.Duration

	// LockRetryInterval is the wait between lock attempts (default: 10ms)
	LockRetryInterval time.Duration

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "entitle:",
		LedgerTTL:         30 * 24 * time.Hour,
		LockTTL:           30 * time.Second,
		LockRetryInterval: 10 * time.Millisecond,
		MaxRetries:        3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "entitle:"
	}
	if config.LockTTL == 0 {
		config.LockTTL = 30 * time.Second
	}
	if config.LockRetryInterval == 0 {
		config.LockRetryInterval = 10 * time.Millisecond
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts loads the Lua scripts used for multi-key atomic writes
func (s *Storage) loadScripts() {
	// Create a user and its email/api key indexes, or report which key is taken
	s.scripts["createUser"] = redis.NewScript(`
		local userKey = KEYS[1]
		local emailKey = KEYS[2]
		local apiKeyKey = KEYS[3]

		if redis.call('EXISTS', userKey) == 1 then
			return 'user_exists'
		end
		if redis.call('EXISTS', emailKey) == 1 then
			return 'email_taken'
		end
		if apiKeyKey ~= '' and redis.call('EXISTS', apiKeyKey) == 1 then
			return 'key_taken'
		end

		redis.call('SET', userKey, ARGV[1])
		redis.call('SET', emailKey, ARGV[2])
		if apiKeyKey ~= '' then
			redis.call('SET', apiKeyKey, ARGV[2])
		end
		return 'ok'
	`)

	// Insert missing settings; -1 if the user does not exist
	s.scripts["seedDefaults"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return -1
		end
		local written = 0
		for i = 1, #ARGV, 2 do
			written = written + redis.call('HSETNX', KEYS[2], ARGV[i], ARGV[i + 1])
		end
		return written
	`)

	// Release a lock only if we still hold it
	s.scripts["unlock"] = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
}

// userRecord is the stored JSON form of entitlement.User
type userRecord struct {
	ID                     string     `json:"id"`
	Email                  string     `json:"email"`
	SubscriptionStatus     string     `json:"subscription_status"`
	SubscriptionTier       string     `json:"subscription_tier,omitempty"`
	APIKey                 string     `json:"api_key,omitempty"`
	ProviderCustomerID     string     `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string     `json:"provider_subscription_id,omitempty"`
	SubscriptionPeriodEnd  *time.Time `json:"subscription_period_end,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// subscriptionRecord is the stored JSON form of entitlement.Subscription
type subscriptionRecord struct {
	ID                 string    `json:"id"`
	CustomerID         string    `json:"customer_id,omitempty"`
	PriceID            string    `json:"price_id,omitempty"`
	Status             string    `json:"status"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	UserID             string    `json:"user_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// GetUser implements entitlement.Store
func (s *Storage) GetUser(ctx context.Context, userID string) (*entitlement.User, error) {
	return getUser(ctx, s.client, s.userKey(userID))
}

// GetUserByAPIKey implements entitlement.Store
func (s *Storage) GetUserByAPIKey(ctx context.Context, apiKey string) (*entitlement.User, error) {
	if apiKey == "" {
		return nil, entitlement.ErrUserNotFound
	}
	userID, err := s.client.Get(ctx, s.apiKeyKey(apiKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return s.GetUser(ctx, userID)
}

// GetSubscription implements entitlement.Store
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*entitlement.Subscription, error) {
	return getSubscription(ctx, s.client, s.subscriptionKey(subscriptionID))
}

// CreateUser implements entitlement.Store. An empty ID is filled with a UUID.
func (s *Storage) CreateUser(ctx context.Context, user *entitlement.User) error {
	if user == nil || user.Email == "" {
		return fmt.Errorf("%w: email is required", entitlement.ErrValidation)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.SubscriptionStatus == "" {
		user.SubscriptionStatus = entitlement.StatusInactive
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	data, err := json.Marshal(toUserRecord(user))
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	apiKeyKey := ""
	if user.APIKey != "" {
		apiKeyKey = s.apiKeyKey(user.APIKey)
	}
	keys := []string{s.userKey(user.ID), s.emailKey(user.Email), apiKeyKey}

	result, err := s.scripts["createUser"].Run(ctx, s.client, keys, string(data), user.ID).Text()
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	switch result {
	case "ok":
		return nil
	case "user_exists":
		return entitlement.ErrUserExists
	case "email_taken":
		return entitlement.ErrEmailTaken
	case "key_taken":
		return fmt.Errorf("%w: api key collision", entitlement.ErrConflict)
	default:
		return fmt.Errorf("unexpected create user result: %s", result)
	}
}

// WithTx implements entitlement.Store. fn may run more than once when a
// watched key changes before EXEC.
func (s *Storage) WithTx(ctx context.Context, fn func(tx entitlement.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.tryTx(ctx, fn)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction aborted after %d attempts: %w", s.config.MaxRetries, lastErr)
}

func (s *Storage) tryTx(ctx context.Context, fn func(tx entitlement.Tx) error) error {
	t := &redisTx{s: s, ops: make([]func(redis.Pipeliner), 0, 4)}
	defer t.releaseLocks()

	return s.client.Watch(ctx, func(rtx *redis.Tx) error {
		t.rtx = rtx
		if err := fn(t); err != nil {
			return err
		}
		if len(t.ops) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, op := range t.ops {
				op(pipe)
			}
			return nil
		})
		return err
	})
}

// redisTx buffers writes until EXEC. Reads go through the watching connection.
type redisTx struct {
	s       *Storage
	rtx     *redis.Tx
	ops     []func(redis.Pipeliner)
	locks   map[string]string
	watched map[string]bool
}

// watch adds key to the WATCH set once; the first read's version is the one
// EXEC checks against.
func (t *redisTx) watch(ctx context.Context, key string) error {
	if t.watched[key] {
		return nil
	}
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to watch %s: %w", key, err)
	}
	if t.watched == nil {
		t.watched = make(map[string]bool)
	}
	t.watched[key] = true
	return nil
}

// Lock acquires a lease on key for the rest of the transaction.
func (t *redisTx) Lock(ctx context.Context, key string) error {
	if _, held := t.locks[key]; held {
		return nil
	}

	token, err := lockToken()
	if err != nil {
		return err
	}
	lockKey := t.s.lockKey(key)

	for {
		ok, err := t.s.client.SetNX(ctx, lockKey, token, t.s.config.LockTTL).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			if t.locks == nil {
				t.locks = make(map[string]string)
			}
			t.locks[key] = token
			return nil
		}

		timer := time.NewTimer(t.s.config.LockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("failed to acquire lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

func (t *redisTx) releaseLocks() {
	if len(t.locks) == 0 {
		return
	}
	// Released even when the caller's context is already done.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for key, token := range t.locks {
		_ = t.s.scripts["unlock"].Run(ctx, t.s.client, []string{t.s.lockKey(key)}, token).Err()
	}
}

func (t *redisTx) GetUser(ctx context.Context, userID string) (*entitlement.User, error) {
	key := t.s.userKey(userID)
	if err := t.watch(ctx, key); err != nil {
		return nil, err
	}
	return getUser(ctx, t.rtx, key)
}

func (t *redisTx) GetSubscription(ctx context.Context, subscriptionID string) (*entitlement.Subscription, error) {
	key := t.s.subscriptionKey(subscriptionID)
	if err := t.watch(ctx, key); err != nil {
		return nil, err
	}
	return getSubscription(ctx, t.rtx, key)
}

func (t *redisTx) PutUser(ctx context.Context, user *entitlement.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: user id is required", entitlement.ErrValidation)
	}

	prev, err := t.GetUser(ctx, user.ID)
	if err != nil {
		return err
	}

	if user.APIKey != "" && user.APIKey != prev.APIKey {
		indexKey := t.s.apiKeyKey(user.APIKey)
		if err := t.watch(ctx, indexKey); err != nil {
			return err
		}
		holder, err := t.rtx.Get(ctx, indexKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to check api key: %w", err)
		}
		if holder != "" && holder != user.ID {
			return fmt.Errorf("%w: api key collision", entitlement.ErrConflict)
		}
	}

	rec := toUserRecord(user)
	rec.Email = prev.Email
	rec.CreatedAt = prev.CreatedAt
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	userKey := t.s.userKey(user.ID)
	oldKey, newKey := prev.APIKey, user.APIKey
	t.ops = append(t.ops, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, userKey, data, 0)
		if oldKey != "" && oldKey != newKey {
			pipe.Del(ctx, t.s.apiKeyKey(oldKey))
		}
		if newKey != "" {
			pipe.Set(ctx, t.s.apiKeyKey(newKey), user.ID, 0)
		}
	})
	return nil
}

func (t *redisTx) PutSubscription(ctx context.Context, sub *entitlement.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("%w: subscription id is required", entitlement.ErrValidation)
	}

	rec := toSubscriptionRecord(sub)
	existing, err := t.GetSubscription(ctx, sub.ID)
	switch {
	case err == nil:
		if existing.UserID != "" && existing.UserID != sub.UserID {
			return entitlement.ErrSubscriptionOwnership
		}
		if existing.UserID != "" {
			rec.UserID = existing.UserID
		}
		rec.CreatedAt = existing.CreatedAt
	case errors.Is(err, entitlement.ErrSubscriptionNotFound):
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
	default:
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	key := t.s.subscriptionKey(sub.ID)
	t.ops = append(t.ops, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, key, data, 0)
	})
	return nil
}

// Seen implements entitlement.EventLedger
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event ledger: %w", err)
	}
	return n > 0, nil
}

// Record implements entitlement.EventLedger
func (s *Storage) Record(ctx context.Context, eventID string, processedAt time.Time) error {
	err := s.client.SetNX(ctx, s.eventKey(eventID), processedAt.UTC().Format(time.RFC3339Nano), s.config.LedgerTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// SeedDefaults implements entitlement.DefaultsSeeder. Existing keys are kept.
func (s *Storage) SeedDefaults(ctx context.Context, userID string, defaults map[string]string) (bool, error) {
	if len(defaults) == 0 {
		return false, nil
	}

	args := make([]interface{}, 0, len(defaults)*2)
	for k, v := range defaults {
		args = append(args, k, v)
	}

	written, err := s.scripts["seedDefaults"].Run(ctx, s.client,
		[]string{s.userKey(userID), s.settingsKey(userID)}, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to seed defaults: %w", err)
	}
	if written < 0 {
		return false, entitlement.ErrUserNotFound
	}
	return written > 0, nil
}

// Settings returns the user's stored settings
func (s *Storage) Settings(ctx context.Context, userID string) (map[string]string, error) {
	out, err := s.client.HGetAll(ctx, s.settingsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return out, nil
}

// Close closes the Redis connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func getUser(ctx context.Context, c redis.Cmdable, key string) (*entitlement.User, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var rec userRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return rec.toUser(), nil
}

func getSubscription(ctx context.Context, c redis.Cmdable, key string) (*entitlement.Subscription, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var rec subscriptionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &entitlement.Subscription{
		ID:                 rec.ID,
		CustomerID:         rec.CustomerID,
		PriceID:            rec.PriceID,
		Status:             entitlement.Status(rec.Status),
		CurrentPeriodStart: rec.CurrentPeriodStart,
		CurrentPeriodEnd:   rec.CurrentPeriodEnd,
		UserID:             rec.UserID,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}, nil
}

func toUserRecord(u *entitlement.User) userRecord {
	rec := userRecord{
		ID:                     u.ID,
		Email:                  u.Email,
		SubscriptionStatus:     string(u.SubscriptionStatus),
		SubscriptionTier:       u.SubscriptionTier,
		APIKey:                 u.APIKey,
		ProviderCustomerID:     u.ProviderCustomerID,
		ProviderSubscriptionID: u.ProviderSubscriptionID,
		CreatedAt:              u.CreatedAt.UTC(),
		UpdatedAt:              u.UpdatedAt.UTC(),
	}
	if u.SubscriptionPeriodEnd != nil {
		end := u.SubscriptionPeriodEnd.UTC()
		rec.SubscriptionPeriodEnd = &end
	}
	return rec
}

func (r userRecord) toUser() *entitlement.User {
	return &entitlement.User{
		ID:                     r.ID,
		Email:                  r.Email,
		SubscriptionStatus:     entitlement.Status(r.SubscriptionStatus),
		SubscriptionTier:       r.SubscriptionTier,
		APIKey:                 r.APIKey,
		ProviderCustomerID:     r.ProviderCustomerID,
		ProviderSubscriptionID: r.ProviderSubscriptionID,
		SubscriptionPeriodEnd:  r.SubscriptionPeriodEnd,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

func toSubscriptionRecord(sub *entitlement.Subscription) subscriptionRecord {
	return subscriptionRecord{
		ID:                 sub.ID,
		CustomerID:         sub.CustomerID,
		PriceID:            sub.PriceID,
		Status:             string(sub.Status),
		CurrentPeriodStart: sub.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:   sub.CurrentPeriodEnd.UTC(),
		UserID:             sub.UserID,
		CreatedAt:          sub.CreatedAt.UTC(),
		UpdatedAt:          sub.UpdatedAt.UTC(),
	}
}

func lockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Storage) userKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Storage) emailKey(email string) string {
	return s.config.KeyPrefix + "email:" + strings.ToLower(strings.TrimSpace(email))
}

func (s *Storage) apiKeyKey(apiKey string) string {
	return s.config.KeyPrefix + "apikey:" + apiKey
}

func (s *Storage) subscriptionKey(subscriptionID string) string {
	return s.config.KeyPrefix + "sub:" + subscriptionID
}

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

func (s *Storage) settingsKey(userID string) string {
	return s.config.KeyPrefix + "settings:" + userID
}

func (s *Storage) lockKey(key string) string {
	return s.config.KeyPrefix + "lock:" + key
}

// Package memory provides an in-memory implementation of the entitlement.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Store, entitlement.EventLedger and
// entitlement.DefaultsSeeder using in-memory maps.
// Transactions are serialized by a single mutex.
type Storage struct {
	txMu sync.Mutex

	mu            sync.RWMutex
	users         map[string]*entitlement.User
	emails        map[string]string
	apiKeys       map[string]string
	subscriptions map[string]*entitlement.Subscription
	events        map[string]time.Time
	settings      map[string]map[string]string
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:         make(map[string]*entitlement.User),
		emails:        make(map[string]string),
		apiKeys:       make(map[string]string),
		subscriptions: make(map[string]*entitlement.Subscription),
		events:        make(map[string]time.Time),
		settings:      make(map[string]map[string]string),
	}
}

// GetUser implements entitlement.Store
func (s *Storage) GetUser(_ context.Context, userID string) (*entitlement.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUser(userID)
}

func (s *Storage) getUser(userID string) (*entitlement.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, entitlement.ErrUserNotFound
	}
	return copyUser(u), nil
}

// GetUserByAPIKey implements entitlement.Store
func (s *Storage) GetUserByAPIKey(_ context.Context, apiKey string) (*entitlement.User, error) {
	if apiKey == "" {
		return nil, entitlement.ErrUserNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.apiKeys[apiKey]
	if !ok {
		return nil, entitlement.ErrUserNotFound
	}
	return s.getUser(userID)
}

// GetSubscription implements entitlement.Store
func (s *Storage) GetSubscription(_ context.Context, subscriptionID string) (*entitlement.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSubscription(subscriptionID)
}

func (s *Storage) getSubscription(subscriptionID string) (*entitlement.Subscription, error) {
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// CreateUser implements entitlement.Store. An empty ID is filled with a UUID.
func (s *Storage) CreateUser(_ context.Context, user *entitlement.User) error {
	if user == nil || user.Email == "" {
		return fmt.Errorf("%w: email is required", entitlement.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if _, ok := s.users[user.ID]; ok {
		return entitlement.ErrUserExists
	}
	email := strings.ToLower(user.Email)
	if _, ok := s.emails[email]; ok {
		return entitlement.ErrEmailTaken
	}

	now := time.Now().UTC()
	if user.SubscriptionStatus == "" {
		user.SubscriptionStatus = entitlement.StatusInactive
	}
	user.CreatedAt = now
	user.UpdatedAt = now

	s.users[user.ID] = copyUser(user)
	s.emails[email] = user.ID
	if user.APIKey != "" {
		s.apiKeys[user.APIKey] = user.ID
	}
	return nil
}

// WithTx implements entitlement.Store. Writes are buffered and applied
// together when fn returns nil.
func (s *Storage) WithTx(ctx context.Context, fn func(tx entitlement.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		s:             s,
		users:         make(map[string]*entitlement.User),
		subscriptions: make(map[string]*entitlement.Subscription),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	s             *Storage
	users         map[string]*entitlement.User
	subscriptions map[string]*entitlement.Subscription
}

// Lock is a no-op; WithTx already serializes transactions.
func (t *memTx) Lock(context.Context, string) error { return nil }

func (t *memTx) GetUser(_ context.Context, userID string) (*entitlement.User, error) {
	if u, ok := t.users[userID]; ok {
		return copyUser(u), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.getUser(userID)
}

func (t *memTx) GetSubscription(_ context.Context, subscriptionID string) (*entitlement.Subscription, error) {
	if sub, ok := t.subscriptions[subscriptionID]; ok {
		subCopy := *sub
		return &subCopy, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.getSubscription(subscriptionID)
}

func (t *memTx) PutUser(_ context.Context, user *entitlement.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: user id is required", entitlement.ErrValidation)
	}

	t.s.mu.RLock()
	_, exists := t.s.users[user.ID]
	holder, keyTaken := t.s.apiKeys[user.APIKey]
	t.s.mu.RUnlock()

	if !exists {
		return entitlement.ErrUserNotFound
	}
	if user.APIKey != "" && keyTaken && holder != user.ID {
		return fmt.Errorf("%w: api key collision", entitlement.ErrConflict)
	}
	t.users[user.ID] = copyUser(user)
	return nil
}

func (t *memTx) PutSubscription(ctx context.Context, sub *entitlement.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("%w: subscription id is required", entitlement.ErrValidation)
	}

	existing, err := t.GetSubscription(ctx, sub.ID)
	if err == nil && existing.UserID != "" && existing.UserID != sub.UserID {
		return entitlement.ErrSubscriptionOwnership
	}

	subCopy := *sub
	t.subscriptions[sub.ID] = &subCopy
	return nil
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for id, u := range t.users {
		if prev, ok := t.s.users[id]; ok && prev.APIKey != "" && prev.APIKey != u.APIKey {
			delete(t.s.apiKeys, prev.APIKey)
		}
		if u.APIKey != "" {
			t.s.apiKeys[u.APIKey] = id
		}
		t.s.users[id] = u
	}
	for id, sub := range t.subscriptions {
		t.s.subscriptions[id] = sub
	}
}

// Seen implements entitlement.EventLedger
func (s *Storage) Seen(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}

// Record implements entitlement.EventLedger
func (s *Storage) Record(_ context.Context, eventID string, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		s.events[eventID] = processedAt
	}
	return nil
}

// SeedDefaults implements entitlement.DefaultsSeeder. Existing keys are kept.
func (s *Storage) SeedDefaults(_ context.Context, userID string, defaults map[string]string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return false, entitlement.ErrUserNotFound
	}

	settings, ok := s.settings[userID]
	if !ok {
		settings = make(map[string]string, len(defaults))
		s.settings[userID] = settings
	}

	seeded := false
	for k, v := range defaults {
		if _, exists := settings[k]; !exists {
			settings[k] = v
			seeded = true
		}
	}
	return seeded, nil
}

// Settings returns a copy of the user's settings.
func (s *Storage) Settings(_ context.Context, userID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.settings[userID]))
	for k, v := range s.settings[userID] {
		out[k] = v
	}
	return out, nil
}

// Clear removes all data. Used by tests.
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*entitlement.User)
	s.emails = make(map[string]string)
	s.apiKeys = make(map[string]string)
	s.subscriptions = make(map[string]*entitlement.Subscription)
	s.events = make(map[string]time.Time)
	s.settings = make(map[string]map[string]string)
}

func copyUser(u *entitlement.User) *entitlement.User {
	userCopy := *u
	if u.SubscriptionPeriodEnd != nil {
		t := *u.SubscriptionPeriodEnd
		userCopy.SubscriptionPeriodEnd = &t
	}
	return &userCopy
}

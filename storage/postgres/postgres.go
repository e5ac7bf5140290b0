// Package postgres provides a PostgreSQL implementation of entitlement.Store.
// Transactions lock rows with SELECT FOR UPDATE and serialize per key with
// transaction-scoped advisory locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	constraintUserPK     = "users_pkey"
	constraintUserEmail  = "users_email_lower_idx"
	constraintUserAPIKey = "users_api_key_key"

	userColumns = `id, email, subscription_status, subscription_tier, COALESCE(api_key, ''),
		provider_customer_id, provider_subscription_id, subscription_period_end, created_at, updated_at`
	subscriptionColumns = `id, customer_id, price_id, status, current_period_start, current_period_end,
		COALESCE(user_id, ''), created_at, updated_at`
)

var (
	_ entitlement.Store          = (*Storage)(nil)
	_ entitlement.EventLedger    = (*Storage)(nil)
	_ entitlement.DefaultsSeeder = (*Storage)(nil)
)

// Storage implements entitlement.Store, EventLedger and DefaultsSeeder
type Storage struct {
	pool    *pgxpool.Pool
	config  Config
	metrics entitlement.Metrics
	logger  entitlement.Logger

	// stopCleanup cancels the background ledger cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema migrations on New
	AutoMigrate bool

	// Ledger cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	LedgerTTL       time.Duration // How long processed event ids are kept

	Metrics entitlement.Metrics
	Logger  entitlement.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		LedgerTTL:       30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{
		pool:    pool,
		config:  config,
		metrics: config.Metrics,
		logger:  config.Logger,
	}
	if s.metrics == nil {
		s.metrics = &entitlement.NoopMetrics{}
	}
	if s.logger == nil {
		s.logger = &entitlement.NoopLogger{}
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.stopCleanup = cancel
	if config.CleanupEnabled && config.LedgerTTL > 0 && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetUser implements entitlement.Store
func (s *Storage) GetUser(ctx context.Context, userID string) (*entitlement.User, error) {
	start := time.Now()
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	s.metrics.RecordStorageOperation("get_user", time.Since(start), storageErr(err))
	return u, err
}

// GetUserByAPIKey implements entitlement.Store
func (s *Storage) GetUserByAPIKey(ctx context.Context, apiKey string) (*entitlement.User, error) {
	if apiKey == "" {
		return nil, entitlement.ErrUserNotFound
	}
	start := time.Now()
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE api_key = $1`, apiKey))
	s.metrics.RecordStorageOperation("get_user_by_api_key", time.Since(start), storageErr(err))
	return u, err
}

// GetSubscription implements entitlement.Store
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*entitlement.Subscription, error) {
	return scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, subscriptionID))
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, subscription_status, subscription_tier, api_key,
				provider_customer_id, provider_subscription_id, subscription_period_end, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		user.ID, user.Email, string(user.SubscriptionStatus), user.SubscriptionTier, nullable(user.APIKey),
		user.ProviderCustomerID, user.ProviderSubscriptionID, user.SubscriptionPeriodEnd, now, now,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case constraintUserPK:
			return entitlement.ErrUserExists
		case constraintUserEmail:
			return entitlement.ErrEmailTaken
		case constraintUserAPIKey:
			return fmt.Errorf("%w: api key collision", entitlement.ErrConflict)
		}
	}
	return fmt.Errorf("failed to create user: %w", err)
}

// WithTx implements entitlement.Store
func (s *Storage) WithTx(ctx context.Context, fn func(tx entitlement.Tx) error) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordStorageOperation("tx", time.Since(start), storageErr(err))
	}()

	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = pgTx.Rollback(ctx)
	}()

	if err := fn(&pgTxAdapter{tx: pgTx}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type pgTxAdapter struct {
	tx pgx.Tx
}

// Lock takes a transaction-scoped advisory lock released on commit or rollback.
func (t *pgTxAdapter) Lock(ctx context.Context, key string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return nil
}

func (t *pgTxAdapter) GetUser(ctx context.Context, userID string) (*entitlement.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
}

func (t *pgTxAdapter) GetSubscription(ctx context.Context, subscriptionID string) (*entitlement.Subscription, error) {
	return scanSubscription(t.tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, subscriptionID))
}

func (t *pgTxAdapter) PutUser(ctx context.Context, user *entitlement.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: user id is required", entitlement.ErrValidation)
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET
				subscription_status = $2,
				subscription_tier = $3,
				api_key = $4,
				provider_customer_id = $5,
				provider_subscription_id = $6,
				subscription_period_end = $7,
				updated_at = $8
			WHERE id = $1`,
		user.ID, string(user.SubscriptionStatus), user.SubscriptionTier, nullable(user.APIKey),
		user.ProviderCustomerID, user.ProviderSubscriptionID, user.SubscriptionPeriodEnd, nowOr(user.UpdatedAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: api key collision", entitlement.ErrConflict)
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrUserNotFound
	}
	return nil
}

// PutSubscription upserts sub. The conflict clause only updates rows owned by
// the same user, so a cross-user write affects zero rows.
func (t *pgTxAdapter) PutSubscription(ctx context.Context, sub *entitlement.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("%w: subscription id is required", entitlement.ErrValidation)
	}

	tag, err := t.tx.Exec(ctx,
		`INSERT INTO subscriptions
				(id, customer_id, price_id, status, current_period_start, current_period_end, user_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				price_id = EXCLUDED.price_id,
				status = EXCLUDED.status,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				user_id = COALESCE(subscriptions.user_id, EXCLUDED.user_id),
				updated_at = EXCLUDED.updated_at
			WHERE subscriptions.user_id IS NULL OR subscriptions.user_id = EXCLUDED.user_id`,
		sub.ID, sub.CustomerID, sub.PriceID, string(sub.Status),
		zeroAsNull(sub.CurrentPeriodStart), zeroAsNull(sub.CurrentPeriodEnd),
		nullable(sub.UserID), nowOr(sub.CreatedAt), nowOr(sub.UpdatedAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return entitlement.ErrUserNotFound
		}
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrSubscriptionOwnership
	}
	return nil
}

// Seen implements entitlement.EventLedger
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check event ledger: %w", err)
	}
	return exists, nil
}

// Record implements entitlement.EventLedger
func (s *Storage) Record(ctx context.Context, eventID string, processedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, processed_at) VALUES ($1, $2)
			ON CONFLICT (event_id) DO NOTHING`,
		eventID, processedAt.UTC())
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

	keys := make([]string, 0, len(defaults))
	values := make([]string, 0, len(defaults))
	for k, v := range defaults {
		keys = append(keys, k)
		values = append(values, v)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO user_settings (user_id, key, value)
			SELECT $1, k, v FROM unnest($2::text[], $3::text[]) AS t(k, v)
			ON CONFLICT (user_id, key) DO NOTHING`,
		userID, keys, values)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return false, entitlement.ErrUserNotFound
		}
		return false, fmt.Errorf("failed to seed defaults: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Settings returns the user's stored settings
func (s *Storage) Settings(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM user_settings WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// startCleanup runs periodic cleanup of old ledger entries
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.logger.Warn("Event ledger cleanup failed", entitlement.Field{Key: "error", Value: err})
			}
		}
	}
}

// Cleanup deletes ledger entries older than LedgerTTL and returns how many
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.LedgerTTL)
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup event ledger: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanUser(row pgx.Row) (*entitlement.User, error) {
	var u entitlement.User
	var status string
	err := row.Scan(
		&u.ID,
		&u.Email,
		&status,
		&u.SubscriptionTier,
		&u.APIKey,
		&u.ProviderCustomerID,
		&u.ProviderSubscriptionID,
		&u.SubscriptionPeriodEnd,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.SubscriptionStatus = entitlement.Status(status)
	if u.SubscriptionPeriodEnd != nil {
		t := u.SubscriptionPeriodEnd.UTC()
		u.SubscriptionPeriodEnd = &t
	}
	return &u, nil
}

func scanSubscription(row pgx.Row) (*entitlement.Subscription, error) {
	var sub entitlement.Subscription
	var status string
	var periodStart, periodEnd *time.Time
	err := row.Scan(
		&sub.ID,
		&sub.CustomerID,
		&sub.PriceID,
		&status,
		&periodStart,
		&periodEnd,
		&sub.UserID,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	sub.Status = entitlement.Status(status)
	if periodStart != nil {
		sub.CurrentPeriodStart = periodStart.UTC()
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = periodEnd.UTC()
	}
	return &sub, nil
}

// nullable maps "" to SQL NULL so unique columns accept many empty values.
func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func zeroAsNull(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// storageErr hides expected misses from storage metrics.
func storageErr(err error) error {
	if errors.Is(err, entitlement.ErrNotFound) {
		return nil
	}
	return err
}

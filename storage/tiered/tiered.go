// Package tiered provides a Hot/Cold storage adapter: an in-process LRU of
// users (Hot) in front of a durable entitlement.Store (Cold).
//
// Strategy per operation:
//   - Read-Through: GetUser and GetUserByAPIKey (Hot → Cold → populate Hot)
//   - Pass-Through: subscriptions, user creation, event ledger, defaults
//   - Invalidate-on-Write: users written inside WithTx are dropped from Hot
//     when the transaction returns
//
// Invalidation is local to the process. With several replicas, a rotated or
// downgraded user can stay cached elsewhere for up to TTL.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

var (
	_ entitlement.Store          = (*Storage)(nil)
	_ entitlement.EventLedger    = (*Storage)(nil)
	_ entitlement.DefaultsSeeder = (*Storage)(nil)
)

// ErrUnsupported is returned when Cold lacks an optional capability.
var ErrUnsupported = errors.New("tiered storage: operation not supported by cold storage")

// Config configures the tiered storage behavior
type Config struct {
	// Cold is the source of truth (e.g., Postgres, Redis). Required.
	Cold entitlement.Store

	// TTL bounds how long a user stays in Hot (default: 5 seconds)
	TTL time.Duration

	// MaxUsers is the Hot capacity (default: 10000)
	MaxUsers int

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Storage implements entitlement.Store with a read-through user cache.
type Storage struct {
	cold  entitlement.Store
	hot   *userCache
	conf  Config
	close sync.Once
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Cold == nil {
		return nil, errors.New("tiered storage: cold storage is required")
	}
	if config.TTL <= 0 {
		config.TTL = 5 * time.Second
	}
	if config.MaxUsers <= 0 {
		config.MaxUsers = 10000
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Storage{
		cold: config.Cold,
		hot:  newUserCache(config.MaxUsers, config.TTL, config.Now),
		conf: config,
	}, nil
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetUser implements entitlement.Store with read-through strategy.
func (s *Storage) GetUser(ctx context.Context, userID string) (*entitlement.User, error) {
	if u, ok := s.hot.get(userID); ok {
		return u, nil
	}

	gen := s.hot.generation()
	u, err := s.cold.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.hot.set(u, gen)
	return u, nil
}

// GetUserByAPIKey implements entitlement.Store with read-through strategy.
// Unknown keys are not cached.
func (s *Storage) GetUserByAPIKey(ctx context.Context, apiKey string) (*entitlement.User, error) {
	if apiKey == "" {
		return nil, entitlement.ErrUserNotFound
	}
	if u, ok := s.hot.getByKey(apiKey); ok {
		return u, nil
	}

	gen := s.hot.generation()
	u, err := s.cold.GetUserByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	s.hot.set(u, gen)
	return u, nil
}

// --- Strategy: Pass-Through (Cold only) ---

// GetSubscription implements entitlement.Store
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*entitlement.Subscription, error) {
	return s.cold.GetSubscription(ctx, subscriptionID)
}

// CreateUser implements entitlement.Store
func (s *Storage) CreateUser(ctx context.Context, user *entitlement.User) error {
	return s.cold.CreateUser(ctx, user)
}

// Seen implements entitlement.EventLedger when Cold does
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	ledger, ok := s.cold.(entitlement.EventLedger)
	if !ok {
		return false, fmt.Errorf("%w: event ledger", ErrUnsupported)
	}
	return ledger.Seen(ctx, eventID)
}

// Record implements entitlement.EventLedger when Cold does
func (s *Storage) Record(ctx context.Context, eventID string, processedAt time.Time) error {
	ledger, ok := s.cold.(entitlement.EventLedger)
	if !ok {
		return fmt.Errorf("%w: event ledger", ErrUnsupported)
	}
	return ledger.Record(ctx, eventID, processedAt)
}

// SeedDefaults implements entitlement.DefaultsSeeder when Cold does
func (s *Storage) SeedDefaults(ctx context.Context, userID string, defaults map[string]string) (bool, error) {
	seeder, ok := s.cold.(entitlement.DefaultsSeeder)
	if !ok {
		return false, fmt.Errorf("%w: defaults seeder", ErrUnsupported)
	}
	return seeder.SeedDefaults(ctx, userID, defaults)
}

// --- Strategy: Invalidate-on-Write ---

// WithTx implements entitlement.Store. Every user written by fn is dropped
// from Hot once the transaction returns, whether or not it committed.
func (s *Storage) WithTx(ctx context.Context, fn func(tx entitlement.Tx) error) error {
	touched := make(map[string]struct{})
	err := s.cold.WithTx(ctx, func(tx entitlement.Tx) error {
		return fn(&trackingTx{Tx: tx, touched: touched})
	})

	if len(touched) > 0 {
		ids := make([]string, 0, len(touched))
		for id := range touched {
			ids = append(ids, id)
		}
		s.hot.invalidate(ids...)
	}
	return err
}

// trackingTx records the users written through it.
type trackingTx struct {
	entitlement.Tx
	touched map[string]struct{}
}

func (t *trackingTx) PutUser(ctx context.Context, user *entitlement.User) error {
	if user != nil {
		t.touched[user.ID] = struct{}{}
	}
	return t.Tx.PutUser(ctx, user)
}

// Invalidate drops users from Hot, e.g. on a change notification from
// another replica.
func (s *Storage) Invalidate(userIDs ...string) {
	s.hot.invalidate(userIDs...)
}

// Clear empties Hot
func (s *Storage) Clear() {
	s.hot.clear()
}

// Stats returns Hot statistics
func (s *Storage) Stats() CacheStats {
	return s.hot.stats()
}

// Ping checks Cold when it supports health checks
func (s *Storage) Ping(ctx context.Context) error {
	if p, ok := s.cold.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close closes Cold once, if it can be closed.
func (s *Storage) Close() error {
	var err error
	s.close.Do(func() {
		switch c := s.cold.(type) {
		case interface{ Close() error }:
			err = c.Close()
		case interface{ Close() }:
			c.Close()
		}
	})
	return err
}

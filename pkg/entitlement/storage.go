package entitlement

import (
	"context"
	"time"
)

// Store defines the interface for entitlement persistence.
// Implementations must make WithTx atomic: either every Put inside fn is
// visible afterwards or none is.
type Store interface {
	// GetUser returns the user or ErrUserNotFound.
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByAPIKey returns the user holding key or ErrUserNotFound.
	GetUserByAPIKey(ctx context.Context, apiKey string) (*User, error)

	// GetSubscription returns the subscription or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CreateUser registers a new user with inactive status.
	// Returns ErrEmailTaken or ErrUserExists on duplicates.
	CreateUser(ctx context.Context, user *User) error

	// WithTx runs fn inside a transaction. Rows read through tx are locked
	// against concurrent writers until fn returns. If fn returns an error
	// nothing is written.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view used by the reconciler.
type Tx interface {
	// Lock serializes transactions sharing key, across processes where the
	// backend supports it.
	Lock(ctx context.Context, key string) error

	GetUser(ctx context.Context, userID string) (*User, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// PutUser writes every entitlement field of user. Returns ErrUserNotFound
	// if the user was never created.
	PutUser(ctx context.Context, user *User) error

	// PutSubscription upserts sub keyed by ID. The owner is only set on insert;
	// an existing row owned by another user yields ErrSubscriptionOwnership.
	PutSubscription(ctx context.Context, sub *Subscription) error
}

// EventLedger records processed provider event ids. It is an optimization:
// correctness never depends on it.
type EventLedger interface {
	// Seen reports whether eventID was recorded.
	Seen(ctx context.Context, eventID string) (bool, error)

	// Record marks eventID as processed.
	Record(ctx context.Context, eventID string, processedAt time.Time) error
}

// DefaultsSeeder creates per-user default settings on first activation.
// Implementations must be idempotent and never overwrite existing values.
type DefaultsSeeder interface {
	// SeedDefaults inserts missing settings and reports whether anything was written.
	SeedDefaults(ctx context.Context, userID string, defaults map[string]string) (bool, error)
}

package entitlement

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when an event cannot be proven to come from the provider
	ErrAuthentication = errors.New("authentication failed")

	// ErrValidation is returned for events or requests missing required fields
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a user, subscription or session does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write would violate ownership or uniqueness
	ErrConflict = errors.New("conflict")

	// ErrUpstream is returned when the payment provider cannot be reached in time
	ErrUpstream = errors.New("upstream unavailable")
)

var (
	ErrUserNotFound          = fmt.Errorf("%w: user", ErrNotFound)
	ErrSubscriptionNotFound  = fmt.Errorf("%w: subscription", ErrNotFound)
	ErrSubscriptionOwnership = fmt.Errorf("%w: subscription belongs to another user", ErrConflict)
	ErrKeyNotIssued          = fmt.Errorf("%w: no api key issued", ErrConflict)
	ErrEmailTaken            = fmt.Errorf("%w: email already registered", ErrConflict)
	ErrUserExists            = fmt.Errorf("%w: user already exists", ErrConflict)
)

// OwnershipError carries the ids involved in a cross-user conflict.
type OwnershipError struct {
	SubscriptionID string
	Owner          string
	Claimant       string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("subscription %s owned by %s, event claims %s", e.SubscriptionID, e.Owner, e.Claimant)
}

func (e *OwnershipError) Unwrap() error {
	return ErrSubscriptionOwnership
}

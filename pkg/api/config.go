package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Reconciler is the write side the handler drives. Satisfied by
// *entitlement.Reconciler.
type Reconciler interface {
	Apply(ctx context.Context, e entitlement.Event) (*entitlement.Result, error)
	RotateAPIKey(ctx context.Context, userID string) (string, error)
}

// Config holds configuration for the billing API handler
type Config struct {
	// Provider resolves checkout sessions and creates checkouts (required)
	Provider billing.Provider

	// Reconciler applies confirmed sessions and rotates keys (required)
	Reconciler Reconciler

	// Store answers entitlement reads (required)
	Store entitlement.Store

	// GetUserID extracts the authenticated user ID from the request (required).
	// An empty result is answered with 401.
	GetUserID func(*http.Request) string

	// Tiers optionally restricts checkout to prices with an explicit mapping
	Tiers *entitlement.TierMapping

	// AccessPolicy decides the "access" field of entitlement responses
	// (default: entitlement.DefaultAccessPolicy())
	AccessPolicy *entitlement.AccessPolicy

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: entitlement.NoopLogger)
	Logger entitlement.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Reconciler == nil {
		return fmt.Errorf("reconciler is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	policy := entitlement.DefaultAccessPolicy()
	if config.AccessPolicy != nil {
		policy = *config.AccessPolicy
	}
	return &Handler{
		config: config,
		policy: policy,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

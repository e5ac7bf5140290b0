// Package http provides HTTP middleware for API key entitlement checks
package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Authorizer resolves an API key to an entitled user. Satisfied by
// *entitlement.Gate.
type Authorizer interface {
	Authorize(ctx context.Context, apiKey string) (*entitlement.User, error)
}

// APIKeyExtractor extracts the API key from an HTTP request
// Return empty string if no key was sent
type APIKeyExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Gate authorizes API keys (required)
	Gate Authorizer

	// GetAPIKey extracts the key from the request
	// Default: Authorization bearer token, then X-API-Key
	GetAPIKey APIKeyExtractor

	// OnUnauthorized is called when the key is missing, malformed or unknown
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnAccessDenied is called when the key is valid but the subscription
	// does not grant access
	// If nil, returns 402 Payment Required
	OnAccessDenied func(w http.ResponseWriter, r *http.Request, user *entitlement.User)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that admits only entitled API keys.
// The authorized user is stored in the request context (see UserFromContext).
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Gate == nil {
		panic("goentitle/http: Config.Gate is required")
	}
	if config.GetAPIKey == nil {
		config.GetAPIKey = DefaultAPIKey()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := config.GetAPIKey(r)
			if key == "" {
				unauthorized(config, w, r)
				return
			}

			user, err := config.Gate.Authorize(r.Context(), key)
			switch {
			case err == nil:
			case errors.Is(err, entitlement.ErrAuthentication):
				unauthorized(config, w, r)
				return
			case errors.Is(err, entitlement.ErrAccessDenied):
				if config.OnAccessDenied != nil {
					config.OnAccessDenied(w, r, user)
				} else {
					http.Error(w, "Payment Required", http.StatusPaymentRequired)
				}
				return
			default:
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			ctx := WithUser(r.Context(), user)
			ctx = WithUserID(ctx, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates an HTTP middleware that admits only entitled API keys (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func unauthorized(config Config, w http.ResponseWriter, r *http.Request) {
	if config.OnUnauthorized != nil {
		config.OnUnauthorized(w, r)
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// Common extractors for convenience

// DefaultAPIKey reads a bearer token, falling back to the X-API-Key header
func DefaultAPIKey() APIKeyExtractor {
	bearer := FromBearer()
	header := FromHeader("X-API-Key")
	return func(r *http.Request) string {
		if key := bearer(r); key != "" {
			return key
		}
		return header(r)
	}
}

// FromBearer returns an APIKeyExtractor that reads "Authorization: Bearer <key>"
func FromBearer() APIKeyExtractor {
	return func(r *http.Request) string {
		return BearerToken(r.Header.Get("Authorization"))
	}
}

// FromHeader returns an APIKeyExtractor that gets the key from a header
func FromHeader(headerName string) APIKeyExtractor {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(headerName))
	}
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(value string) string {
	const prefix = "bearer "
	if len(value) < len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(value[len(prefix):])
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "entitle:userID"

	// UserKey is the context key for the authorized user
	UserKey ContextKey = "entitle:user"
)

// FromContext returns the user ID stored by Middleware, or ""
func FromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// UserFromContext returns the user stored by Middleware
func UserFromContext(ctx context.Context) (*entitlement.User, bool) {
	user, ok := ctx.Value(UserKey).(*entitlement.User)
	return user, ok
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithUser adds the authorized user to request context
func WithUser(ctx context.Context, user *entitlement.User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

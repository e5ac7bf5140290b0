// Package gin provides Gin middleware for API key entitlement checks
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	entitlehttp "github.com/mihaimyh/goentitle/middleware/http"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Context keys set on success
const (
	UserIDKey = "entitle:userID"
	UserKey   = "entitle:user"
)

// APIKeyExtractor extracts the API key from a Gin context
// Return empty string if no key was sent
type APIKeyExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Gate authorizes API keys (required)
	Gate entitlehttp.Authorizer

	// GetAPIKey extracts the key from the context
	// Default: Authorization bearer token, then X-API-Key
	GetAPIKey APIKeyExtractor

	// OnUnauthorized is called when the key is missing, malformed or unknown
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnAccessDenied is called when the key is valid but grants no access
	// If nil, returns 402 Payment Required
	OnAccessDenied func(c *gongin.Context, user *entitlement.User)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that admits only entitled API keys.
// The user ID and user are stored with c.Set under UserIDKey and UserKey.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("goentitle/gin: Config.Gate is required")
	}
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = DefaultAPIKey()
	}

	return func(c *gongin.Context) {
		key := cfg.GetAPIKey(c)
		if key == "" {
			unauthorized(cfg, c)
			c.Abort()
			return
		}

		user, err := cfg.Gate.Authorize(c.Request.Context(), key)
		if err != nil {
			switch {
			case errors.Is(err, entitlement.ErrAuthentication):
				unauthorized(cfg, c)
			case errors.Is(err, entitlement.ErrAccessDenied):
				if cfg.OnAccessDenied != nil {
					cfg.OnAccessDenied(c, user)
				} else {
					c.JSON(http.StatusPaymentRequired, gongin.H{"error": "Payment Required"})
				}
			default:
				if cfg.OnError != nil {
					cfg.OnError(c, err)
				} else {
					c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
				}
			}
			c.Abort()
			return
		}

		c.Set(UserIDKey, user.ID)
		c.Set(UserKey, user)
		c.Next()
	}
}

func unauthorized(cfg Config, c *gongin.Context) {
	if cfg.OnUnauthorized != nil {
		cfg.OnUnauthorized(c)
		return
	}
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

// DefaultAPIKey reads a bearer token, falling back to the X-API-Key header
func DefaultAPIKey() APIKeyExtractor {
	return func(c *gongin.Context) string {
		if key := entitlehttp.BearerToken(c.GetHeader("Authorization")); key != "" {
			return key
		}
		return c.GetHeader("X-API-Key")
	}
}

// FromHeader returns an APIKeyExtractor that gets the key from a header
func FromHeader(headerName string) APIKeyExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromQuery returns an APIKeyExtractor that gets the key from a query parameter
func FromQuery(queryName string) APIKeyExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// UserFromContext returns the user stored by Middleware
func UserFromContext(c *gongin.Context) (*entitlement.User, bool) {
	val, exists := c.Get(UserKey)
	if !exists {
		return nil, false
	}
	user, ok := val.(*entitlement.User)
	return user, ok
}

// Package echo provides Echo middleware for API key entitlement checks
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	entitlehttp "github.com/mihaimyh/goentitle/middleware/http"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Context keys set on success
const (
	UserIDKey = "entitle:userID"
	UserKey   = "entitle:user"
)

// APIKeyExtractor extracts the API key from an Echo context
// Return empty string if no key was sent
type APIKeyExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Gate authorizes API keys (required)
	Gate entitlehttp.Authorizer

	// GetAPIKey extracts the key from the context
	// Default: Authorization bearer token, then X-API-Key
	GetAPIKey APIKeyExtractor

	// OnUnauthorized is called when the key is missing, malformed or unknown
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnAccessDenied is called when the key is valid but grants no access
	// If nil, returns 402 Payment Required
	OnAccessDenied func(c echo.Context, user *entitlement.User) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that admits only entitled API keys
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Gate == nil {
		panic("goentitle/echo: Config.Gate is required")
	}
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = DefaultAPIKey()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := cfg.GetAPIKey(c)
			if key == "" {
				return unauthorized(cfg, c)
			}

			user, err := cfg.Gate.Authorize(c.Request().Context(), key)
			switch {
			case err == nil:
			case errors.Is(err, entitlement.ErrAuthentication):
				return unauthorized(cfg, c)
			case errors.Is(err, entitlement.ErrAccessDenied):
				if cfg.OnAccessDenied != nil {
					return cfg.OnAccessDenied(c, user)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "Payment Required"})
			default:
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			c.Set(UserIDKey, user.ID)
			c.Set(UserKey, user)
			return next(c)
		}
	}
}

func unauthorized(cfg Config, c echo.Context) error {
	if cfg.OnUnauthorized != nil {
		return cfg.OnUnauthorized(c)
	}
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

// DefaultAPIKey reads a bearer token, falling back to the X-API-Key header
func DefaultAPIKey() APIKeyExtractor {
	return func(c echo.Context) string {
		if key := entitlehttp.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization)); key != "" {
			return key
		}
		return c.Request().Header.Get("X-API-Key")
	}
}

// FromHeader returns an APIKeyExtractor that gets the key from a header
func FromHeader(headerName string) APIKeyExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// UserFromContext returns the user stored by Middleware
func UserFromContext(c echo.Context) (*entitlement.User, bool) {
	user, ok := c.Get(UserKey).(*entitlement.User)
	return user, ok
}

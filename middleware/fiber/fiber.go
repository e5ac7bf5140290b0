// Package fiber provides Fiber middleware for API key entitlement checks
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	entitlehttp "github.com/mihaimyh/goentitle/middleware/http"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Locals keys set on success
const (
	UserIDKey = "entitle:userID"
	UserKey   = "entitle:user"
)

// APIKeyExtractor extracts the API key from a Fiber context
// Return empty string if no key was sent
type APIKeyExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Gate authorizes API keys (required)
	Gate entitlehttp.Authorizer

	// GetAPIKey extracts the key from the context
	// Default: Authorization bearer token, then X-API-Key
	GetAPIKey APIKeyExtractor

	// OnUnauthorized is called when the key is missing, malformed or unknown
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnAccessDenied is called when the key is valid but grants no access
	// If nil, returns 402 Payment Required
	OnAccessDenied func(c *fiber.Ctx, user *entitlement.User) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that admits only entitled API keys
func Middleware(cfg Config) fiber.Handler {
	if cfg.Gate == nil {
		panic("goentitle/fiber: Config.Gate is required")
	}
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = DefaultAPIKey()
	}

	return func(c *fiber.Ctx) error {
		key := cfg.GetAPIKey(c)
		if key == "" {
			return unauthorized(cfg, c)
		}

		// Fiber reuses its context; UserContext carries cancellation.
		user, err := cfg.Gate.Authorize(c.UserContext(), key)
		switch {
		case err == nil:
		case errors.Is(err, entitlement.ErrAuthentication):
			return unauthorized(cfg, c)
		case errors.Is(err, entitlement.ErrAccessDenied):
			if cfg.OnAccessDenied != nil {
				return cfg.OnAccessDenied(c, user)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "Payment Required"})
		default:
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		c.Locals(UserIDKey, user.ID)
		c.Locals(UserKey, user)
		return c.Next()
	}
}

func unauthorized(cfg Config, c *fiber.Ctx) error {
	if cfg.OnUnauthorized != nil {
		return cfg.OnUnauthorized(c)
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

// DefaultAPIKey reads a bearer token, falling back to the X-API-Key header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func DefaultAPIKey() APIKeyExtractor {
	return func(c *fiber.Ctx) string {
		if key := entitlehttp.BearerToken(c.Get(fiber.HeaderAuthorization)); key != "" {
			return key
		}
		return c.Get("X-API-Key")
	}
}

// FromHeader returns an APIKeyExtractor that gets the key from a header
func FromHeader(headerName string) APIKeyExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// UserFromContext returns the user stored by Middleware
func UserFromContext(c *fiber.Ctx) (*entitlement.User, bool) {
	user, ok := c.Locals(UserKey).(*entitlement.User)
	return user, ok
}

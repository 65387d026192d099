// Package fiber provides Fiber middleware for subscription gating
package fiber

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// IdentityExtractor extracts the authenticated identity from a Fiber context
// Return empty string if user is not authenticated
type IdentityExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Manager is the subscription manager instance (required)
	Manager *subsync.Manager

	// GetIdentity extracts the authenticated identity from context (required)
	GetIdentity IdentityExtractor

	// InactiveStatusCode is the HTTP status code returned when the user
	// has no active subscription
	// Default: 402 (Payment Required)
	InactiveStatusCode int

	// OnInactive is called when the user has no active subscription
	// If nil, returns InactiveStatusCode JSON
	OnInactive func(c *fiber.Ctx) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that only lets requests from
// identities with an active subscription through
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gosubsync/fiber: Config.Manager is required")
	}
	if cfg.GetIdentity == nil {
		panic("gosubsync/fiber: Config.GetIdentity is required")
	}

	// Set defaults
	if cfg.InactiveStatusCode == 0 {
		cfg.InactiveStatusCode = http.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		identity := cfg.GetIdentity(c)
		if identity == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		entitled, err := cfg.Manager.Entitled(c.UserContext(), identity)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !entitled {
			if cfg.OnInactive != nil {
				return cfg.OnInactive(c)
			}
			return c.Status(cfg.InactiveStatusCode).JSON(fiber.Map{"error": "Subscription Required"})
		}

		return c.Next()
	}
}

// Common extractors for convenience

// FromHeader returns an IdentityExtractor that reads a request header
func FromHeader(headerName string) IdentityExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromContext returns an IdentityExtractor that reads a value
// placed by an upstream authentication middleware via c.Locals
func FromContext(key string) IdentityExtractor {
	return func(c *fiber.Ctx) string {
		if v, ok := c.Locals(key).(string); ok {
			return v
		}
		return ""
	}
}

// Package echo provides Echo middleware for subscription gating
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// IdentityExtractor extracts the authenticated identity from an Echo context
// Return empty string if user is not authenticated
type IdentityExtractor func(c echo.Context) string

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
	OnInactive func(c echo.Context) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that only lets requests from
// identities with an active subscription through
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gosubsync/echo: Config.Manager is required")
	}
	if cfg.GetIdentity == nil {
		panic("gosubsync/echo: Config.GetIdentity is required")
	}

	// Set defaults
	if cfg.InactiveStatusCode == 0 {
		cfg.InactiveStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity := cfg.GetIdentity(c)
			if identity == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			entitled, err := cfg.Manager.Entitled(c.Request().Context(), identity)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !entitled {
				if cfg.OnInactive != nil {
					return cfg.OnInactive(c)
				}
				return c.JSON(cfg.InactiveStatusCode, map[string]string{"error": "Subscription Required"})
			}

			return next(c)
		}
	}
}

// Common extractors for convenience

// FromHeader returns an IdentityExtractor that reads a request header
func FromHeader(headerName string) IdentityExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContext returns an IdentityExtractor that reads a value
// placed by an upstream authentication middleware via c.Set
func FromContext(key string) IdentityExtractor {
	return func(c echo.Context) string {
		if v, ok := c.Get(key).(string); ok {
			return v
		}
		return ""
	}
}

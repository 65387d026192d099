// Package gin provides Gin middleware for subscription gating
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// IdentityExtractor extracts the authenticated identity from a Gin context
// Return empty string if user is not authenticated
type IdentityExtractor func(c *gongin.Context) string

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
	OnInactive func(c *gongin.Context)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that only lets requests from
// identities with an active subscription through
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gosubsync/gin: Config.Manager is required")
	}
	if cfg.GetIdentity == nil {
		panic("gosubsync/gin: Config.GetIdentity is required")
	}

	// Set defaults
	if cfg.InactiveStatusCode == 0 {
		cfg.InactiveStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		identity := cfg.GetIdentity(c)
		if identity == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		entitled, err := cfg.Manager.Entitled(c.Request.Context(), identity)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !entitled {
			if cfg.OnInactive != nil {
				cfg.OnInactive(c)
			} else {
				c.JSON(cfg.InactiveStatusCode, gongin.H{"error": "Subscription Required"})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// Common extractors for convenience

// FromHeader returns an IdentityExtractor that reads a request header
func FromHeader(headerName string) IdentityExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContext returns an IdentityExtractor that reads a value
// placed by an upstream authentication middleware via c.Set
func FromContext(key string) IdentityExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// Package http provides HTTP middleware for subscription gating
package http

import (
	"net/http"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// IdentityExtractor extracts the authenticated identity from an HTTP request
// Return empty string if user is not authenticated
type IdentityExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager is the subscription manager instance (required)
	Manager *subsync.Manager

	// GetIdentity extracts the authenticated identity from request (required)
	GetIdentity IdentityExtractor

	// InactiveStatusCode is the HTTP status code returned when the user
	// has no active subscription
	// Default: 402 (Payment Required)
	InactiveStatusCode int

	// OnInactive is called when the user has no active subscription
	// If nil, returns InactiveStatusCode
	OnInactive func(w http.ResponseWriter, r *http.Request)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireSubscription creates an HTTP middleware that only lets
// requests from identities with an active subscription through
func RequireSubscription(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("gosubsync/http: Config.Manager is required")
	}
	if config.GetIdentity == nil {
		panic("gosubsync/http: Config.GetIdentity is required")
	}
	if config.InactiveStatusCode == 0 {
		config.InactiveStatusCode = http.StatusPaymentRequired
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := config.GetIdentity(r)
			if identity == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			entitled, err := config.Manager.Entitled(r.Context(), identity)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !entitled {
				if config.OnInactive != nil {
					config.OnInactive(w, r)
				} else {
					http.Error(w, "Subscription Required", config.InactiveStatusCode)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that gates subscriptions (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireSubscription(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// ContextKey is the type for context keys used by FromContext
type ContextKey string

// FromHeader returns an IdentityExtractor that reads a request header
func FromHeader(headerName string) IdentityExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns an IdentityExtractor that reads a context value
// placed by an upstream authentication middleware
func FromContext(key ContextKey) IdentityExtractor {
	return func(r *http.Request) string {
		if v, ok := r.Context().Value(key).(string); ok {
			return v
		}
		return ""
	}
}

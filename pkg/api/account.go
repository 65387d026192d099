// Package api exposes the account read endpoint: the authenticated
// user's profile joined with their subscription state, as consumed by
// front-end session hooks.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// IdentityExtractor extracts the authenticated identity from a request.
// Return empty string if the user is not authenticated.
type IdentityExtractor func(r *http.Request) string

// Config holds the account handler configuration.
type Config struct {
	// Manager is the subscription manager instance (required).
	Manager *subsync.Manager

	// GetIdentity extracts the authenticated identity (required).
	GetIdentity IdentityExtractor

	// OnUnauthorized is called when no identity is present.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger is an optional logger.
	Logger subsync.Logger
}

// ProfileResponse is the profile portion of the account payload.
type ProfileResponse struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	DiscordID   string `json:"discord_id,omitempty"`
}

// SubscriptionResponse is the subscription portion of the account payload.
type SubscriptionResponse struct {
	Plan           string     `json:"plan"`
	CustomerID     *string    `json:"customer_id,omitempty"`
	SubscriptionID *string    `json:"subscription_id,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AccountResponse is the JSON body returned by the account handler.
type AccountResponse struct {
	Profile      ProfileResponse       `json:"profile"`
	Subscription *SubscriptionResponse `json:"subscription,omitempty"`
	Active       bool                  `json:"active"`
}

// AccountHandler returns an http.Handler serving the joined account
// view for the authenticated user. Panics if required configuration is
// missing.
func AccountHandler(config Config) http.Handler {
	if config.Manager == nil {
		panic("gosubsync/api: Config.Manager is required")
	}
	if config.GetIdentity == nil {
		panic("gosubsync/api: Config.GetIdentity is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		identity := config.GetIdentity(r)
		if identity == "" {
			if config.OnUnauthorized != nil {
				config.OnUnauthorized(w, r)
			} else {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
			}
			return
		}

		account, err := config.Manager.Lookup(r.Context(), identity)
		if err != nil {
			if errors.Is(err, subsync.ErrProfileNotFound) {
				http.Error(w, "Not Found", http.StatusNotFound)
				return
			}
			logger.Error("account lookup failed",
				subsync.Field{Key: "identity", Value: identity},
				subsync.Field{Key: "error", Value: err.Error()})
			if config.OnError != nil {
				config.OnError(w, r, err)
			} else {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}

		writeAccount(w, account)
	})
}

func writeAccount(w http.ResponseWriter, account *subsync.Account) {
	resp := AccountResponse{
		Profile: ProfileResponse{
			Identity:    account.Profile.Identity,
			DisplayName: account.Profile.DisplayName,
			ImageURL:    account.Profile.ImageURL,
			DiscordID:   account.Profile.DiscordID,
		},
		Active: account.Active,
	}

	if account.Subscription != nil {
		resp.Subscription = &SubscriptionResponse{
			Plan:           account.Subscription.Plan,
			CustomerID:     account.Subscription.CustomerID,
			SubscriptionID: account.Subscription.SubscriptionID,
			EndAt:          account.Subscription.EndAt,
			CreatedAt:      account.Subscription.CreatedAt,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// Common extractors for convenience

// FromHeader returns an IdentityExtractor that reads a request header.
func FromHeader(name string) IdentityExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// FromContext returns an IdentityExtractor that reads a context value
// placed by an upstream authentication middleware.
func FromContext(key interface{}) IdentityExtractor {
	return func(r *http.Request) string {
		if v, ok := r.Context().Value(key).(string); ok {
			return v
		}
		return ""
	}
}

package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface that any billing backend must implement.
// The webhook handler owns validation, routing, and Manager updates; the
// application only mounts it and never touches raw provider payloads.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles signature verification, parsing, and
	// Manager updates internally.
	WebhookHandler() http.Handler

	// SyncUser forces a synchronization of the user's subscription state
	// from the provider into the local subscription record.
	// This is used for "Restore Purchases" or manual repair after a
	// missed delivery. Returns the detected plan and any error.
	SyncUser(ctx context.Context, identity string) (string, error)
}

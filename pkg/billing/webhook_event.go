package billing

import (
	"context"
	"time"
)

// WebhookEvent contains information about a successfully processed webhook
// event. It is passed to an optional callback after the subscription record
// has been updated in storage.
type WebhookEvent struct {
	// Identity is the identity key the event was reconciled against
	Identity string

	// Plan is the plan after the update
	Plan string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type
	// (e.g., "checkout.session.completed", "invoice.payment_succeeded")
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// EndAt is when the subscription period ends (nil after cancellation)
	EndAt *time.Time
}

// WebhookCallback is invoked after successful webhook processing.
// Callbacks run synchronously; a returned error is logged but does not
// fail the webhook response.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error

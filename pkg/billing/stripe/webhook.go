package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosubsync/pkg/billing"
	"github.com/mihaimyh/gosubsync/pkg/billing/internal"
	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Read and validate the raw body. Signature verification is
	// content-sensitive, so these exact bytes are what gets verified.
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")

	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		p.logger.Warn("webhook signature verification failed",
			subsync.Field{Key: "error", Value: err.Error()})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		if errors.Is(err, subsync.ErrMissingMetadata) {
			// Billing provider misconfiguration: surface it, but a
			// redelivery would fail the same way
			p.logger.Error("webhook event missing required metadata",
				subsync.Field{Key: "event_type", Value: eventType},
				subsync.Field{Key: "error", Value: err.Error()})
			http.Error(w, "missing metadata", http.StatusBadRequest)
			p.metrics.RecordWebhookEvent(providerName, eventType, "error")
			p.metrics.RecordWebhookError(providerName, "missing_metadata")
			p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
			return
		}

		// Transient failure (store write, provider API): 500 so Stripe
		// redelivers
		p.logger.Error("webhook processing failed",
			subsync.Field{Key: "event_type", Value: eventType},
			subsync.Field{Key: "error", Value: err.Error()})
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent dispatches a verified event to exactly one handler.
// Unrecognized types are logged and acknowledged so Stripe stops
// redelivering events this system intentionally ignores.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	eventTime := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event, eventTime)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event, eventTime)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	default:
		p.logger.Info("ignoring unhandled event type",
			subsync.Field{Key: "event_type", Value: string(event.Type)})
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "ignored")
		return nil
	}
}

// handleCheckoutSessionCompleted fulfills a completed checkout. Identity
// and plan ride in the session metadata placed there at checkout
// creation time; their absence is a provider misconfiguration, never a
// silent success.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	identity := ""
	plan := ""
	if session.Metadata != nil {
		identity = session.Metadata["identity"]
		plan = session.Metadata["plan"]
	}
	if identity == "" && session.CustomerEmail != "" {
		identity = session.CustomerEmail
	}

	if err := p.manager.ApplyCheckoutCompleted(ctx, identity, plan, eventTime); err != nil {
		return err
	}

	p.fireCallback(ctx, billing.WebhookEvent{
		Identity:       identity,
		Plan:           plan,
		Provider:       providerName,
		EventType:      string(event.Type),
		EventTimestamp: eventTime,
	})
	return nil
}

// handleInvoicePaymentSucceeded records a paid (renewal) invoice. The
// period end comes from the first invoice line; the subscription
// reference is extracted from the raw payload since the SDK struct does
// not expose it on all API versions.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	subscriptionID := extractSubscriptionID(event.Data.Raw)
	if subscriptionID == "" {
		// Not a subscription invoice - ignore
		p.logger.Debug("invoice without subscription reference, ignoring",
			subsync.Field{Key: "invoice", Value: invoice.ID})
		return nil
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}

	endAt := eventTime.AddDate(0, 1, 0)
	if invoice.Lines != nil && len(invoice.Lines.Data) > 0 {
		if period := invoice.Lines.Data[0].Period; period != nil && period.End > 0 {
			endAt = time.Unix(period.End, 0).UTC()
		}
	}

	if err := p.manager.ApplyInvoicePaymentSucceeded(
		ctx, invoice.CustomerEmail, endAt, customerID, subscriptionID, eventTime,
	); err != nil {
		return err
	}

	p.fireCallback(ctx, billing.WebhookEvent{
		Identity:       invoice.CustomerEmail,
		Provider:       providerName,
		EventType:      string(event.Type),
		EventTimestamp: eventTime,
		EndAt:          &endAt,
	})
	return nil
}

// handleSubscriptionDeleted deactivates the record holding the canceled
// subscription's reference
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	if err := p.manager.ApplySubscriptionDeleted(ctx, subscription.ID); err != nil {
		return err
	}

	p.fireCallback(ctx, billing.WebhookEvent{
		Provider:       providerName,
		EventType:      string(event.Type),
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
	})
	return nil
}

// extractSubscriptionID pulls the subscription reference out of a raw
// invoice payload. Depending on API version it is either an ID string or
// an expanded object.
func extractSubscriptionID(raw []byte) string {
	var rawData map[string]interface{}
	if err := json.Unmarshal(raw, &rawData); err != nil {
		return ""
	}

	switch v := rawData["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

func (p *Provider) fireCallback(ctx context.Context, event billing.WebhookEvent) {
	if p.callback == nil {
		return
	}
	if err := p.callback(ctx, event); err != nil {
		p.logger.Error("webhook callback failed",
			subsync.Field{Key: "event_type", Value: event.EventType},
			subsync.Field{Key: "error", Value: err.Error()})
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

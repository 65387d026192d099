package billing

import (
	"net/http"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Manager is the subsync Manager that billing events are applied to
	Manager *subsync.Manager

	// PriceMapping maps provider price/product IDs to plan names.
	// For example: map[string]string{"price_1NXmonthly": "monthly",
	// "price_1NXlifetime": "permanent"}
	PriceMapping map[string]string

	// WebhookSecret is used to verify incoming webhook requests.
	// A provider with webhook support must refuse to construct without it.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	// (checkout sessions, SyncUser).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger is optional; if nil, logging is a no-op.
	Logger subsync.Logger

	// WebhookCallback is invoked after a webhook event has been applied
	// to the subscription record (notifications, cache busting). Errors
	// are logged and never fail the webhook response.
	WebhookCallback WebhookCallback

	// Metrics is an optional metrics collector for billing operations.
	// If nil, metrics are silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics for Prometheus metrics.
	Metrics Metrics
}

// Package stripe implements the billing.Provider interface for Stripe.
// Inbound webhook events are verified against the raw request body,
// routed by event type, and applied to the subsync Manager; outbound
// calls cover checkout sessions, the customer portal, and user sync.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosubsync/pkg/billing"
	"github.com/mihaimyh/gosubsync/pkg/billing/internal"
	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Manager, PriceMapping, etc.)

	// StripeAPIKey authenticates outbound Stripe API calls
	StripeAPIKey string

	// StripeWebhookSecret is the endpoint signing secret (whsec_...)
	// used to verify inbound webhook payloads
	StripeWebhookSecret string
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	manager       *subsync.Manager
	config        Config
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	priceMapping  map[string]string // Price/Product ID -> plan
	webhookSecret []byte
	stripeClient  *stripe.Client
	logger        subsync.Logger
	metrics       billing.Metrics
	callback      billing.WebhookCallback
}

// NewProvider creates a new Stripe billing provider.
// Missing secrets are a construction-time failure: a provider that
// cannot verify signatures or call the API must never start serving.
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	// Normalize price mapping keys for case-insensitive lookup
	priceMapping := make(map[string]string)
	for k, v := range config.PriceMapping {
		priceMapping[strings.ToLower(k)] = v
	}

	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		manager:       config.Manager,
		config:        config,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		priceMapping:  priceMapping,
		webhookSecret: []byte(webhookSecret),
		stripeClient:  stripe.NewClient(apiKey),
		logger:        logger,
		metrics:       metrics,
		callback:      config.WebhookCallback,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}

// MapPriceToPlan maps a Stripe Price ID or Product ID to a plan name.
// Unmapped prices return an empty plan.
func (p *Provider) MapPriceToPlan(priceID string) string {
	if priceID == "" {
		return ""
	}
	return p.priceMapping[strings.ToLower(strings.TrimSpace(priceID))]
}

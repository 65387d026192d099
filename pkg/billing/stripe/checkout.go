package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// CheckoutURL creates a Stripe Checkout Session for a subscription and
// returns the URL. The plan is resolved to a Stripe Price ID through the
// configured PriceMapping, and the identity and plan are injected into
// the session metadata so the webhook handler can fulfill the checkout
// without any extra lookups.
func (p *Provider) CheckoutURL(ctx context.Context, identity, plan, successURL, cancelURL string) (string, error) {
	startTime := time.Now()

	priceID := p.priceIDForPlan(plan)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, plan)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:    stripe.String(successURL),
		CancelURL:     stripe.String(cancelURL),
		CustomerEmail: stripe.String(identity),
	}

	// The webhook handler reconciles from this metadata; without it the
	// completed checkout cannot be matched to a user
	params.Metadata = map[string]string{
		"identity": identity,
		"plan":     plan,
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL.
// This backs the "manage billing" button: users update payment methods
// or cancel from Stripe's hosted portal.
func (p *Provider) PortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	startTime := time.Now()

	if customerID == "" {
		return "", billing.ErrCustomerNotFound
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))

	return session.URL, nil
}

// priceIDForPlan returns the Stripe Price ID for a plan name. This is
// the reverse of MapPriceToPlan; if multiple prices map to the same plan
// the first match wins.
func (p *Provider) priceIDForPlan(plan string) string {
	for priceID, mapped := range p.priceMapping {
		if mapped == plan {
			return priceID
		}
	}
	return ""
}

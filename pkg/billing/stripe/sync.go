package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

const subscriptionStatusActive = "active"

// SyncUser synchronizes a user's subscription record from the Stripe API.
// Used for "restore purchases" or manual repair after a missed webhook
// delivery. Returns the detected plan (empty when the user has no active
// subscription).
func (p *Provider) SyncUser(ctx context.Context, identity string) (string, error) {
	startTime := time.Now()

	customerID, err := p.searchCustomerByEmail(ctx, identity)
	if err != nil {
		if err == billing.ErrCustomerNotFound {
			// No Stripe customer: make sure the local record carries no
			// stale billing references
			if err := p.manager.ApplySync(ctx, identity, "", "", "", nil); err != nil {
				p.metrics.RecordUserSync(providerName, "error")
				return "", err
			}
			p.metrics.RecordUserSync(providerName, "success")
			p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
			return "", nil
		}
		p.metrics.RecordUserSync(providerName, "error")
		return "", err
	}

	plan, subscriptionID, endAt, err := p.resolveActiveSubscription(ctx, customerID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return "", err
	}

	if err := p.manager.ApplySync(ctx, identity, plan, customerID, subscriptionID, endAt); err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return plan, err
	}

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	return plan, nil
}

// searchCustomerByEmail finds the Stripe customer for an identity via
// the Search API
func (p *Provider) searchCustomerByEmail(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("email:'%s'", email)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/customers/search", "error")
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Search can return partial matches; verify
		if cust.Email == email {
			p.metrics.RecordAPICall(providerName, "/customers/search", "success")
			return cust.ID, nil
		}
	}

	p.metrics.RecordAPICall(providerName, "/customers/search", "not_found")
	return "", billing.ErrCustomerNotFound
}

// resolveActiveSubscription lists the customer's active subscriptions
// and resolves the most recently created one into (plan, reference,
// period end). The v83 subscription struct does not expose the current
// period end on all API versions, so the end date is approximated from
// the plan term and corrected by the next invoice webhook.
func (p *Provider) resolveActiveSubscription(
	ctx context.Context, customerID string,
) (plan, subscriptionID string, endAt *time.Time, err error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(subscriptionStatusActive)

	var newest *stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			return "", "", nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if sub.Status != subscriptionStatusActive {
			continue
		}
		if newest == nil || sub.Created > newest.Created {
			newest = sub
		}
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "success")

	if newest == nil {
		return "", "", nil, nil
	}

	if newest.Items != nil && len(newest.Items.Data) > 0 && newest.Items.Data[0].Price != nil {
		plan = p.MapPriceToPlan(newest.Items.Data[0].Price.ID)
	}

	end := p.manager.TermForPlan(plan).EndAt(time.Now().UTC())
	return plan, newest.ID, &end, nil
}

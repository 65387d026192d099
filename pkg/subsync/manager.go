package subsync

import (
	"context"
	"fmt"
	"time"
)

// Config holds Manager configuration
type Config struct {
	// PlanTerms maps plan names to access terms. If nil, the built-in
	// table is used (monthly -> 1 month, permanent/pro -> 100 years).
	PlanTerms map[string]PlanTerm

	// RoleSyncer is the optional community-platform collaborator.
	// Failures are logged and never fail reconciliation.
	RoleSyncer RoleSyncer

	// Logger is optional; if nil, logging is a no-op.
	Logger Logger
}

// Manager applies billing events to subscription records. It is the
// single writer of subscription state; each call is an independent,
// stateless request and convergence under concurrent deliveries is
// delegated to the store's atomic upsert.
type Manager struct {
	storage Storage
	config  Config
}

// NewManager creates a new subscription manager with the given storage
// and configuration
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.PlanTerms == nil {
		config.PlanTerms = defaultPlanTerms
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}

	return &Manager{
		storage: storage,
		config:  config,
	}, nil
}

// ApplyCheckoutCompleted fulfills a completed checkout for the given
// identity and plan. The event timestamp drives both the computed end
// date and replay protection: a redelivered event produces the exact
// record the first delivery did, never a second row or a doubled end
// date.
//
// A missing user directory profile is logged and acknowledged rather
// than failing the request; retrying would never succeed and only
// causes delivery storms.
func (m *Manager) ApplyCheckoutCompleted(ctx context.Context, identity, plan string, eventTime time.Time) error {
	if identity == "" || plan == "" {
		return fmt.Errorf("%w: identity=%q plan=%q", ErrMissingMetadata, identity, plan)
	}

	profile, err := m.storage.GetProfile(ctx, identity)
	if err != nil {
		if err == ErrProfileNotFound {
			m.config.Logger.Warn("checkout for unknown user, acknowledging without fulfillment",
				Field{Key: "identity", Value: identity},
				Field{Key: "plan", Value: plan})
			return nil
		}
		return fmt.Errorf("failed to look up profile: %w", err)
	}

	existing, err := m.storage.GetSubscription(ctx, identity)
	if err != nil && err != ErrSubscriptionNotFound {
		return fmt.Errorf("failed to get subscription: %w", err)
	}

	// Timestamp-based idempotency: only apply if the event is newer
	if existing != nil && !eventTime.After(existing.UpdatedAt) {
		m.config.Logger.Debug("stale or duplicate checkout event, skipping",
			Field{Key: "identity", Value: identity})
		return nil
	}

	endAt := m.TermForPlan(plan).EndAt(eventTime)

	sub := &Subscription{
		Identity:  identity,
		Plan:      plan,
		EndAt:     &endAt,
		CreatedAt: eventTime,
		UpdatedAt: eventTime,
	}
	if existing != nil {
		sub.CreatedAt = existing.CreatedAt
		sub.CustomerID = existing.CustomerID
		sub.SubscriptionID = existing.SubscriptionID
	}

	if err := m.storage.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	m.config.Logger.Info("checkout fulfilled",
		Field{Key: "identity", Value: identity},
		Field{Key: "plan", Value: plan},
		Field{Key: "end_at", Value: endAt})

	m.syncRole(ctx, profile, true)
	return nil
}

// ApplyInvoicePaymentSucceeded records a paid invoice: the record keyed
// on the email gets the new period end and the provider's customer and
// subscription references. Replays are skipped the same way as for
// checkout events.
func (m *Manager) ApplyInvoicePaymentSucceeded(
	ctx context.Context, email string, endAt time.Time, customerID, subscriptionID string, eventTime time.Time,
) error {
	if email == "" {
		return fmt.Errorf("%w: customer email missing on invoice", ErrMissingMetadata)
	}

	existing, err := m.storage.GetSubscription(ctx, email)
	if err != nil && err != ErrSubscriptionNotFound {
		return fmt.Errorf("failed to get subscription: %w", err)
	}

	if existing != nil && !eventTime.After(existing.UpdatedAt) {
		m.config.Logger.Debug("stale or duplicate invoice event, skipping",
			Field{Key: "identity", Value: email})
		return nil
	}

	sub := &Subscription{
		Identity:  email,
		EndAt:     &endAt,
		CreatedAt: eventTime,
		UpdatedAt: eventTime,
	}
	if customerID != "" {
		sub.CustomerID = &customerID
	}
	if subscriptionID != "" {
		sub.SubscriptionID = &subscriptionID
	}
	if existing != nil {
		sub.Plan = existing.Plan
		sub.CreatedAt = existing.CreatedAt
	}

	if err := m.storage.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	m.config.Logger.Info("invoice payment recorded",
		Field{Key: "identity", Value: email},
		Field{Key: "subscription_id", Value: subscriptionID},
		Field{Key: "end_at", Value: endAt})

	if profile, err := m.storage.GetProfile(ctx, email); err == nil {
		m.syncRole(ctx, profile, true)
	}
	return nil
}

// ApplySubscriptionDeleted deactivates the record holding the given
// provider subscription reference by clearing its billing references.
// Historical fields (identity, plan, created_at) survive cancellation.
// An unknown reference is logged and acknowledged; the provider has
// nothing useful to redeliver.
func (m *Manager) ApplySubscriptionDeleted(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return fmt.Errorf("%w: subscription reference missing", ErrMissingMetadata)
	}

	sub, err := m.storage.GetSubscriptionByRef(ctx, subscriptionID)
	if err != nil {
		if err == ErrSubscriptionNotFound {
			m.config.Logger.Warn("cancellation for unknown subscription, acknowledging",
				Field{Key: "subscription_id", Value: subscriptionID})
			return nil
		}
		return fmt.Errorf("failed to find subscription: %w", err)
	}

	if err := m.storage.ClearBillingRefs(ctx, subscriptionID); err != nil {
		return fmt.Errorf("failed to clear billing refs: %w", err)
	}

	m.config.Logger.Info("subscription canceled",
		Field{Key: "identity", Value: sub.Identity},
		Field{Key: "subscription_id", Value: subscriptionID})

	if profile, err := m.storage.GetProfile(ctx, sub.Identity); err == nil {
		m.syncRole(ctx, profile, false)
	}
	return nil
}

// ApplySync reconciles provider-reported state during a manual sync
// ("restore purchases", repair after a missed delivery). Unlike the
// webhook paths this always writes with the current time: a sync is an
// operator- or user-initiated read of live provider state, not a
// replayable event.
//
// A nil endAt means the provider reports no active subscription: any
// billing references on the local record are cleared, matching the
// cancellation path.
func (m *Manager) ApplySync(ctx context.Context, identity, plan, customerID, subscriptionID string, endAt *time.Time) error {
	if identity == "" {
		return fmt.Errorf("%w: identity missing on sync", ErrMissingMetadata)
	}

	existing, err := m.storage.GetSubscription(ctx, identity)
	if err != nil && err != ErrSubscriptionNotFound {
		return fmt.Errorf("failed to get subscription: %w", err)
	}

	now := time.Now().UTC()

	if endAt == nil {
		if existing == nil || (existing.CustomerID == nil && existing.SubscriptionID == nil && existing.EndAt == nil) {
			return nil
		}
		sub := *existing
		sub.CustomerID = nil
		sub.SubscriptionID = nil
		sub.EndAt = nil
		sub.UpdatedAt = now
		if err := m.storage.UpsertSubscription(ctx, &sub); err != nil {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}
		m.config.Logger.Info("sync deactivated subscription",
			Field{Key: "identity", Value: identity})
		if profile, err := m.storage.GetProfile(ctx, identity); err == nil {
			m.syncRole(ctx, profile, false)
		}
		return nil
	}

	sub := &Subscription{
		Identity:  identity,
		Plan:      plan,
		EndAt:     endAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if customerID != "" {
		sub.CustomerID = &customerID
	}
	if subscriptionID != "" {
		sub.SubscriptionID = &subscriptionID
	}
	if existing != nil {
		sub.CreatedAt = existing.CreatedAt
		if plan == "" {
			sub.Plan = existing.Plan
		}
	}

	if err := m.storage.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	m.config.Logger.Info("sync updated subscription",
		Field{Key: "identity", Value: identity},
		Field{Key: "plan", Value: sub.Plan},
		Field{Key: "end_at", Value: *endAt})

	if profile, err := m.storage.GetProfile(ctx, identity); err == nil {
		m.syncRole(ctx, profile, true)
	}
	return nil
}

// Account is the session read model: the user directory record joined
// with the subscription record, plus the computed active flag.
type Account struct {
	Profile      *Profile
	Subscription *Subscription
	Active       bool
}

// Lookup returns the joined profile and subscription for an identity.
// A missing subscription is not an error; Active is simply false.
func (m *Manager) Lookup(ctx context.Context, identity string) (*Account, error) {
	profile, err := m.storage.GetProfile(ctx, identity)
	if err != nil {
		return nil, err
	}

	sub, err := m.storage.GetSubscription(ctx, identity)
	if err != nil && err != ErrSubscriptionNotFound {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return &Account{
		Profile:      profile,
		Subscription: sub,
		Active:       sub.Active(time.Now().UTC()),
	}, nil
}

// Entitled reports whether the identity has an active subscription.
// It reads only the subscription record, so a user without a profile
// row is simply not entitled. Intended for request gating.
func (m *Manager) Entitled(ctx context.Context, identity string) (bool, error) {
	sub, err := m.storage.GetSubscription(ctx, identity)
	if err == ErrSubscriptionNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub.Active(time.Now().UTC()), nil
}

// syncRole pushes the entitlement role state to the community platform.
// Best effort: failures are logged, never returned.
func (m *Manager) syncRole(ctx context.Context, profile *Profile, active bool) {
	if m.config.RoleSyncer == nil {
		return
	}
	if profile.DiscordID == "" {
		m.config.Logger.Debug("no community member handle, skipping role sync",
			Field{Key: "identity", Value: profile.Identity})
		return
	}

	if err := m.config.RoleSyncer.SyncRole(ctx, profile.DiscordID, active); err != nil {
		m.config.Logger.Error("role sync failed",
			Field{Key: "identity", Value: profile.Identity},
			Field{Key: "member", Value: profile.DiscordID},
			Field{Key: "active", Value: active},
			Field{Key: "error", Value: err.Error()})
	}
}

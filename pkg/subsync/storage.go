package subsync

import "context"

// Storage defines the interface for subscription and profile persistence.
// All methods use concrete types from this package to avoid import cycles.
//
// UpsertSubscription must be atomic insert-or-update on the identity key:
// two concurrent deliveries for the same identity converge through the
// store's native conflict resolution, never through a read-modify-write
// race in the caller.
type Storage interface {
	// GetSubscription retrieves the subscription record for an identity.
	// Returns ErrSubscriptionNotFound if no record exists.
	GetSubscription(ctx context.Context, identity string) (*Subscription, error)

	// UpsertSubscription inserts the record, or updates the existing row
	// matching the identity key. Never produces duplicate rows.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscriptionByRef retrieves the record holding the given
	// provider subscription reference.
	// Returns ErrSubscriptionNotFound if no record matches.
	GetSubscriptionByRef(ctx context.Context, subscriptionID string) (*Subscription, error)

	// ClearBillingRefs nulls the customer and subscription references on
	// the record matching the given provider subscription reference,
	// leaving identity, plan and created_at intact.
	// Returns ErrSubscriptionNotFound if no record matches.
	ClearBillingRefs(ctx context.Context, subscriptionID string) error

	// GetProfile retrieves the user directory record for an identity.
	// Returns ErrProfileNotFound if no record exists.
	GetProfile(ctx context.Context, identity string) (*Profile, error)

	// SetProfile stores a user directory record keyed on identity.
	SetProfile(ctx context.Context, profile *Profile) error
}

// RoleSyncer is the optional community-platform collaborator. Active
// subscriptions get the entitlement role added; inactive ones get it
// removed. Implementations should be idempotent.
type RoleSyncer interface {
	SyncRole(ctx context.Context, identity string, active bool) error
}

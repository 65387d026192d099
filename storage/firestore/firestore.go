// Package firestore provides a Firestore implementation of the
// subsync.Storage interface. Documents are keyed on identity, so a
// Set is a native upsert and concurrent webhook deliveries converge
// without caller-side locking. Lookups by provider subscription
// reference use a single-field query on the subscriptionId field.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// Storage implements subsync.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	profilesCollection      string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for
	// subscription records. Default: "subscriptions"
	SubscriptionsCollection string

	// ProfilesCollection is the Firestore collection for user
	// directory records. Default: "profiles"
	ProfilesCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.ProfilesCollection == "" {
		config.ProfilesCollection = "profiles"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		profilesCollection:      config.ProfilesCollection,
	}, nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, identity string) (*subsync.Subscription, error) {
	doc := s.client.Collection(s.subscriptionsCollection).Doc(identity)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	if !snap.Exists() {
		return nil, subsync.ErrSubscriptionNotFound
	}

	return subscriptionFromData(identity, snap.Data()), nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.Identity == "" {
		return fmt.Errorf("invalid subscription")
	}

	doc := s.client.Collection(s.subscriptionsCollection).Doc(sub.Identity)

	data := map[string]interface{}{
		"plan":      sub.Plan,
		"createdAt": sub.CreatedAt,
		"updatedAt": sub.UpdatedAt,
	}

	// Nil refs are written explicitly so cancellation clears them
	if sub.CustomerID != nil {
		data["customerId"] = *sub.CustomerID
	} else {
		data["customerId"] = nil
	}
	if sub.SubscriptionID != nil {
		data["subscriptionId"] = *sub.SubscriptionID
	} else {
		data["subscriptionId"] = nil
	}
	if sub.EndAt != nil {
		data["endAt"] = *sub.EndAt
	} else {
		data["endAt"] = nil
	}

	if _, err := doc.Set(ctx, data); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	return nil
}

// GetSubscriptionByRef implements subsync.Storage
func (s *Storage) GetSubscriptionByRef(ctx context.Context, subscriptionID string) (*subsync.Subscription, error) {
	snap, err := s.findByRef(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return subscriptionFromData(snap.Ref.ID, snap.Data()), nil
}

// ClearBillingRefs implements subsync.Storage
func (s *Storage) ClearBillingRefs(ctx context.Context, subscriptionID string) error {
	snap, err := s.findByRef(ctx, subscriptionID)
	if err != nil {
		return err
	}

	_, err = snap.Ref.Update(ctx, []firestore.Update{
		{Path: "customerId", Value: nil},
		{Path: "subscriptionId", Value: nil},
		{Path: "endAt", Value: nil},
		{Path: "updatedAt", Value: time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("failed to clear billing refs: %w", err)
	}

	return nil
}

// GetProfile implements subsync.Storage
func (s *Storage) GetProfile(ctx context.Context, identity string) (*subsync.Profile, error) {
	doc := s.client.Collection(s.profilesCollection).Doc(identity)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	if !snap.Exists() {
		return nil, subsync.ErrProfileNotFound
	}

	data := snap.Data()
	return &subsync.Profile{
		Identity:    identity,
		DisplayName: getString(data, "displayName"),
		ImageURL:    getString(data, "imageUrl"),
		DiscordID:   getString(data, "discordId"),
		CreatedAt:   getTime(data, "createdAt"),
	}, nil
}

// SetProfile implements subsync.Storage
func (s *Storage) SetProfile(ctx context.Context, profile *subsync.Profile) error {
	if profile == nil || profile.Identity == "" {
		return fmt.Errorf("invalid profile")
	}

	createdAt := profile.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	doc := s.client.Collection(s.profilesCollection).Doc(profile.Identity)
	data := map[string]interface{}{
		"displayName": profile.DisplayName,
		"imageUrl":    profile.ImageURL,
		"discordId":   profile.DiscordID,
		"createdAt":   createdAt,
	}

	if _, err := doc.Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to set profile: %w", err)
	}

	return nil
}

func (s *Storage) findByRef(ctx context.Context, subscriptionID string) (*firestore.DocumentSnapshot, error) {
	if subscriptionID == "" {
		return nil, subsync.ErrSubscriptionNotFound
	}

	query := s.client.Collection(s.subscriptionsCollection).
		Where("subscriptionId", "==", subscriptionID).
		Limit(1)

	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription by ref: %w", err)
	}
	if len(snaps) == 0 {
		return nil, subsync.ErrSubscriptionNotFound
	}

	return snaps[0], nil
}

func subscriptionFromData(identity string, data map[string]interface{}) *subsync.Subscription {
	sub := &subsync.Subscription{
		Identity:  identity,
		Plan:      getString(data, "plan"),
		CreatedAt: getTime(data, "createdAt"),
		UpdatedAt: getTime(data, "updatedAt"),
	}

	if v, ok := data["customerId"].(string); ok && v != "" {
		sub.CustomerID = &v
	}
	if v, ok := data["subscriptionId"].(string); ok && v != "" {
		sub.SubscriptionID = &v
	}
	if v, ok := data["endAt"].(time.Time); ok && !v.IsZero() {
		sub.EndAt = &v
	}

	return sub
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

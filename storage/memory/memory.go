// Package memory provides an in-memory implementation of the subsync.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// Storage implements subsync.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*subsync.Subscription
	profiles      map[string]*subsync.Profile
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*subsync.Subscription),
		profiles:      make(map[string]*subsync.Profile),
	}
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, identity string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[identity]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}

	// Return a copy to prevent external mutations
	subCopy := *sub
	return &subCopy, nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.Identity == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutations
	subCopy := *sub
	s.subscriptions[sub.Identity] = &subCopy
	return nil
}

// GetSubscriptionByRef implements subsync.Storage
func (s *Storage) GetSubscriptionByRef(ctx context.Context, subscriptionID string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.SubscriptionID != nil && *sub.SubscriptionID == subscriptionID {
			subCopy := *sub
			return &subCopy, nil
		}
	}
	return nil, subsync.ErrSubscriptionNotFound
}

// ClearBillingRefs implements subsync.Storage
func (s *Storage) ClearBillingRefs(ctx context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subscriptions {
		if sub.SubscriptionID != nil && *sub.SubscriptionID == subscriptionID {
			sub.CustomerID = nil
			sub.SubscriptionID = nil
			sub.EndAt = nil
			return nil
		}
	}
	return subsync.ErrSubscriptionNotFound
}

// GetProfile implements subsync.Storage
func (s *Storage) GetProfile(ctx context.Context, identity string) (*subsync.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[identity]
	if !ok {
		return nil, subsync.ErrProfileNotFound
	}

	profileCopy := *profile
	return &profileCopy, nil
}

// SetProfile implements subsync.Storage
func (s *Storage) SetProfile(ctx context.Context, profile *subsync.Profile) error {
	if profile == nil || profile.Identity == "" {
		return fmt.Errorf("invalid profile")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	profileCopy := *profile
	s.profiles[profile.Identity] = &profileCopy
	return nil
}

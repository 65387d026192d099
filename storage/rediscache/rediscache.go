// Package rediscache provides a read-through Redis cache decorating
// another subsync.Storage. Session reads hit Redis first and fall
// through to the backing store; webhook writes go straight to the
// backing store and invalidate the cached entry. Concurrent misses
// for the same identity are collapsed into a single backing read.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// Config holds Redis cache configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// SubscriptionTTL is the TTL for cached subscriptions
	// (default: 5 minutes)
	SubscriptionTTL time.Duration

	// ProfileTTL is the TTL for cached profiles (default: 1 hour)
	ProfileTTL time.Duration

	// Logger is an optional logger for cache errors
	Logger subsync.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "subsync:",
		SubscriptionTTL: 5 * time.Minute,
		ProfileTTL:      time.Hour,
	}
}

// Storage decorates a backing subsync.Storage with a Redis cache.
// Redis failures degrade to backing-store reads, never to errors.
type Storage struct {
	backing subsync.Storage
	client  redis.UniversalClient
	config  Config
	logger  subsync.Logger
	group   singleflight.Group
}

// New creates a read-through cache around the backing storage.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(backing subsync.Storage, client redis.UniversalClient, config Config) (*Storage, error) {
	if backing == nil {
		return nil, fmt.Errorf("backing storage is required")
	}
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}
	if config.SubscriptionTTL == 0 {
		config.SubscriptionTTL = 5 * time.Minute
	}
	if config.ProfileTTL == 0 {
		config.ProfileTTL = time.Hour
	}

	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}

	return &Storage{
		backing: backing,
		client:  client,
		config:  config,
		logger:  logger,
	}, nil
}

func (s *Storage) subscriptionKey(identity string) string {
	return s.config.KeyPrefix + "sub:" + identity
}

func (s *Storage) profileKey(identity string) string {
	return s.config.KeyPrefix + "profile:" + identity
}

// GetSubscription implements subsync.Storage with a cache-first read.
func (s *Storage) GetSubscription(ctx context.Context, identity string) (*subsync.Subscription, error) {
	key := s.subscriptionKey(identity)

	if data, err := s.client.Get(ctx, key).Bytes(); err == nil {
		var sub subsync.Subscription
		if err := json.Unmarshal(data, &sub); err == nil {
			return &sub, nil
		}
		// Corrupt entry, drop it and fall through
		s.client.Del(ctx, key)
	} else if err != redis.Nil {
		s.logger.Warn("redis read failed, falling through",
			subsync.Field{Key: "key", Value: key},
			subsync.Field{Key: "error", Value: err.Error()})
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		sub, err := s.backing.GetSubscription(ctx, identity)
		if err != nil {
			return nil, err
		}
		s.cacheSet(ctx, key, sub, s.config.SubscriptionTTL)
		return sub, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*subsync.Subscription), nil
}

// UpsertSubscription implements subsync.Storage. The write goes to the
// backing store; the cached entry is invalidated, not updated, so a
// racing read can never pin a stale record past its TTL.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if err := s.backing.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	if sub != nil {
		s.invalidate(ctx, s.subscriptionKey(sub.Identity))
	}
	return nil
}

// GetSubscriptionByRef implements subsync.Storage. Ref lookups only
// happen on cancellation webhooks, so they skip the cache entirely.
func (s *Storage) GetSubscriptionByRef(ctx context.Context, subscriptionID string) (*subsync.Subscription, error) {
	return s.backing.GetSubscriptionByRef(ctx, subscriptionID)
}

// ClearBillingRefs implements subsync.Storage
func (s *Storage) ClearBillingRefs(ctx context.Context, subscriptionID string) error {
	// Resolve the identity first so the cached entry can be dropped
	sub, err := s.backing.GetSubscriptionByRef(ctx, subscriptionID)
	if err != nil {
		return err
	}

	if err := s.backing.ClearBillingRefs(ctx, subscriptionID); err != nil {
		return err
	}

	s.invalidate(ctx, s.subscriptionKey(sub.Identity))
	return nil
}

// GetProfile implements subsync.Storage with a cache-first read.
func (s *Storage) GetProfile(ctx context.Context, identity string) (*subsync.Profile, error) {
	key := s.profileKey(identity)

	if data, err := s.client.Get(ctx, key).Bytes(); err == nil {
		var profile subsync.Profile
		if err := json.Unmarshal(data, &profile); err == nil {
			return &profile, nil
		}
		s.client.Del(ctx, key)
	} else if err != redis.Nil {
		s.logger.Warn("redis read failed, falling through",
			subsync.Field{Key: "key", Value: key},
			subsync.Field{Key: "error", Value: err.Error()})
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		profile, err := s.backing.GetProfile(ctx, identity)
		if err != nil {
			return nil, err
		}
		s.cacheSet(ctx, key, profile, s.config.ProfileTTL)
		return profile, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*subsync.Profile), nil
}

// SetProfile implements subsync.Storage
func (s *Storage) SetProfile(ctx context.Context, profile *subsync.Profile) error {
	if err := s.backing.SetProfile(ctx, profile); err != nil {
		return err
	}
	if profile != nil {
		s.invalidate(ctx, s.profileKey(profile.Identity))
	}
	return nil
}

func (s *Storage) cacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.logger.Warn("redis write failed",
			subsync.Field{Key: "key", Value: key},
			subsync.Field{Key: "error", Value: err.Error()})
	}
}

func (s *Storage) invalidate(ctx context.Context, key string) {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logger.Warn("redis invalidation failed",
			subsync.Field{Key: "key", Value: key},
			subsync.Field{Key: "error", Value: err.Error()})
	}
}

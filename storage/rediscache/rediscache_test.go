package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
	"github.com/mihaimyh/gosubsync/storage/memory"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	t.Cleanup(func() { client.Close() })
	return client
}

// countingStorage wraps memory storage and counts backing reads
type countingStorage struct {
	*memory.Storage
	subscriptionReads int
	profileReads      int
}

func (c *countingStorage) GetSubscription(ctx context.Context, identity string) (*subsync.Subscription, error) {
	c.subscriptionReads++
	return c.Storage.GetSubscription(ctx, identity)
}

func (c *countingStorage) GetProfile(ctx context.Context, identity string) (*subsync.Profile, error) {
	c.profileReads++
	return c.Storage.GetProfile(ctx, identity)
}

func setupTestCache(t *testing.T) (*Storage, *countingStorage) {
	t.Helper()

	client := setupTestRedis(t)
	backing := &countingStorage{Storage: memory.New()}

	cache, err := New(backing, client, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return cache, backing
}

func strPtr(s string) *string { return &s }

func TestNew_RequiresBackingAndClient(t *testing.T) {
	client := setupTestRedis(t)

	if _, err := New(nil, client, DefaultConfig()); err == nil {
		t.Error("Expected error for nil backing storage")
	}
	if _, err := New(memory.New(), nil, DefaultConfig()); err == nil {
		t.Error("Expected error for nil redis client")
	}
}

func TestGetSubscription_ReadThrough(t *testing.T) {
	cache, backing := setupTestCache(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	endAt := now.AddDate(0, 1, 0)
	sub := &subsync.Subscription{
		Identity:  "user@example.com",
		Plan:      "monthly",
		EndAt:     &endAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := backing.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	// First read misses the cache and hits the backing store
	got, err := cache.GetSubscription(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.Plan != "monthly" {
		t.Errorf("Expected plan monthly, got %q", got.Plan)
	}
	if backing.subscriptionReads != 1 {
		t.Errorf("Expected 1 backing read, got %d", backing.subscriptionReads)
	}

	// Second read is served from Redis
	got, err = cache.GetSubscription(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.EndAt == nil || !got.EndAt.Equal(endAt) {
		t.Errorf("Expected end_at %v from cache, got %v", endAt, got.EndAt)
	}
	if backing.subscriptionReads != 1 {
		t.Errorf("Expected cached read, backing reads: %d", backing.subscriptionReads)
	}
}

func TestGetSubscription_NotFoundPassesThrough(t *testing.T) {
	cache, _ := setupTestCache(t)

	_, err := cache.GetSubscription(context.Background(), "missing@example.com")
	if err != subsync.ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestUpsertSubscription_InvalidatesCache(t *testing.T) {
	cache, backing := setupTestCache(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	sub := &subsync.Subscription{
		Identity:  "user@example.com",
		Plan:      "monthly",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := cache.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	// Populate the cache
	if _, err := cache.GetSubscription(ctx, "user@example.com"); err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}

	// Update through the cache and read the new plan back
	sub.Plan = "permanent"
	sub.UpdatedAt = now.Add(time.Hour)
	if err := cache.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription (update) failed: %v", err)
	}

	got, err := cache.GetSubscription(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.Plan != "permanent" {
		t.Errorf("Expected updated plan after invalidation, got %q", got.Plan)
	}
	if backing.subscriptionReads != 2 {
		t.Errorf("Expected 2 backing reads, got %d", backing.subscriptionReads)
	}
}

func TestClearBillingRefs_InvalidatesCache(t *testing.T) {
	cache, _ := setupTestCache(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	endAt := now.AddDate(0, 1, 0)
	sub := &subsync.Subscription{
		Identity:       "user@example.com",
		Plan:           "monthly",
		CustomerID:     strPtr("cus_1"),
		SubscriptionID: strPtr("sub_1"),
		EndAt:          &endAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := cache.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	// Populate the cache with the active record
	if _, err := cache.GetSubscription(ctx, "user@example.com"); err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}

	if err := cache.ClearBillingRefs(ctx, "sub_1"); err != nil {
		t.Fatalf("ClearBillingRefs failed: %v", err)
	}

	got, err := cache.GetSubscription(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.SubscriptionID != nil || got.EndAt != nil {
		t.Errorf("Expected cleared refs after invalidation, got %+v", got)
	}
}

func TestProfiles_ReadThrough(t *testing.T) {
	cache, backing := setupTestCache(t)
	ctx := context.Background()

	profile := &subsync.Profile{
		Identity:    "user@example.com",
		DisplayName: "Test User",
	}
	if err := cache.SetProfile(ctx, profile); err != nil {
		t.Fatalf("SetProfile failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := cache.GetProfile(ctx, "user@example.com")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if got.DisplayName != "Test User" {
			t.Errorf("Unexpected profile: %+v", got)
		}
	}
	if backing.profileReads != 1 {
		t.Errorf("Expected 1 backing read, got %d", backing.profileReads)
	}

	// Profile update invalidates the cached entry
	profile.DisplayName = "Renamed"
	if err := cache.SetProfile(ctx, profile); err != nil {
		t.Fatalf("SetProfile (update) failed: %v", err)
	}

	got, err := cache.GetProfile(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got.DisplayName != "Renamed" {
		t.Errorf("Expected updated profile, got %q", got.DisplayName)
	}
}

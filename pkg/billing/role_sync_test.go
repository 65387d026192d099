package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/gosubsync/pkg/billing"
	"github.com/mihaimyh/gosubsync/pkg/subsync"
	"github.com/mihaimyh/gosubsync/storage/memory"
)

type countingMetrics struct {
	billing.NoopMetrics
	roleSyncs map[string]int
}

func (m *countingMetrics) RecordRoleSync(platform, status string) {
	if m.roleSyncs == nil {
		m.roleSyncs = make(map[string]int)
	}
	m.roleSyncs[platform+"/"+status]++
}

type roleSyncerFunc func(ctx context.Context, identity string, active bool) error

func (f roleSyncerFunc) SyncRole(ctx context.Context, identity string, active bool) error {
	return f(ctx, identity, active)
}

func TestInstrumentRoleSyncer_RecordsOutcomes(t *testing.T) {
	metrics := &countingMetrics{}

	ok := billing.InstrumentRoleSyncer(roleSyncerFunc(func(context.Context, string, bool) error {
		return nil
	}), metrics, "discord")
	if err := ok.SyncRole(context.Background(), "333", true); err != nil {
		t.Fatalf("SyncRole failed: %v", err)
	}

	failing := billing.InstrumentRoleSyncer(roleSyncerFunc(func(context.Context, string, bool) error {
		return errors.New("guild unreachable")
	}), metrics, "discord")
	if err := failing.SyncRole(context.Background(), "333", false); err == nil {
		t.Fatal("Expected wrapped error to surface")
	}

	if got := metrics.roleSyncs["discord/success"]; got != 1 {
		t.Errorf("Expected 1 success recorded, got %d", got)
	}
	if got := metrics.roleSyncs["discord/error"]; got != 1 {
		t.Errorf("Expected 1 error recorded, got %d", got)
	}
}

// A failing role sync must be observable in metrics while the
// reconciliation itself still succeeds.
func TestInstrumentRoleSyncer_ThroughManager(t *testing.T) {
	metrics := &countingMetrics{}
	storage := memory.New()

	syncer := billing.InstrumentRoleSyncer(roleSyncerFunc(func(context.Context, string, bool) error {
		return subsync.ErrRoleSync
	}), metrics, "discord")

	manager, err := subsync.NewManager(storage, subsync.Config{RoleSyncer: syncer})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	ctx := context.Background()
	if err := storage.SetProfile(ctx, &subsync.Profile{
		Identity:  "user@example.com",
		DiscordID: "333333333333333333",
	}); err != nil {
		t.Fatalf("Failed to seed profile: %v", err)
	}

	if err := manager.ApplyCheckoutCompleted(ctx, "user@example.com", "monthly", time.Now()); err != nil {
		t.Fatalf("Expected checkout to succeed despite role sync failure, got %v", err)
	}

	if _, err := storage.GetSubscription(ctx, "user@example.com"); err != nil {
		t.Errorf("Expected subscription written, got %v", err)
	}
	if got := metrics.roleSyncs["discord/error"]; got != 1 {
		t.Errorf("Expected 1 role sync error recorded, got %d", got)
	}
}

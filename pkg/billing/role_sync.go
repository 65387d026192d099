package billing

import (
	"context"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// InstrumentRoleSyncer wraps a RoleSyncer so every grant and revoke
// attempt is recorded through Metrics. Pass the result as
// subsync.Config.RoleSyncer; role sync stays best effort, the wrapper
// only observes outcomes.
func InstrumentRoleSyncer(syncer subsync.RoleSyncer, metrics Metrics, platform string) subsync.RoleSyncer {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &instrumentedRoleSyncer{
		syncer:   syncer,
		metrics:  metrics,
		platform: platform,
	}
}

type instrumentedRoleSyncer struct {
	syncer   subsync.RoleSyncer
	metrics  Metrics
	platform string
}

func (s *instrumentedRoleSyncer) SyncRole(ctx context.Context, identity string, active bool) error {
	err := s.syncer.SyncRole(ctx, identity, active)

	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordRoleSync(s.platform, status)

	return err
}

package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/dharsanguruparan/markdrop/internal/logger"
	"github.com/dharsanguruparan/markdrop/internal/metrics"
	"github.com/dharsanguruparan/markdrop/internal/model"
)

// ExpireStaleJobs expires terminal jobs that finished more than the
// configured retention ago. A zero retention disables expiry.
func (m *Manager) ExpireStaleJobs(ctx context.Context) (int, error) {
	if m.cfg.Retention <= 0 {
		return 0, nil
	}
	return m.ExpireBefore(ctx, m.now().Add(-m.cfg.Retention))
}

// ExpireBefore archives the status of every terminal, unexpired job that
// finished before cutoff and deletes its run directory.
func (m *Manager) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	ids, err := m.store.RunIDs()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, ok := m.lookup(id); ok {
			continue
		}
		rec, err := m.store.ReadStatus(id)
		if err != nil {
			continue
		}
		if !rec.Status.IsTerminal() || rec.Status == model.StatusExpired {
			continue
		}
		if rec.FinishedAt == nil || !rec.FinishedAt.Before(cutoff) {
			continue
		}
		if err := m.expire(ctx, rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *Manager) expire(ctx context.Context, rec *model.JobRecord) error {
	ctx = logger.SetJobID(ctx, rec.JobID)
	previous := rec.Status
	rec.Status = model.StatusExpired
	rec.Artifacts = nil
	if err := m.store.WriteStatus(rec, true); err != nil {
		return fmt.Errorf("archive status: %w", err)
	}
	if err := m.store.RemoveRun(rec.JobID); err != nil {
		return err
	}
	m.appendIndex(ctx, rec)
	metrics.JobsExpired.Inc()
	logger.CtxInfo(ctx, "expired %s job", previous)
	return nil
}

// sweep is the scheduled retention pass. Nothing it hits may stop the
// schedule.
func (m *Manager) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.CtxError(ctx, "retention sweep panicked: %v", r)
		}
	}()
	start := time.Now()
	n, err := m.ExpireStaleJobs(ctx)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("retention sweep")
	}
	if n > 0 {
		logger.With(logger.Fields{}).WithDuration(time.Since(start).Milliseconds()).
			Info(ctx, "retention sweep expired %d jobs", n)
	}
}

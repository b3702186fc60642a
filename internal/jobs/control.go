package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dharsanguruparan/markdrop/internal/logger"
	"github.com/dharsanguruparan/markdrop/internal/metrics"
	"github.com/dharsanguruparan/markdrop/internal/model"
	"github.com/dharsanguruparan/markdrop/internal/pipeline"
	"github.com/dharsanguruparan/markdrop/internal/storage"
)

// GetStatus reads the persisted record, which stays readable across
// restarts and after expiry.
func (m *Manager) GetStatus(jobID string) (*model.JobRecord, error) {
	rec, err := m.store.ReadStatus(jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return rec, err
}

// ListJobs returns up to limit recent index entries, most recent last.
func (m *Manager) ListJobs(limit int) []*model.JobRecord {
	return m.store.ListLatest(limit)
}

// Cancel stops a queued or running job. The worker notices the token at its
// next stage boundary; the CANCELED status is recorded here immediately.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	ctx = logger.SetJobID(ctx, jobID)
	if h, ok := m.lookup(jobID); ok {
		h.token.Cancel()
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.record.Status.IsTerminal() {
			return ErrNotCancelable
		}
		m.markCanceled(ctx, h.record)
		return nil
	}

	rec, err := m.GetStatus(jobID)
	if err != nil {
		return err
	}
	// Without a handle nothing will pick the job up in this process.
	if rec.Status != model.StatusQueued && rec.Status != model.StatusRunning {
		return ErrNotCancelable
	}
	m.markCanceled(ctx, rec)
	m.writeSummary(ctx, rec)
	return nil
}

func (m *Manager) markCanceled(ctx context.Context, rec *model.JobRecord) {
	rec.Status = model.StatusCanceled
	rec.FinishedAt = model.Now()
	rec.ErrorCode = pipeline.CodeCanceled
	rec.ErrorMessage = "canceled by request"
	rec.Artifacts = nil
	m.persist(ctx, rec)
	m.appendIndex(ctx, rec)
	metrics.JobsFinished.WithLabelValues(string(rec.Status), rec.ErrorCode).Inc()
	logger.CtxInfo(ctx, "job canceled")
}

// Retry resubmits the original bytes of a failed, canceled or expired job
// with the same options. Dedupe is always off so the work is redone.
func (m *Manager) Retry(ctx context.Context, jobID string) (*model.JobRecord, error) {
	rec, err := m.GetStatus(jobID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Retriable() {
		return nil, fmt.Errorf("%w: job is %s", ErrNotRetriable, rec.Status)
	}
	data, ok := m.store.CachedInput(rec.InputHash)
	if !ok {
		return nil, fmt.Errorf("%w: input no longer cached", ErrNotRetriable)
	}
	opts := rec.Options.JobOptions
	opts.Dedupe = false
	next, err := m.submit(ctx, rec.Options.SourceFilename, data, opts, rec.JobID, false)
	if err != nil {
		return nil, err
	}
	logger.CtxInfo(logger.SetJobID(ctx, next.JobID), "retry of %s submitted", jobID)
	return next, nil
}

// Resume re-dispatches persisted QUEUED jobs, and RUNNING jobs orphaned by a
// previous process, that this Manager does not already track.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	ids, err := m.store.RunIDs()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, ok := m.lookup(id); ok {
			continue
		}
		rec, err := m.store.ReadStatus(id)
		if err != nil || (rec.Status != model.StatusQueued && rec.Status != model.StatusRunning) {
			continue
		}
		jctx := logger.SetJobID(ctx, id)
		h := &handle{record: rec, token: pipeline.NewCancelToken()}
		if rec.Options.Dedupe && m.cfg.DedupeEnabled {
			h.dedupeKey = DedupeKey(rec.InputHash, rec.Options.Signature())
		}
		m.track(h)
		h.mu.Lock()
		// A persisted Cancel may have landed before the handle was tracked.
		if fresh, err := m.store.ReadStatus(id); err != nil || fresh.Status.IsTerminal() {
			h.mu.Unlock()
			m.forget(id)
			continue
		}
		source, err := m.restoreInput(rec)
		if err != nil {
			m.finishLocked(jctx, h, model.StatusFailed, pipeline.CodeNotFound, err.Error())
			h.mu.Unlock()
			m.forget(id)
			continue
		}
		h.source = source
		rec.Status = model.StatusQueued
		rec.Progress = 0
		rec.StartedAt = nil
		m.persist(jctx, rec)
		h.mu.Unlock()
		if _, err := m.dispatch(jctx, h); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// restoreInput returns the job's input path, rewriting it from the input
// cache when the run directory lost it.
func (m *Manager) restoreInput(rec *model.JobRecord) (string, error) {
	paths, err := m.store.RunPaths(rec.JobID)
	if err != nil {
		return "", err
	}
	source := filepath.Join(paths.InputDir, rec.Options.SourceFilename)
	if _, err := os.Stat(source); err == nil {
		return source, nil
	}
	data, ok := m.store.CachedInput(rec.InputHash)
	if !ok {
		return "", fmt.Errorf("input for %s is gone", rec.JobID)
	}
	if err := storage.AtomicWrite(source, data); err != nil {
		return "", fmt.Errorf("restore input: %w", err)
	}
	return source, nil
}

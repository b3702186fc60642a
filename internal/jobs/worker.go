package jobs

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dharsanguruparan/markdrop/internal/logger"
	"github.com/dharsanguruparan/markdrop/internal/metrics"
	"github.com/dharsanguruparan/markdrop/internal/model"
	"github.com/dharsanguruparan/markdrop/internal/pipeline"
)

// execute runs on a pool worker and owns every status write for the job
// until it is terminal. Cancel is the only other writer and takes h.mu.
func (m *Manager) execute(ctx context.Context, h *handle) {
	id := h.record.JobID
	defer m.forget(id)
	paths := m.store.Layout().RunPaths(id)

	h.mu.Lock()
	if h.record.Status == model.StatusCanceled {
		m.cleanupCanceledLocked(ctx, h)
		h.mu.Unlock()
		return
	}
	if h.token.Canceled() {
		m.finishLocked(ctx, h, model.StatusCanceled, pipeline.CodeCanceled, "job canceled before start")
		h.mu.Unlock()
		return
	}
	if m.stopping.Load() {
		logger.CtxInfo(ctx, "shutting down, job left queued")
		h.mu.Unlock()
		return
	}
	h.record.Status = model.StatusRunning
	h.record.StartedAt = model.Now()
	started := *h.record.StartedAt
	m.persist(ctx, h.record)
	h.mu.Unlock()

	if err := os.WriteFile(paths.LockFile, []byte(strconv.FormatInt(started.Unix(), 10)), 0o644); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("write lock marker")
	}
	logger.CtxInfo(ctx, "job started")

	progress := func(v float64) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.record.Status != model.StatusRunning {
			return
		}
		before := h.record.Progress
		h.record.SetProgress(v)
		if h.record.Progress != before {
			m.persist(ctx, h.record)
		}
	}

	res, err := m.convert(ctx, h, progress)
	metrics.JobDuration.Observe(time.Since(started).Seconds())

	h.mu.Lock()
	if h.record.Status == model.StatusCanceled {
		m.cleanupCanceledLocked(ctx, h)
		h.mu.Unlock()
		return
	}
	if err == nil && h.token.Canceled() {
		err = &pipeline.ConversionError{Code: pipeline.CodeCanceled, Message: "job canceled after conversion"}
	}
	if err == nil {
		err = m.succeedLocked(ctx, h, res)
		if err == nil {
			h.mu.Unlock()
			return
		}
	}
	ce, expected := pipeline.AsConversionError(err)
	if expected {
		status := model.StatusFailed
		if ce.Code == pipeline.CodeCanceled {
			status = model.StatusCanceled
		}
		m.finishLocked(ctx, h, status, ce.Code, ce.Error())
		h.mu.Unlock()
		return
	}
	m.finishLocked(ctx, h, model.StatusFailed, pipeline.CodeUnknown, err.Error())
	h.mu.Unlock()
	m.defect(ctx, id, err)
}

// convert calls the service and turns a panic into an error.
func (m *Manager) convert(ctx context.Context, h *handle, progress pipeline.ProgressFunc) (res *model.ConversionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("conversion panicked: %v", r)
		}
	}()
	return m.service.ConvertFile(ctx, h.source, pipeline.FileOptions{
		RunID:    h.record.JobID,
		Job:      h.record.Options.JobOptions,
		Cancel:   h.token,
		Progress: progress,
	})
}

func (m *Manager) succeedLocked(ctx context.Context, h *handle, res *model.ConversionResult) error {
	rec := h.record
	paths := m.store.Layout().RunPaths(rec.JobID)
	artifacts, err := buildArtifacts(paths, res.ZipPath)
	if err != nil {
		return err
	}
	rec.Status = model.StatusSucceeded
	rec.SetProgress(1)
	rec.FinishedAt = model.Now()
	rec.Warnings = append([]string{}, res.Warnings...)
	rec.Artifacts = artifacts
	rec.ErrorCode, rec.ErrorMessage = "", ""
	if err := m.store.WriteStatus(rec, false); err != nil {
		return err
	}
	m.writeSummary(ctx, rec)
	_ = os.Remove(paths.LockFile)
	m.appendIndex(ctx, rec)

	if h.dedupeKey != "" {
		if err := m.store.RecordDedupe(h.dedupeKey, rec.JobID); err != nil {
			logger.FromContext(ctx).WithError(err).Warn("record dedupe key")
		}
	}
	metrics.JobsFinished.WithLabelValues(string(rec.Status), "").Inc()
	logger.With(logger.Fields{logger.FieldStatus: rec.Status, logger.FieldSize: artifacts.SizeBytesMD}).
		WithDuration(durationMS(rec)).
		Info(ctx, "job succeeded")
	m.publish(ctx, rec)
	return nil
}

// finishLocked records a failed or canceled terminal state that nobody else
// has recorded yet.
func (m *Manager) finishLocked(ctx context.Context, h *handle, status model.JobStatus, code, message string) {
	rec := h.record
	rec.Status = status
	rec.FinishedAt = model.Now()
	rec.ErrorCode = code
	rec.ErrorMessage = message
	rec.Warnings = []string{}
	rec.Artifacts = nil
	m.persist(ctx, rec)
	if status == model.StatusCanceled {
		m.cleanupCanceledLocked(ctx, h)
	} else {
		_ = os.Remove(m.store.Layout().RunPaths(rec.JobID).LockFile)
		m.writeSummary(ctx, rec)
	}
	m.appendIndex(ctx, rec)
	metrics.JobsFinished.WithLabelValues(string(status), code).Inc()
	logger.With(logger.Fields{logger.FieldStatus: status}).
		WithDuration(durationMS(rec)).
		Warn(ctx, "job %s: %s", status, message)
}

// cleanupCanceledLocked removes partial output unless configured to keep it,
// then writes the summary.
func (m *Manager) cleanupCanceledLocked(ctx context.Context, h *handle) {
	id := h.record.JobID
	if m.cfg.KeepPartials {
		_ = os.Remove(m.store.Layout().RunPaths(id).LockFile)
	} else if err := m.store.PurgeRun(id); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("remove partial output")
	}
	m.writeSummary(ctx, h.record)
}

func (m *Manager) defect(ctx context.Context, jobID string, err error) {
	metrics.JobDefects.Inc()
	logger.FromContext(ctx).WithError(err).Error("job failed with an unexpected error")
	if m.onDefect != nil {
		m.onDefect(ctx, jobID, err)
	}
}

func (m *Manager) persist(ctx context.Context, rec *model.JobRecord) {
	if err := m.store.WriteStatus(rec, false); err != nil {
		logger.FromContext(ctx).WithError(err).Error("persist job status")
	}
}

func (m *Manager) appendIndex(ctx context.Context, rec *model.JobRecord) {
	if err := m.store.AppendIndex(ctx, rec); err != nil {
		logger.FromContext(ctx).WithError(err).Error("append job index")
	}
}

func (m *Manager) writeSummary(ctx context.Context, rec *model.JobRecord) {
	summary := model.JobSummary{
		JobID:           rec.JobID,
		Status:          rec.Status,
		DurationSeconds: float64(durationMS(rec)) / 1000,
		Reused:          rec.Reused,
		Warnings:        rec.Warnings,
		ErrorCode:       rec.ErrorCode,
		InputHash:       rec.InputHash,
	}
	if err := m.store.WriteSummary(rec.JobID, summary); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("write job summary")
	}
}

func durationMS(rec *model.JobRecord) int64 {
	if rec.StartedAt == nil || rec.FinishedAt == nil {
		return 0
	}
	return rec.FinishedAt.Sub(*rec.StartedAt).Milliseconds()
}

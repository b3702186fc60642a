// Package jobs is the job orchestration core: it accepts submissions,
// reuses identical prior work, dispatches to a bounded worker pool and
// drives every job through its lifecycle. Persisted status documents are the
// source of truth; the in-memory handle map only exists for dispatch and
// cancellation.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dharsanguruparan/markdrop/internal/logger"
	"github.com/dharsanguruparan/markdrop/internal/metrics"
	"github.com/dharsanguruparan/markdrop/internal/model"
	"github.com/dharsanguruparan/markdrop/internal/pipeline"
	"github.com/dharsanguruparan/markdrop/internal/processing"
	"github.com/dharsanguruparan/markdrop/internal/storage"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrNotCancelable = errors.New("job not cancelable")
	ErrNotRetriable  = errors.New("job not retriable")
)

// CodeQueueFull is the error code of a job rejected because every queue
// slot was taken.
const CodeQueueFull = "QUEUE_FULL"

// Publisher receives every job that succeeds, after it is persisted.
// Publish errors are logged and never change the job's outcome.
type Publisher interface {
	Publish(ctx context.Context, record *model.JobRecord) error
}

// DefectHandler is told about jobs that failed with an unexpected error or
// a panic. The job is already recorded as FAILED/UNKNOWN when it runs.
type DefectHandler func(ctx context.Context, jobID string, err error)

// Config tunes a Manager.
type Config struct {
	Workers           int
	QueueDepth        int
	DedupeEnabled     bool
	KeepPartials      bool
	Retention         time.Duration
	RetentionInterval time.Duration
	ResumeQueued      bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPublisher mirrors succeeded jobs to p.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithDefectHandler installs h.
func WithDefectHandler(h DefectHandler) Option {
	return func(m *Manager) { m.onDefect = h }
}

// handle is the in-memory side of a queued or running job. mu orders every
// change to record between the worker and Cancel.
type handle struct {
	mu        sync.Mutex
	record    *model.JobRecord
	token     *pipeline.CancelToken
	source    string
	dedupeKey string
}

// Manager owns the worker pool, the cancellation index and the retention
// schedule.
type Manager struct {
	store     *storage.JobStore
	service   *pipeline.Service
	pool      *processing.Pool
	cfg       Config
	publisher Publisher
	onDefect  DefectHandler
	sched     *cron.Cron
	now       func() time.Time

	// stopping makes workers leave jobs they have not started QUEUED for
	// the next Resume instead of running them during Shutdown.
	stopping atomic.Bool
	// sweepMu serializes retention passes.
	sweepMu sync.Mutex

	mu     sync.Mutex
	active map[string]*handle
}

// NewManager builds a Manager. Call Start before relying on dispatch.
func NewManager(store *storage.JobStore, service *pipeline.Service, cfg Config, opts ...Option) *Manager {
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = time.Hour
	}
	m := &Manager{
		store:   store,
		service: service,
		pool:    processing.New(cfg.Workers, cfg.QueueDepth),
		cfg:     cfg,
		sched:   cron.New(),
		now:     func() time.Time { return time.Now().UTC() },
		active:  make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the job store.
func (m *Manager) Store() *storage.JobStore {
	return m.store
}

// Service exposes the synchronous conversion service.
func (m *Manager) Service() *pipeline.Service {
	return m.service
}

// Start launches the workers, resumes persisted work when configured and
// schedules the retention sweep. Workers do not stop with ctx: jobs only end
// through their own token or Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	ctx = logger.SetComponent(ctx, "jobs")
	m.pool.Start(context.WithoutCancel(ctx))

	if m.cfg.ResumeQueued {
		n, err := m.Resume(ctx)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Warn("resume persisted jobs")
		}
		if n > 0 {
			logger.CtxInfo(ctx, "resumed %d persisted jobs", n)
		}
	}

	if m.cfg.Retention > 0 {
		schedule := "@every " + m.cfg.RetentionInterval.String()
		sweep := cron.NewChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger.Default()))).
			Then(cron.FuncJob(func() { m.sweep(ctx) }))
		if _, err := m.sched.AddJob(schedule, sweep); err != nil {
			return fmt.Errorf("schedule retention sweep: %w", err)
		}
		m.sched.Start()
		go sweep.Run()
	}
	return nil
}

// Shutdown stops the retention schedule and waits for running jobs to
// finish, up to ctx's deadline. Jobs not yet started stay QUEUED, and a job
// still running at the deadline stays RUNNING; Resume picks both up.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopping.Store(true)
	<-m.sched.Stop().Done()
	done := make(chan struct{})
	go func() {
		m.pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown job manager: %w", ctx.Err())
	}
}

// Submit creates a job for data and either satisfies it from an identical
// earlier result or queues it. The returned record is a snapshot; poll
// GetStatus for progress.
func (m *Manager) Submit(ctx context.Context, filename string, data []byte, opts model.JobOptions) (*model.JobRecord, error) {
	return m.submit(ctx, filename, data, opts, "", true)
}

func (m *Manager) submit(ctx context.Context, filename string, data []byte, opts model.JobOptions, parentID string, allowDedupe bool) (*model.JobRecord, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.Normalize()

	jobID := storage.NewJobID()
	ctx = logger.SetJobID(ctx, jobID)
	paths, err := m.store.RunPaths(jobID)
	if err != nil {
		return nil, err
	}
	if filename == "" {
		filename = "upload"
	}
	safeName := storage.Slugify(filename)
	source := filepath.Join(paths.InputDir, safeName)
	if err := storage.AtomicWrite(source, data); err != nil {
		return nil, fmt.Errorf("persist upload: %w", err)
	}
	sum := sha256.Sum256(data)
	inputHash := hex.EncodeToString(sum[:])
	if _, err := m.store.CacheInput(inputHash, data); err != nil {
		return nil, err
	}

	dedupeKey := ""
	if allowDedupe && opts.Dedupe && m.cfg.DedupeEnabled {
		dedupeKey = DedupeKey(inputHash, opts.Signature())
	}
	// The handle is tracked before the QUEUED record becomes visible so a
	// Cancel never takes the persisted path for a job this process owns.
	h := &handle{
		record: &model.JobRecord{
			JobID:       jobID,
			Status:      model.StatusQueued,
			SubmittedAt: model.Now(),
			Warnings:    []string{},
			Options:     model.RecordOptions{JobOptions: opts, SourceFilename: safeName},
			ParentJobID: parentID,
			InputHash:   inputHash,
		},
		token:     pipeline.NewCancelToken(),
		source:    source,
		dedupeKey: dedupeKey,
	}
	m.track(h)
	h.mu.Lock()
	if err := m.store.WriteStatus(h.record, false); err != nil {
		h.mu.Unlock()
		m.forget(jobID)
		return nil, err
	}
	if err := m.store.AppendIndex(ctx, h.record); err != nil {
		h.mu.Unlock()
		m.forget(jobID)
		return nil, err
	}
	metrics.JobsSubmitted.Inc()
	logger.With(logger.Fields{logger.FieldSize: len(data)}).Info(ctx, "job submitted: %s", safeName)

	if dedupeKey != "" {
		if sourceID, ok := m.store.LookupDedupe(dedupeKey); ok {
			reused, err := m.reuse(ctx, h.record.Clone(), sourceID)
			if err == nil {
				h.record = reused
				h.mu.Unlock()
				m.forget(jobID)
				return reused.Clone(), nil
			}
			logger.FromContext(ctx).WithError(err).Warnf("dedupe source %s unusable, converting", sourceID)
		}
	}
	h.mu.Unlock()
	return m.dispatch(ctx, h)
}

// dispatch hands a tracked handle to the pool. A full queue fails the job
// immediately; a stopped pool leaves it QUEUED for Resume.
func (m *Manager) dispatch(ctx context.Context, h *handle) (*model.JobRecord, error) {
	id := h.record.JobID
	err := m.pool.Submit(id, func(workerCtx context.Context) {
		m.execute(logger.SetJobID(workerCtx, id), h)
	})
	if err == nil {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.record.Clone(), nil
	}

	m.forget(id)
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.record.Status.IsTerminal():
	case errors.Is(err, processing.ErrStopped):
		logger.CtxWarn(ctx, "job %s left queued: worker pool stopped", id)
	default:
		logger.FromContext(ctx).WithError(err).Warnf("job %s rejected by worker pool", id)
		m.finishLocked(ctx, h, model.StatusFailed, CodeQueueFull, err.Error())
	}
	return h.record.Clone(), nil
}

func (m *Manager) track(h *handle) {
	m.mu.Lock()
	m.active[h.record.JobID] = h
	m.mu.Unlock()
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) lookup(id string) (*handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.active[id]
	return h, ok
}

// reuse turns record into a succeeded copy of sourceID's result. Every
// artifact is copied into record's own run directory.
func (m *Manager) reuse(ctx context.Context, record *model.JobRecord, sourceID string) (*model.JobRecord, error) {
	src, err := m.store.ReadStatus(sourceID)
	if err != nil {
		return nil, fmt.Errorf("read dedupe source: %w", err)
	}
	if src.Status != model.StatusSucceeded || src.Artifacts == nil {
		return nil, fmt.Errorf("dedupe source %s is %s", sourceID, src.Status)
	}
	if _, err := os.Stat(src.Artifacts.OutputMDPath); err != nil {
		return nil, fmt.Errorf("dedupe source output: %w", err)
	}

	paths, err := m.store.RunPaths(record.JobID)
	if err != nil {
		return nil, err
	}
	if err := storage.AtomicCopy(src.Artifacts.OutputMDPath, paths.OutputFile); err != nil {
		return nil, fmt.Errorf("copy reused output: %w", err)
	}
	assetsTotal, err := storage.CopyTree(src.Artifacts.AssetsDirPath, paths.AssetsDir)
	if err != nil {
		return nil, fmt.Errorf("copy reused assets: %w", err)
	}
	zipPath := ""
	if record.Options.OutputMode.WantsZip() {
		if src.Artifacts.OutputZipPath != "" {
			if err := storage.AtomicCopy(src.Artifacts.OutputZipPath, paths.ZipFile); err == nil {
				zipPath = paths.ZipFile
			}
		}
		if zipPath == "" {
			if zipPath, err = pipeline.CreateArchive(paths); err != nil {
				return nil, err
			}
		}
	}

	artifacts, err := buildArtifacts(paths, zipPath)
	if err != nil {
		return nil, err
	}
	artifacts.SizeBytesAssetsTotal = assetsTotal

	record.Status = model.StatusSucceeded
	record.SetProgress(1)
	started := *record.SubmittedAt
	record.StartedAt = &started
	record.FinishedAt = model.Now()
	record.Warnings = append([]string{}, src.Warnings...)
	record.ParentJobID = sourceID
	record.Reused = true
	record.Artifacts = artifacts

	if err := m.store.WriteStatus(record, false); err != nil {
		return nil, err
	}
	if err := m.store.AppendIndex(ctx, record); err != nil {
		return nil, err
	}
	if err := m.store.WriteSummary(record.JobID, model.JobSummary{
		JobID:       record.JobID,
		Status:      record.Status,
		Reused:      true,
		SourceJobID: sourceID,
		Warnings:    record.Warnings,
		InputHash:   record.InputHash,
	}); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("write summary")
	}
	metrics.JobsReused.Inc()
	metrics.JobsFinished.WithLabelValues(string(record.Status), "").Inc()
	logger.CtxInfo(ctx, "job reused result of %s", sourceID)
	m.publish(ctx, record)
	return record.Clone(), nil
}

func (m *Manager) publish(ctx context.Context, record *model.JobRecord) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, record.Clone()); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("publish artifacts")
	}
}

// DedupeKey combines an input hash and an options signature.
func DedupeKey(inputHash, signature string) string {
	sum := sha256.Sum256([]byte(inputHash + signature))
	return hex.EncodeToString(sum[:])
}

func buildArtifacts(paths storage.RunPaths, zipPath string) (*model.JobArtifacts, error) {
	abs := func(p string) string {
		if a, err := filepath.Abs(p); err == nil {
			return a
		}
		return p
	}
	mdSize := storage.FileSize(paths.OutputFile)
	assetsSize, err := storage.DirSize(paths.AssetsDir)
	if err != nil {
		return nil, fmt.Errorf("size assets: %w", err)
	}
	a := &model.JobArtifacts{
		OutputMDPath:         abs(paths.OutputFile),
		AssetsDirPath:        abs(paths.AssetsDir),
		RunDirPath:           abs(paths.BaseDir),
		SizeBytesMD:          mdSize,
		SizeBytesAssetsTotal: assetsSize,
	}
	if zipPath != "" {
		a.OutputZipPath = abs(zipPath)
	}
	return a, nil
}

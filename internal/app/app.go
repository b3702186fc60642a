// Package app wires configuration into the job store, conversion service and
// job manager shared by the server and the CLI.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/dharsanguruparan/markdrop/internal/adapter"
	"github.com/dharsanguruparan/markdrop/internal/config"
	"github.com/dharsanguruparan/markdrop/internal/database"
	"github.com/dharsanguruparan/markdrop/internal/detect"
	"github.com/dharsanguruparan/markdrop/internal/jobs"
	"github.com/dharsanguruparan/markdrop/internal/logger"
	"github.com/dharsanguruparan/markdrop/internal/pipeline"
	"github.com/dharsanguruparan/markdrop/internal/repository"
	"github.com/dharsanguruparan/markdrop/internal/s3storage"
	"github.com/dharsanguruparan/markdrop/internal/storage"
)

// Options tweak process-level wiring.
type Options struct {
	ServiceName string
	LogOutput   io.Writer // defaults to stdout plus the configured file
}

// App holds the constructed components.
type App struct {
	Config  *config.Config
	Store   *storage.JobStore
	Service *pipeline.Service
	Manager *jobs.Manager

	// Artifacts and History are nil unless S3 and Postgres are configured.
	Artifacts *s3storage.Storage
	History   *repository.JobRepository

	closers []func()
}

// New builds every component from cfg. The Postgres mirror and the S3
// publisher are only connected when configured.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	store, err := OpenStore(cfg, opts)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Store: store}

	if cfg.Database.URL != "" {
		pool, err := database.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := database.EnsureSchema(ctx, pool); err != nil {
			a.Close()
			return nil, err
		}
		a.History = repository.NewJobRepository(pool)
		store.SetMirror(a.History)
		logger.CtxInfo(ctx, "mirroring job index to postgres")
	}

	p := pipeline.New(detect.New(), adapter.DefaultRegistry(), pipeline.Config{
		ConvertTimeout: cfg.ConvertTimeout(),
		MaxFileSizeMB:  cfg.Runtime.MaxFileSizeMB,
	})
	a.Service = pipeline.NewService(p, pipeline.ServiceConfig{
		Layout:             store.Layout(),
		SummaryCSV:         cfg.Runtime.SummaryCSV,
		DefaultParallelism: cfg.Batch.DefaultParallelism,
	})

	managerOpts := []jobs.Option{jobs.WithDefectHandler(reportDefect)}
	if cfg.S3.Enabled {
		s3, err := s3storage.New(cfg.S3)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("prepare artifact bucket: %w", err)
		}
		a.Artifacts = s3
		managerOpts = append(managerOpts, jobs.WithPublisher(s3))
	}

	a.Manager = jobs.NewManager(store, a.Service, jobs.Config{
		Workers:           cfg.Jobs.WorkerPoolSize,
		QueueDepth:        cfg.Jobs.QueueDepth,
		DedupeEnabled:     cfg.Jobs.DedupeEnabled,
		KeepPartials:      cfg.Jobs.KeepPartials,
		Retention:         cfg.Retention(),
		RetentionInterval: cfg.Jobs.RetentionInterval,
		ResumeQueued:      cfg.Jobs.ResumeQueued,
	}, managerOpts...)
	return a, nil
}

// OpenStore configures logging and opens the job store alone, for callers
// that only read persisted state.
func OpenStore(cfg *config.Config, opts Options) (*storage.JobStore, error) {
	logger.SetDefault(logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      opts.LogOutput,
		ServiceName: opts.ServiceName,
		File:        cfg.Log.File,
		FileOnly:    cfg.Log.FileOnly,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Compress:    cfg.Log.Compress,
	}))

	return storage.NewJobStore(storage.NewLayout(cfg.Runtime.OutputDir, cfg.Runtime.LogFile))
}

// Close releases external connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = logger.Sync()
}

// reportDefect is where an alerting hook belongs; for now the defect is
// logged with a marker field that log-based alerts can match.
func reportDefect(ctx context.Context, jobID string, err error) {
	logger.FromContext(ctx).WithError(err).WithField("alert", "job_defect").
		Errorf("job %s needs attention", jobID)
}

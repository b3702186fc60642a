package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/markdrop/internal/adapter"
	"github.com/dharsanguruparan/markdrop/internal/logger"
	"github.com/dharsanguruparan/markdrop/internal/metrics"
	"github.com/dharsanguruparan/markdrop/internal/model"
	"github.com/dharsanguruparan/markdrop/internal/storage"
)

// Service is the synchronous conversion front end used by the CLI, the
// /convert endpoint and the job manager's workers.
type Service struct {
	pipeline    *Pipeline
	layout      storage.Layout
	summaryCSV  string
	parallelism int

	csvMu sync.Mutex
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Layout             storage.Layout
	SummaryCSV         string
	DefaultParallelism int
}

// NewService builds a Service around p.
func NewService(p *Pipeline, cfg ServiceConfig) *Service {
	if cfg.SummaryCSV == "" {
		cfg.SummaryCSV = "summary.csv"
	}
	if cfg.DefaultParallelism < 1 {
		cfg.DefaultParallelism = 1
	}
	return &Service{
		pipeline:    p,
		layout:      cfg.Layout,
		summaryCSV:  filepath.Join(cfg.Layout.Root, cfg.SummaryCSV),
		parallelism: cfg.DefaultParallelism,
	}
}

// Pipeline exposes the underlying pipeline.
func (s *Service) Pipeline() *Pipeline {
	return s.pipeline
}

// Layout exposes the output layout.
func (s *Service) Layout() storage.Layout {
	return s.layout
}

// FileOptions tunes ConvertFile. A zero value converts with default job
// options into a fresh run directory. With a nil Cancel the conversion is
// canceled when ctx is done; with a token set only the token counts.
type FileOptions struct {
	RunID    string
	Job      model.JobOptions
	Cancel   *CancelToken
	Progress ProgressFunc
}

// ConvertFile converts one file into its own run directory and builds the
// archive when the output mode asks for one.
func (s *Service) ConvertFile(ctx context.Context, source string, opts FileOptions) (*model.ConversionResult, error) {
	runID := opts.RunID
	if runID == "" {
		runID = storage.NewRunID("run")
	}
	jobOpts := opts.Job.Normalize()
	paths, err := s.layout.EnsureRunPaths(runID)
	if err != nil {
		return nil, err
	}
	ctx = logger.SetRunID(ctx, runID)
	report := func(v float64) {
		if opts.Progress != nil {
			opts.Progress(v)
		}
	}

	token, stop := BindContext(ctx, opts.Cancel)
	defer stop()

	start := time.Now()
	report(ProgressStart)
	out, err := s.pipeline.Execute(ctx, Request{
		Source:   source,
		Paths:    paths,
		Options:  jobOpts,
		Cancel:   token,
		Progress: opts.Progress,
	})
	if err != nil {
		metrics.Conversions.WithLabelValues(ErrorCode(err)).Inc()
		logger.FromContext(ctx).WithError(err).Warnf("conversion of %s failed", filepath.Base(source))
		return nil, err
	}

	zipPath := ""
	if jobOpts.OutputMode.WantsZip() {
		if zipPath, err = CreateArchive(paths); err != nil {
			metrics.Conversions.WithLabelValues(CodeUnknown).Inc()
			return nil, fmt.Errorf("create archive: %w", err)
		}
	}
	elapsed := time.Since(start)
	report(ProgressDone)
	metrics.Conversions.WithLabelValues("success").Inc()
	logger.With(logger.Fields{logger.FieldSize: out.SizeBytes}).
		WithDuration(elapsed.Milliseconds()).
		Info(ctx, "converted %s", filepath.Base(source))

	return &model.ConversionResult{
		RunID:      runID,
		OutputPath: paths.OutputFile,
		AssetsDir:  paths.AssetsDir,
		Warnings:   out.Warnings,
		Summary:    fmt.Sprintf("Converted %s -> %s in %.2fs", filepath.Base(source), paths.OutputFile, elapsed.Seconds()),
		ZipPath:    zipPath,
	}, nil
}

// BatchOptions tunes BatchConvert. Parallelism <= 0 uses the configured
// default; SingleRun concatenates every source into one run.
type BatchOptions struct {
	Parallelism int
	SingleRun   bool
	Job         model.JobOptions
}

// BatchFailure is one source that did not convert.
type BatchFailure struct {
	Source string `json:"source"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

// BatchResult is everything BatchConvert produced.
type BatchResult struct {
	Runs     []*model.ConversionResult `json:"runs"`
	Failures []BatchFailure            `json:"failures"`
	Summary  *model.BatchSummary       `json:"summary"`
}

// BatchConvert converts every file named by inputs. Directories are walked
// recursively in lexical order. A failing file never stops the batch.
func (s *Service) BatchConvert(ctx context.Context, inputs []string, opts BatchOptions) (*BatchResult, error) {
	sources, err := ExpandInputs(inputs)
	if err != nil {
		return nil, err
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = s.parallelism
	}

	result := &BatchResult{Runs: []*model.ConversionResult{}, Failures: []BatchFailure{}, Summary: model.NewBatchSummary()}
	switch {
	case opts.SingleRun:
		if err := s.singleRun(ctx, sources, opts.Job, result); err != nil {
			return nil, err
		}
	case parallelism == 1:
		for _, src := range sources {
			res, err := s.ConvertFile(ctx, src, FileOptions{Job: opts.Job})
			result.add(src, res, err)
		}
	default:
		s.parallel(ctx, sources, opts.Job, parallelism, result)
	}

	result.Summary.Total = len(sources)
	for _, run := range result.Runs {
		result.Summary.AddWarnings(run.Warnings)
	}
	if len(sources) > 0 {
		if err := s.appendSummaryCSV(result.Summary); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (r *BatchResult) add(source string, res *model.ConversionResult, err error) {
	if err != nil {
		r.Summary.Failures++
		r.Failures = append(r.Failures, BatchFailure{Source: source, Code: ErrorCode(err), Error: err.Error()})
		return
	}
	r.Summary.Successes++
	r.Runs = append(r.Runs, res)
}

func (s *Service) parallel(ctx context.Context, sources []string, job model.JobOptions, limit int, result *BatchResult) {
	type outcome struct {
		res *model.ConversionResult
		err error
	}
	outcomes := make([]outcome, len(sources))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			res, err := s.ConvertFile(ctx, src, FileOptions{Job: job})
			outcomes[i] = outcome{res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()
	for i, o := range outcomes {
		result.add(sources[i], o.res, o.err)
	}
}

func (s *Service) singleRun(ctx context.Context, sources []string, job model.JobOptions, result *BatchResult) error {
	runID := storage.NewRunID("batch")
	paths, err := s.layout.EnsureRunPaths(runID)
	if err != nil {
		return err
	}
	ctx = logger.SetRunID(ctx, runID)
	job = job.Normalize()

	token, stop := BindContext(ctx, nil)
	defer stop()

	var combined strings.Builder
	warnings := []string{}
	for _, src := range sources {
		req := Request{Source: src, Paths: paths, Options: job, Cancel: token}
		out, err := s.pipeline.Convert(ctx, req)
		if err != nil {
			s.pipeline.logFailure(req, out, err)
			metrics.Conversions.WithLabelValues(ErrorCode(err)).Inc()
			result.add(src, nil, err)
			continue
		}
		combined.WriteString("# " + filepath.Base(src) + "\n\n" + out.Markdown + "\n")
		warnings = append(warnings, out.Warnings...)
		_ = AppendRunLog(paths.LogFile, model.RunLogEntry{
			RunID:      runID,
			Source:     src,
			Status:     model.RunSuccess,
			MIMEType:   out.MIMEType,
			Warnings:   out.Warnings,
			Timings:    out.Timings,
			OutputPath: paths.OutputFile,
			Assets:     out.AssetPaths(),
			SizeBytes:  out.SizeBytes,
		})
		metrics.Conversions.WithLabelValues("success").Inc()
		result.Summary.Successes++
	}

	if err := storage.AtomicWrite(paths.OutputFile, []byte(adapter.NormalizeNewlines(combined.String()))); err != nil {
		return fmt.Errorf("write combined output: %w", err)
	}
	zipPath := ""
	if job.OutputMode.WantsZip() {
		if zipPath, err = CreateArchive(paths); err != nil {
			return fmt.Errorf("create archive: %w", err)
		}
	}
	result.Runs = append(result.Runs, &model.ConversionResult{
		RunID:      runID,
		OutputPath: paths.OutputFile,
		AssetsDir:  paths.AssetsDir,
		Warnings:   warnings,
		Summary:    fmt.Sprintf("Batch converted %d files into %s", len(sources), paths.OutputFile),
		ZipPath:    zipPath,
	})
	return nil
}

// appendSummaryCSV rewrites summary.csv with one more row, keeping whatever
// header the existing file has.
func (s *Service) appendSummaryCSV(summary *model.BatchSummary) error {
	s.csvMu.Lock()
	defer s.csvMu.Unlock()

	header := model.SummaryCSVHeader
	var rows [][]string
	data, err := os.ReadFile(s.summaryCSV)
	switch {
	case err == nil:
		records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
		if err != nil {
			return fmt.Errorf("read summary csv: %w", err)
		}
		if len(records) > 0 {
			header = records[0]
			rows = records[1:]
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("read summary csv: %w", err)
	}
	rows = append(rows, summary.Row(storage.NewRunID("batch")))

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write summary csv: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("write summary csv: %w", err)
	}
	return storage.AtomicWrite(s.summaryCSV, buf.Bytes())
}

// ExpandInputs turns files and directories into a flat file list. Paths that
// do not exist are kept so they fail with NOT_FOUND like any other source.
func ExpandInputs(inputs []string) ([]string, error) {
	var files []string
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil || !info.IsDir() {
			files = append(files, in)
			continue
		}
		var found []string
		err = filepath.WalkDir(in, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", in, err)
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}

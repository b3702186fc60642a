// Package pipeline runs the staged conversion of a single source file and
// builds the synchronous batch service on top of it.
//
// Stages run in a fixed order: validate, detect, adapter lookup, convert,
// asset policy, finalize, write and log. The cancellation token is checked
// before each one and never in the middle of a stage, so an adapter call that
// is already running always finishes. The deadline is checked after convert
// and again after write.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dharsanguruparan/markdrop/internal/adapter"
	"github.com/dharsanguruparan/markdrop/internal/detect"
	"github.com/dharsanguruparan/markdrop/internal/metrics"
	"github.com/dharsanguruparan/markdrop/internal/model"
	"github.com/dharsanguruparan/markdrop/internal/storage"
)

// Progress values reported at stage boundaries.
const (
	ProgressStart     = 0.0
	ProgressValidated = 0.1
	ProgressDetected  = 0.2
	ProgressConverted = 0.6
	ProgressFinalized = 0.8
	ProgressDone      = 1.0
)

// ProgressFunc receives progress updates in [0, 1].
type ProgressFunc func(float64)

// Config holds the base limits every job override is clamped against.
type Config struct {
	ConvertTimeout time.Duration
	MaxFileSizeMB  int
}

// Pipeline converts one file. It is safe for concurrent use as long as
// concurrent requests target different run directories.
type Pipeline struct {
	detector detect.Detector
	registry *adapter.Registry
	cfg      Config
	now      func() time.Time
}

// New builds a Pipeline.
func New(detector detect.Detector, registry *adapter.Registry, cfg Config) *Pipeline {
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 1
	}
	if cfg.ConvertTimeout < 0 {
		cfg.ConvertTimeout = 0
	}
	return &Pipeline{detector: detector, registry: registry, cfg: cfg, now: time.Now}
}

// Request describes a single conversion.
type Request struct {
	Source   string
	Paths    storage.RunPaths
	Options  model.JobOptions
	Cancel   *CancelToken
	Progress ProgressFunc
}

// Output is the finalized Markdown and what was learned along the way.
// Timings are filled in for every stage that ran, including on failure.
type Output struct {
	Markdown  string
	Warnings  []string
	Assets    map[string]string
	MIMEType  string
	SizeBytes int64
	Timings   model.StageTimings
}

// AssetPaths returns the kept asset paths in name order.
func (o *Output) AssetPaths() []string {
	names := make([]string, 0, len(o.Assets))
	for name := range o.Assets {
		names = append(names, name)
	}
	sort.Strings(names)
	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, o.Assets[name])
	}
	return paths
}

// Deadline is start plus the smaller of the base timeout and the job's
// override. Non-positive overrides are ignored.
func (p *Pipeline) Deadline(start time.Time, opts model.JobOptions) time.Time {
	timeout := p.cfg.ConvertTimeout
	if opts.TimeoutSeconds != nil && *opts.TimeoutSeconds > 0 {
		if override := time.Duration(*opts.TimeoutSeconds) * time.Second; override < timeout {
			timeout = override
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	return start.Add(timeout)
}

// SizeLimitBytes is min(base, override) megabytes, never below 1 MB.
func (p *Pipeline) SizeLimitBytes(opts model.JobOptions) int64 {
	limit := p.cfg.MaxFileSizeMB
	if opts.SizeLimitMB != nil && *opts.SizeLimitMB > 0 && *opts.SizeLimitMB < limit {
		limit = *opts.SizeLimitMB
	}
	if limit < 1 {
		limit = 1
	}
	return int64(limit) << 20
}

// Execute runs every stage, writes output.md and appends a run log entry.
// On failure the log gets a failure entry with whatever timings were
// collected and the error is returned; *ConversionError marks expected
// failures.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Output, error) {
	out, err := p.run(ctx, req, true)
	if err != nil {
		p.logFailure(req, out, err)
		return out, err
	}
	if err := checkpoint(req.Cancel, "log"); err != nil {
		p.logFailure(req, out, err)
		return out, err
	}
	entry := model.RunLogEntry{
		RunID:      req.Paths.RunID,
		Source:     req.Source,
		Status:     model.RunSuccess,
		MIMEType:   out.MIMEType,
		Warnings:   out.Warnings,
		Timings:    out.Timings,
		OutputPath: req.Paths.OutputFile,
		Assets:     out.AssetPaths(),
		SizeBytes:  out.SizeBytes,
	}
	if err := AppendRunLog(req.Paths.LogFile, entry); err != nil {
		return out, err
	}
	return out, nil
}

// Convert runs every stage up to and including finalize without writing
// output.md or the run log. Single-run batches use it to build one combined
// document.
func (p *Pipeline) Convert(ctx context.Context, req Request) (*Output, error) {
	return p.run(ctx, req, false)
}

func (p *Pipeline) run(ctx context.Context, req Request, write bool) (*Output, error) {
	out := &Output{Warnings: []string{}, Assets: map[string]string{}, MIMEType: "unknown"}
	report := func(v float64) {
		if req.Progress != nil {
			req.Progress(v)
		}
	}
	start := p.now()
	deadline := p.Deadline(start, req.Options)
	opts := req.Options.Normalize()

	if err := checkpoint(req.Cancel, "initialization"); err != nil {
		return out, err
	}

	// validate
	t := p.now()
	info, err := os.Stat(req.Source)
	if err != nil || info.IsDir() {
		if err == nil {
			err = errors.New("is a directory")
		}
		return out, &ConversionError{Code: CodeNotFound, Message: fmt.Sprintf("source file does not exist: %s", req.Source), Err: err}
	}
	out.SizeBytes = info.Size()
	if limit := p.SizeLimitBytes(opts); info.Size() > limit {
		out.Timings.ReadMS = p.since("read", t)
		return out, newError(CodeSizeLimit, "file exceeds configured limit of %d MB: %s", limit>>20, info.Name())
	}
	out.Timings.ReadMS = p.since("read", t)
	report(ProgressValidated)

	// detect
	if err := checkpoint(req.Cancel, "detection"); err != nil {
		return out, err
	}
	t = p.now()
	detected, err := p.detector.Detect(req.Source)
	out.Timings.DetectMS = p.since("detect", t)
	if err != nil {
		return out, &ConversionError{Code: CodeUnsupportedMIME, Message: err.Error(), Err: err}
	}
	out.MIMEType = detected.MIMEType
	report(ProgressDetected)

	// adapter lookup
	if err := checkpoint(req.Cancel, "adapter lookup"); err != nil {
		return out, err
	}
	conv, ok := p.registry.Lookup(detected.DocumentType)
	if !ok {
		return out, newError(CodeNoAdapter, "no adapter for %s", detected.DocumentType)
	}

	// convert
	if err := checkpoint(req.Cancel, "conversion"); err != nil {
		return out, err
	}
	t = p.now()
	resp, err := conv.Convert(req.Source, req.Paths.AssetsDir)
	out.Timings.ConvertMS = p.since("convert", t)
	if err != nil {
		return out, fmt.Errorf("convert %s with %s adapter: %w", req.Source, detected.DocumentType, err)
	}
	if p.now().After(deadline) {
		return out, newError(CodeTimeout, "conversion exceeded allotted time for %s", info.Name())
	}
	if resp.Warnings != nil {
		out.Warnings = append(out.Warnings, resp.Warnings...)
	}
	report(ProgressConverted)

	// asset policy
	if err := checkpoint(req.Cancel, "post-conversion"); err != nil {
		return out, err
	}
	t = p.now()
	markdown := resp.Markdown
	if opts.ImagePolicy == model.ImagePolicyIgnore {
		markdown = dropAssets(markdown, resp.Assets)
	} else {
		for name, path := range resp.Assets {
			out.Assets[name] = path
		}
	}
	out.Timings.AssetsMS = p.since("assets", t)
	report(ProgressFinalized)

	// finalize
	if err := checkpoint(req.Cancel, "finalize"); err != nil {
		return out, err
	}
	t = p.now()
	out.Markdown = finalize(markdown, out.Assets, opts.NormalizeHeadings)
	out.Timings.FinalizeMS = p.since("finalize", t)

	if !write {
		return out, nil
	}

	// write
	if err := checkpoint(req.Cancel, "write"); err != nil {
		return out, err
	}
	t = p.now()
	if err := storage.AtomicWrite(req.Paths.OutputFile, []byte(out.Markdown)); err != nil {
		return out, fmt.Errorf("write output: %w", err)
	}
	out.Timings.WriteMS = p.since("write", t)
	if p.now().After(deadline) {
		return out, newError(CodeTimeout, "conversion exceeded allotted time for %s", info.Name())
	}
	return out, nil
}

func (p *Pipeline) logFailure(req Request, out *Output, cause error) {
	entry := model.RunLogEntry{
		RunID:        req.Paths.RunID,
		Source:       req.Source,
		Status:       model.RunFailure,
		MIMEType:     out.MIMEType,
		ErrorCode:    ErrorCode(cause),
		ErrorMessage: cause.Error(),
		Timings:      out.Timings,
		OutputPath:   req.Paths.OutputFile,
		SizeBytes:    out.SizeBytes,
	}
	// The conversion already failed; a log write error adds nothing the
	// caller can act on.
	_ = AppendRunLog(req.Paths.LogFile, entry)
}

// ErrorCode maps err to its failure code, UNKNOWN for anything that is not
// a ConversionError.
func ErrorCode(err error) string {
	if ce, ok := AsConversionError(err); ok {
		return ce.Code
	}
	return CodeUnknown
}

func (p *Pipeline) since(stage string, t time.Time) float64 {
	d := p.now().Sub(t)
	metrics.ObserveStage(stage, d)
	return float64(d.Microseconds()) / 1000
}

// checkpoint only consults the job's token. A canceled context is not a
// cancellation request; callers that want one bind it with BindContext.
func checkpoint(token *CancelToken, stage string) error {
	if token.Canceled() {
		return newError(CodeCanceled, "job canceled during %s", stage)
	}
	return nil
}

// Package model contains the job and conversion types shared across packages.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus describes the job lifecycle. Values are the lower-case strings
// persisted in status.json and returned by the API.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
	StatusExpired   JobStatus = "expired"
)

// IsTerminal reports whether no worker will touch the job again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// Retriable reports whether a job in this status may be resubmitted.
func (s JobStatus) Retriable() bool {
	return s == StatusFailed || s == StatusCanceled || s == StatusExpired
}

// ParseJobStatus validates a persisted status string.
func ParseJobStatus(v string) (JobStatus, error) {
	switch s := JobStatus(v); s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled, StatusExpired:
		return s, nil
	}
	return "", fmt.Errorf("unknown job status %q", v)
}

// ImagePolicy controls what happens to assets extracted by an adapter.
type ImagePolicy string

const (
	ImagePolicyExtract ImagePolicy = "extract"
	ImagePolicyIgnore  ImagePolicy = "ignore"
)

// OutputMode selects which artifacts a successful job leaves behind.
type OutputMode string

const (
	OutputMarkdown OutputMode = "md"
	OutputZip      OutputMode = "zip"
	OutputBoth     OutputMode = "both"
)

// WantsZip reports whether an archive should be produced.
func (m OutputMode) WantsZip() bool {
	return m == OutputZip || m == OutputBoth
}

// JobOptions is the immutable configuration attached to a submission.
// Nil size/timeout overrides mean "use the configured base value".
type JobOptions struct {
	ImagePolicy       ImagePolicy `json:"image_policy"`
	SizeLimitMB       *int        `json:"size_limit_mb"`
	TimeoutSeconds    *int        `json:"timeout_s"`
	NormalizeHeadings bool        `json:"normalize_headings"`
	OutputMode        OutputMode  `json:"output_mode"`
	Dedupe            bool        `json:"dedupe"`
}

// DefaultJobOptions mirrors what a caller gets when it sends no options.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		ImagePolicy:       ImagePolicyExtract,
		NormalizeHeadings: true,
		OutputMode:        OutputMarkdown,
	}
}

// Normalize fills empty enum fields with their defaults.
func (o JobOptions) Normalize() JobOptions {
	if o.ImagePolicy == "" {
		o.ImagePolicy = ImagePolicyExtract
	}
	if o.OutputMode == "" {
		o.OutputMode = OutputMarkdown
	}
	return o
}

// Validate rejects option values the pipeline cannot honor.
func (o JobOptions) Validate() error {
	o = o.Normalize()
	switch o.ImagePolicy {
	case ImagePolicyExtract, ImagePolicyIgnore:
	default:
		return fmt.Errorf("invalid image_policy %q", o.ImagePolicy)
	}
	switch o.OutputMode {
	case OutputMarkdown, OutputZip, OutputBoth:
	default:
		return fmt.Errorf("invalid output_mode %q", o.OutputMode)
	}
	if o.SizeLimitMB != nil && *o.SizeLimitMB < 0 {
		return fmt.Errorf("size_limit_mb must not be negative")
	}
	if o.TimeoutSeconds != nil && *o.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_s must not be negative")
	}
	return nil
}

// Signature is a stable hash of the normalized options. The dedupe flag is
// excluded so that opting in does not change the key. encoding/json sorts map
// keys, which makes the payload independent of field order.
func (o JobOptions) Signature() string {
	o = o.Normalize()
	payload := map[string]interface{}{
		"image_policy":       o.ImagePolicy,
		"size_limit_mb":      o.SizeLimitMB,
		"timeout_s":          o.TimeoutSeconds,
		"normalize_headings": o.NormalizeHeadings,
		"output_mode":        o.OutputMode,
	}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RecordOptions is the resolved configuration stored on a JobRecord.
type RecordOptions struct {
	JobOptions
	SourceFilename string `json:"source_filename"`
}

// JobArtifacts lists the files a successful job produced. Paths are absolute
// and always point inside the job's own run directory.
type JobArtifacts struct {
	OutputMDPath         string `json:"output_md_path"`
	AssetsDirPath        string `json:"assets_dir_path"`
	RunDirPath           string `json:"run_dir_path"`
	OutputZipPath        string `json:"output_zip_path,omitempty"`
	SizeBytesMD          int64  `json:"size_bytes_md"`
	SizeBytesAssetsTotal int64  `json:"size_bytes_assets_total"`
}

// JobRecord is one conversion request's lifecycle state. It is the document
// persisted as status.json.
type JobRecord struct {
	JobID        string        `json:"job_id"`
	Status       JobStatus     `json:"status"`
	Progress     float64       `json:"progress"`
	SubmittedAt  *time.Time    `json:"submitted_at"`
	StartedAt    *time.Time    `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at"`
	Warnings     []string      `json:"warnings"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Artifacts    *JobArtifacts `json:"artifacts"`
	Options      RecordOptions `json:"options"`
	ParentJobID  string        `json:"parent_job_id,omitempty"`
	Reused       bool          `json:"reused"`
	InputHash    string        `json:"input_hash,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Warnings = append([]string{}, r.Warnings...)
	if r.Artifacts != nil {
		a := *r.Artifacts
		out.Artifacts = &a
	}
	out.SubmittedAt = cloneTime(r.SubmittedAt)
	out.StartedAt = cloneTime(r.StartedAt)
	out.FinishedAt = cloneTime(r.FinishedAt)
	return &out
}

// SetProgress applies v clamped to [current, 1.0]; progress never goes back.
func (r *JobRecord) SetProgress(v float64) {
	if v > 1 {
		v = 1
	}
	if v > r.Progress {
		r.Progress = v
	}
}

// JobSummary is the terminal summary.json written next to status.json.
type JobSummary struct {
	JobID           string    `json:"job_id"`
	Status          JobStatus `json:"status"`
	DurationSeconds float64   `json:"duration_seconds"`
	Reused          bool      `json:"reused"`
	SourceJobID     string    `json:"source_job_id,omitempty"`
	Warnings        []string  `json:"warnings"`
	ErrorCode       string    `json:"error_code,omitempty"`
	InputHash       string    `json:"input_hash,omitempty"`
}

// Now returns a UTC timestamp pointer for record fields.
func Now() *time.Time {
	t := time.Now().UTC()
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

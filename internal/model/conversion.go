package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// ConversionResult is what the pipeline returns for a single file (or for a
// single-run batch). An empty ZipPath means no archive was requested.
type ConversionResult struct {
	RunID      string   `json:"run_id"`
	OutputPath string   `json:"output_path"`
	AssetsDir  string   `json:"assets_dir"`
	Warnings   []string `json:"warnings"`
	Summary    string   `json:"summary"`
	ZipPath    string   `json:"zip_path,omitempty"`
	Reused     bool     `json:"reused"`
}

// BatchSummary aggregates counters across a multi-file operation. Counters
// only ever grow.
type BatchSummary struct {
	Timestamp time.Time      `json:"timestamp"`
	Total     int            `json:"total"`
	Successes int            `json:"successes"`
	Failures  int            `json:"failures"`
	Warnings  map[string]int `json:"warnings"`
}

// NewBatchSummary starts an empty summary stamped with the current time.
func NewBatchSummary() *BatchSummary {
	return &BatchSummary{Timestamp: time.Now().UTC(), Warnings: map[string]int{}}
}

// AddWarnings counts each warning code once per occurrence.
func (b *BatchSummary) AddWarnings(codes []string) {
	if b.Warnings == nil {
		b.Warnings = map[string]int{}
	}
	for _, c := range codes {
		b.Warnings[c]++
	}
}

// Row renders the summary as a summary.csv record.
func (b *BatchSummary) Row(batchID string) []string {
	warnings, _ := json.Marshal(b.Warnings)
	return []string{
		batchID,
		b.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		strconv.Itoa(b.Total),
		strconv.Itoa(b.Successes),
		strconv.Itoa(b.Failures),
		string(warnings),
	}
}

// SummaryCSVHeader is the header row of summary.csv.
var SummaryCSVHeader = []string{"batch_id", "timestamp", "total", "successes", "failures", "warnings"}

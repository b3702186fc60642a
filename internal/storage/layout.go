// Package storage owns everything MarkDrop keeps on disk: the per-run
// directory layout, atomic file helpers, and the JobStore indices.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

const (
	outputName  = "output.md"
	assetsName  = "assets"
	inputName   = "input"
	statusName  = "status.json"
	summaryName = "summary.json"
	zipName     = "output.zip"
	lockName    = ".lock"

	// IndexDirName holds the global indices. The leading underscore keeps it
	// out of run directory scans.
	IndexDirName = "_index"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidID reports whether id is safe to use as a run directory name.
func ValidID(id string) bool {
	return len(id) <= 200 && validID.MatchString(id)
}

// Layout computes paths below the output root.
type Layout struct {
	Root    string
	LogFile string
}

// NewLayout returns a Layout rooted at root. logFile is the per-run log name.
func NewLayout(root, logFile string) Layout {
	if logFile == "" {
		logFile = "log.jsonl"
	}
	return Layout{Root: root, LogFile: logFile}
}

// RunPaths is the directory structure of one run or job.
type RunPaths struct {
	RunID       string
	BaseDir     string
	OutputFile  string
	AssetsDir   string
	LogFile     string
	InputDir    string
	StatusFile  string
	SummaryFile string
	ZipFile     string
	LockFile    string
}

// RunPaths computes paths without touching the filesystem.
func (l Layout) RunPaths(runID string) RunPaths {
	base := filepath.Join(l.Root, runID)
	return RunPaths{
		RunID:       runID,
		BaseDir:     base,
		OutputFile:  filepath.Join(base, outputName),
		AssetsDir:   filepath.Join(base, assetsName),
		LogFile:     filepath.Join(base, l.LogFile),
		InputDir:    filepath.Join(base, inputName),
		StatusFile:  filepath.Join(base, statusName),
		SummaryFile: filepath.Join(base, summaryName),
		ZipFile:     filepath.Join(base, zipName),
		LockFile:    filepath.Join(base, lockName),
	}
}

// EnsureRunPaths creates base/ and base/assets/ and returns the paths.
func (l Layout) EnsureRunPaths(runID string) (RunPaths, error) {
	if !ValidID(runID) {
		return RunPaths{}, fmt.Errorf("invalid run id %q", runID)
	}
	paths := l.RunPaths(runID)
	if err := os.MkdirAll(paths.AssetsDir, 0o755); err != nil {
		return RunPaths{}, fmt.Errorf("create run dirs: %w", err)
	}
	return paths, nil
}

// IndexDir is where jobs.jsonl, latest.json and dedupe.json live.
func (l Layout) IndexDir() string {
	return filepath.Join(l.Root, IndexDirName)
}

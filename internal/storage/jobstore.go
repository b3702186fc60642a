package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dharsanguruparan/markdrop/internal/logger"
	"github.com/dharsanguruparan/markdrop/internal/model"
)

var (
	// ErrNotFound is returned when neither a live nor an archived status
	// document exists for a job id.
	ErrNotFound = errors.New("job not found")
)

// DefaultRecentLimit bounds the latest.json ring buffer.
const DefaultRecentLimit = 200

// IndexMirror receives every record appended to the index. Mirror failures
// are logged and never fail the local write.
type IndexMirror interface {
	MirrorRecord(ctx context.Context, record *model.JobRecord) error
}

// JobStore makes job state durable. The on-disk status documents are the
// source of truth; the in-memory ring buffer is a cache of latest.json.
type JobStore struct {
	layout Layout

	jobsIndex     string
	latestFile    string
	dedupeFile    string
	statusArchive string
	inputCache    string

	// indexMu guards jobs.jsonl and the recent ring buffer together.
	indexMu     sync.Mutex
	recent      []*model.JobRecord
	recentLimit int

	// dedupeMu serializes read-modify-write cycles on dedupe.json.
	dedupeMu sync.Mutex

	mirror IndexMirror
}

// NewJobStore creates the index directories and loads latest.json.
func NewJobStore(layout Layout) (*JobStore, error) {
	idx := layout.IndexDir()
	s := &JobStore{
		layout:        layout,
		jobsIndex:     filepath.Join(idx, "jobs.jsonl"),
		latestFile:    filepath.Join(idx, "latest.json"),
		dedupeFile:    filepath.Join(idx, "dedupe.json"),
		statusArchive: filepath.Join(idx, "status"),
		inputCache:    filepath.Join(idx, "inputs"),
		recentLimit:   DefaultRecentLimit,
	}
	for _, dir := range []string{idx, s.statusArchive, s.inputCache} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}
	s.recent = s.loadLatest()
	return s, nil
}

// SetMirror installs an optional secondary sink for index events.
func (s *JobStore) SetMirror(m IndexMirror) {
	s.indexMu.Lock()
	s.mirror = m
	s.indexMu.Unlock()
}

// Layout exposes the directory layout the store was built with.
func (s *JobStore) Layout() Layout {
	return s.layout
}

// RunPaths creates and returns the run directory for jobID.
func (s *JobStore) RunPaths(jobID string) (RunPaths, error) {
	return s.layout.EnsureRunPaths(jobID)
}

func (s *JobStore) statusPath(jobID string) string {
	return s.layout.RunPaths(jobID).StatusFile
}

func (s *JobStore) archivePath(jobID string) string {
	return filepath.Join(s.statusArchive, jobID+".json")
}

// WriteStatus atomically replaces the status document for record.JobID, or
// its archived copy when archive is set.
func (s *JobStore) WriteStatus(record *model.JobRecord, archive bool) error {
	if !ValidID(record.JobID) {
		return fmt.Errorf("invalid job id %q", record.JobID)
	}
	if record.Warnings == nil {
		record.Warnings = []string{}
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	path := s.statusPath(record.JobID)
	if archive {
		path = s.archivePath(record.JobID)
	}
	if err := AtomicWrite(path, data); err != nil {
		return fmt.Errorf("write status %s: %w", record.JobID, err)
	}
	return nil
}

// ReadStatus returns the live status document, falling back to the archive.
func (s *JobStore) ReadStatus(jobID string) (*model.JobRecord, error) {
	if !ValidID(jobID) {
		return nil, ErrNotFound
	}
	for _, path := range []string{s.statusPath(jobID), s.archivePath(jobID)} {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read status %s: %w", jobID, err)
		}
		var record model.JobRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("decode status %s: %w", jobID, err)
		}
		if _, err := model.ParseJobStatus(string(record.Status)); err != nil {
			return nil, fmt.Errorf("decode status %s: %w", jobID, err)
		}
		if record.Warnings == nil {
			record.Warnings = []string{}
		}
		return &record, nil
	}
	return nil, ErrNotFound
}

// AppendIndex appends record to jobs.jsonl and to the latest.json ring buffer
// under one lock, then forwards it to the mirror.
func (s *JobStore) AppendIndex(ctx context.Context, record *model.JobRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal index entry: %w", err)
	}

	s.indexMu.Lock()
	if err := appendLine(s.jobsIndex, line); err != nil {
		s.indexMu.Unlock()
		return err
	}
	// jobs.jsonl is shared by every process on the root, so the ring is
	// rebuilt from its tail rather than from this process's memory.
	if tail, terr := tailIndex(s.jobsIndex, s.recentLimit); terr == nil {
		s.recent = tail
	} else {
		s.recent = append(s.recent, record.Clone())
		if len(s.recent) > s.recentLimit {
			s.recent = append([]*model.JobRecord(nil), s.recent[len(s.recent)-s.recentLimit:]...)
		}
	}
	latest, err := json.MarshalIndent(s.recent, "", "  ")
	if err == nil {
		err = AtomicWrite(s.latestFile, latest)
	}
	mirror := s.mirror
	s.indexMu.Unlock()
	if err != nil {
		return fmt.Errorf("write latest index: %w", err)
	}

	if mirror != nil {
		if err := mirror.MirrorRecord(ctx, record); err != nil {
			logger.FromContext(ctx).WithError(err).Warnf("mirror index entry for %s failed", record.JobID)
		}
	}
	return nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append index: %w", err)
	}
	return nil
}

// tailIndex decodes the last n entries of jobs.jsonl. Unparseable lines,
// such as a torn final write, are skipped.
func tailIndex(path string, n int) ([]*model.JobRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	const chunk = 64 << 10
	var buf []byte
	end := info.Size()
	for end > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		part := make([]byte, end-start)
		if _, err := f.ReadAt(part, start); err != nil {
			return nil, err
		}
		buf = append(part, buf...)
		end = start
	}

	lines := bytes.Split(buf, []byte{'\n'})
	if end > 0 && len(lines) > 0 {
		// first line may be cut by the chunk boundary
		lines = lines[1:]
	}
	records := make([]*model.JobRecord, 0, n)
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec model.JobRecord
		if json.Unmarshal(line, &rec) != nil {
			continue
		}
		records = append(records, &rec)
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

func (s *JobStore) loadLatest() []*model.JobRecord {
	data, err := os.ReadFile(s.latestFile)
	if err != nil {
		return nil
	}
	var records []*model.JobRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil
	}
	return records
}

// ListLatest returns up to limit of the most recent index entries, oldest
// first and most recent last. limit <= 0 returns the whole buffer.
func (s *JobStore) ListLatest(limit int) []*model.JobRecord {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if tail, err := tailIndex(s.jobsIndex, s.recentLimit); err == nil {
		s.recent = tail
	}
	start := 0
	if limit > 0 && len(s.recent) > limit {
		start = len(s.recent) - limit
	}
	out := make([]*model.JobRecord, 0, len(s.recent)-start)
	for _, r := range s.recent[start:] {
		out = append(out, r.Clone())
	}
	return out
}

// CacheInput stores data under its content hash. A second call for the same
// hash is a no-op.
func (s *JobStore) CacheInput(hash string, data []byte) (string, error) {
	path, err := s.inputPath(hash)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := AtomicWrite(path, data); err != nil {
		return "", fmt.Errorf("cache input: %w", err)
	}
	return path, nil
}

// CacheInputFromPath is CacheInput for bytes that already live in a file.
func (s *JobStore) CacheInputFromPath(hash, source string) (string, error) {
	path, err := s.inputPath(hash)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := AtomicCopy(source, path); err != nil {
		return "", fmt.Errorf("cache input: %w", err)
	}
	return path, nil
}

// CachedInput returns the cached bytes for hash, if present.
func (s *JobStore) CachedInput(hash string) ([]byte, bool) {
	path, err := s.inputPath(hash)
	if err != nil {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *JobStore) inputPath(hash string) (string, error) {
	if hash == "" || !ValidID(hash) {
		return "", fmt.Errorf("invalid input hash %q", hash)
	}
	return filepath.Join(s.inputCache, hash), nil
}

// RecordDedupe maps key to jobID in dedupe.json.
func (s *JobStore) RecordDedupe(key, jobID string) error {
	s.dedupeMu.Lock()
	defer s.dedupeMu.Unlock()
	mapping := s.loadDedupe()
	mapping[key] = jobID
	data, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dedupe index: %w", err)
	}
	if err := AtomicWrite(s.dedupeFile, data); err != nil {
		return fmt.Errorf("write dedupe index: %w", err)
	}
	return nil
}

// LookupDedupe returns the job that first produced the result for key.
func (s *JobStore) LookupDedupe(key string) (string, bool) {
	s.dedupeMu.Lock()
	defer s.dedupeMu.Unlock()
	jobID, ok := s.loadDedupe()[key]
	return jobID, ok
}

func (s *JobStore) loadDedupe() map[string]string {
	mapping := map[string]string{}
	data, err := os.ReadFile(s.dedupeFile)
	if err != nil {
		return mapping
	}
	if err := json.Unmarshal(data, &mapping); err != nil {
		return map[string]string{}
	}
	return mapping
}

// WriteSummary writes the terminal summary.json for a job.
func (s *JobStore) WriteSummary(jobID string, summary model.JobSummary) error {
	if summary.Warnings == nil {
		summary.Warnings = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := AtomicWrite(s.layout.RunPaths(jobID).SummaryFile, buf.Bytes()); err != nil {
		return fmt.Errorf("write summary %s: %w", jobID, err)
	}
	return nil
}

// RunIDs lists run directory names under the output root, sorted, skipping
// the index directory and anything that is not a valid id.
func (s *JobStore) RunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.layout.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "_") || !ValidID(e.Name()) {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// PurgeRun deletes everything in the job's run directory except status.json.
func (s *JobStore) PurgeRun(jobID string) error {
	paths := s.layout.RunPaths(jobID)
	entries, err := os.ReadDir(paths.BaseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list run dir: %w", err)
	}
	for _, e := range entries {
		if e.Name() == filepath.Base(paths.StatusFile) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(paths.BaseDir, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

// RemoveRun deletes the job's entire run directory. Archived status documents
// live under the index directory and are not affected.
func (s *JobStore) RemoveRun(jobID string) error {
	if !ValidID(jobID) {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	if err := os.RemoveAll(s.layout.RunPaths(jobID).BaseDir); err != nil {
		return fmt.Errorf("remove run %s: %w", jobID, err)
	}
	return nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dharsanguruparan/markdrop/internal/model"
)

func newTestStore(t *testing.T) *JobStore {
	t.Helper()
	store, err := NewJobStore(NewLayout(t.TempDir(), "log.jsonl"))
	if err != nil {
		t.Fatalf("NewJobStore: %v", err)
	}
	return store
}

func TestWriteReadStatus(t *testing.T) {
	store := newTestStore(t)
	rec := &model.JobRecord{
		JobID:       "job-1",
		Status:      model.StatusSucceeded,
		Progress:    1,
		SubmittedAt: model.Now(),
		Artifacts: &model.JobArtifacts{
			OutputMDPath: "/x/output.md",
			SizeBytesMD:  12,
		},
		Options: model.RecordOptions{JobOptions: model.DefaultJobOptions(), SourceFilename: "a.txt"},
	}
	if err := store.WriteStatus(rec, false); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	got, err := store.ReadStatus("job-1")
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if got.Status != model.StatusSucceeded || got.Artifacts == nil || got.Artifacts.SizeBytesMD != 12 {
		t.Errorf("ReadStatus = %+v", got)
	}
	if got.Options.SourceFilename != "a.txt" || !got.Options.NormalizeHeadings {
		t.Errorf("options not round-tripped: %+v", got.Options)
	}
	if got.Warnings == nil {
		t.Error("warnings should decode as an empty list")
	}
}

func TestReadStatusFallsBackToArchive(t *testing.T) {
	store := newTestStore(t)
	rec := &model.JobRecord{JobID: "job-arch", Status: model.StatusExpired}
	if err := store.WriteStatus(rec, true); err != nil {
		t.Fatalf("WriteStatus archive: %v", err)
	}
	got, err := store.ReadStatus("job-arch")
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if got.Status != model.StatusExpired {
		t.Errorf("Status = %q, want expired", got.Status)
	}
	if _, err := store.ReadStatus("job-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadStatus missing err = %v, want ErrNotFound", err)
	}
	if _, err := store.ReadStatus("../etc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadStatus traversal err = %v, want ErrNotFound", err)
	}
}

func TestAppendIndexRingBuffer(t *testing.T) {
	store := newTestStore(t)
	store.recentLimit = 3
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rec := &model.JobRecord{JobID: fmt.Sprintf("job-%d", i), Status: model.StatusQueued}
		if err := store.AppendIndex(ctx, rec); err != nil {
			t.Fatalf("AppendIndex: %v", err)
		}
	}
	latest := store.ListLatest(0)
	if len(latest) != 3 {
		t.Fatalf("len(latest) = %d, want 3", len(latest))
	}
	if latest[0].JobID != "job-2" || latest[2].JobID != "job-4" {
		t.Errorf("latest order = %s..%s, want job-2..job-4", latest[0].JobID, latest[2].JobID)
	}
	if two := store.ListLatest(2); len(two) != 2 || two[1].JobID != "job-4" {
		t.Errorf("ListLatest(2) = %v", two)
	}

	data, err := os.ReadFile(store.jobsIndex)
	if err != nil {
		t.Fatalf("read jobs.jsonl: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 5 {
		t.Errorf("jobs.jsonl lines = %d, want 5", lines)
	}

	reopened, err := NewJobStore(store.layout)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened.recentLimit = 3
	if got := reopened.ListLatest(0); len(got) != 3 {
		t.Errorf("reopened latest = %d entries, want 3", len(got))
	}
}

func TestAppendIndexSharedRoot(t *testing.T) {
	first := newTestStore(t)
	second, err := NewJobStore(first.layout)
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		for name, st := range map[string]*JobStore{"first": first, "second": second} {
			id := fmt.Sprintf("%s-%d", name, i)
			if err := st.AppendIndex(ctx, &model.JobRecord{JobID: id, Status: model.StatusQueued}); err != nil {
				t.Fatalf("AppendIndex: %v", err)
			}
		}
	}

	for name, st := range map[string]*JobStore{"first": first, "second": second} {
		if got := st.ListLatest(0); len(got) != 6 {
			t.Errorf("%s ListLatest = %d entries, want 6", name, len(got))
		}
	}
	var onDisk []*model.JobRecord
	data, err := os.ReadFile(first.latestFile)
	if err != nil {
		t.Fatalf("read latest.json: %v", err)
	}
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("decode latest.json: %v", err)
	}
	if len(onDisk) != 6 {
		t.Errorf("latest.json = %d entries, want 6", len(onDisk))
	}
}

func TestTailIndexSkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.jsonl")
	body := `{"job_id":"a","status":"queued"}` + "\n" +
		`{"job_id":"b","status":"queued"}` + "\n" +
		`{"job_id":"c","sta`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := tailIndex(path, 5)
	if err != nil {
		t.Fatalf("tailIndex: %v", err)
	}
	if len(got) != 2 || got[1].JobID != "b" {
		t.Errorf("tailIndex = %+v, want a and b", got)
	}
}

type recordingMirror struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (m *recordingMirror) MirrorRecord(_ context.Context, r *model.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, r.JobID)
	return m.err
}

func TestAppendIndexMirror(t *testing.T) {
	store := newTestStore(t)
	mirror := &recordingMirror{err: errors.New("db down")}
	store.SetMirror(mirror)
	if err := store.AppendIndex(context.Background(), &model.JobRecord{JobID: "job-m", Status: model.StatusFailed}); err != nil {
		t.Fatalf("AppendIndex should ignore mirror errors: %v", err)
	}
	if len(mirror.ids) != 1 || mirror.ids[0] != "job-m" {
		t.Errorf("mirror ids = %v", mirror.ids)
	}
}

func TestCacheInputIdempotent(t *testing.T) {
	store := newTestStore(t)
	path, err := store.CacheInput("abc123", []byte("first"))
	if err != nil {
		t.Fatalf("CacheInput: %v", err)
	}
	if _, err := store.CacheInput("abc123", []byte("second")); err != nil {
		t.Fatalf("CacheInput again: %v", err)
	}
	data, ok := store.CachedInput("abc123")
	if !ok || string(data) != "first" {
		t.Errorf("CachedInput = %q, %v; want first", data, ok)
	}
	if filepath.Dir(path) != store.inputCache {
		t.Errorf("cache path %s outside %s", path, store.inputCache)
	}
	if _, ok := store.CachedInput("nope"); ok {
		t.Error("expected miss for unknown hash")
	}

	src := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(src, []byte("from path"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CacheInputFromPath("def456", src); err != nil {
		t.Fatalf("CacheInputFromPath: %v", err)
	}
	if data, _ := store.CachedInput("def456"); string(data) != "from path" {
		t.Errorf("CachedInput(def456) = %q", data)
	}
}

func TestDedupeConcurrentWriters(t *testing.T) {
	store := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.RecordDedupe(fmt.Sprintf("key-%d", i), fmt.Sprintf("job-%d", i)); err != nil {
				t.Errorf("RecordDedupe: %v", err)
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < 20; i++ {
		got, ok := store.LookupDedupe(fmt.Sprintf("key-%d", i))
		if !ok || got != fmt.Sprintf("job-%d", i) {
			t.Errorf("LookupDedupe(key-%d) = %q, %v (lost update)", i, got, ok)
		}
	}
}

func TestWriteSummaryAndPurge(t *testing.T) {
	store := newTestStore(t)
	paths, err := store.RunPaths("job-p")
	if err != nil {
		t.Fatalf("RunPaths: %v", err)
	}
	if err := store.WriteStatus(&model.JobRecord{JobID: "job-p", Status: model.StatusCanceled}, false); err != nil {
		t.Fatal(err)
	}
	if err := store.WriteSummary("job-p", model.JobSummary{JobID: "job-p", Status: model.StatusCanceled}); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	var summary map[string]interface{}
	data, _ := os.ReadFile(paths.SummaryFile)
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary["status"] != "canceled" {
		t.Errorf("summary status = %v", summary["status"])
	}
	if err := os.WriteFile(filepath.Join(paths.AssetsDir, "img.png"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := store.PurgeRun("job-p"); err != nil {
		t.Fatalf("PurgeRun: %v", err)
	}
	entries, _ := os.ReadDir(paths.BaseDir)
	if len(entries) != 1 || entries[0].Name() != "status.json" {
		names := []string{}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("after purge run dir contains %v, want only status.json", names)
	}

	ids, err := store.RunIDs()
	if err != nil {
		t.Fatalf("RunIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-p" {
		t.Errorf("RunIDs = %v, want [job-p]", ids)
	}
}

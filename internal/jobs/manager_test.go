package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/markdrop/internal/adapter"
	"github.com/dharsanguruparan/markdrop/internal/detect"
	"github.com/dharsanguruparan/markdrop/internal/model"
	"github.com/dharsanguruparan/markdrop/internal/pipeline"
	"github.com/dharsanguruparan/markdrop/internal/storage"
)

func newTestManager(t *testing.T, root string, reg *adapter.Registry, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m := buildManager(t, root, reg, cfg, opts...)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func buildManager(t *testing.T, root string, reg *adapter.Registry, cfg Config, opts ...Option) *Manager {
	t.Helper()
	if root == "" {
		root = t.TempDir()
	}
	if reg == nil {
		reg = adapter.DefaultRegistry()
	}
	store, err := storage.NewJobStore(storage.NewLayout(root, ""))
	if err != nil {
		t.Fatalf("NewJobStore: %v", err)
	}
	p := pipeline.New(detect.New(), reg, pipeline.Config{ConvertTimeout: time.Minute, MaxFileSizeMB: 25})
	svc := pipeline.NewService(p, pipeline.ServiceConfig{Layout: store.Layout()})
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	return NewManager(store, svc, cfg, opts...)
}

// blockingRegistry converts text only after release is closed. started
// receives once per conversion.
func blockingRegistry(started chan<- string, release <-chan struct{}) *adapter.Registry {
	reg := adapter.DefaultRegistry()
	reg.Register(detect.TypeTXT, adapter.Func(func(source, assetDir string) (adapter.Response, error) {
		started <- filepath.Base(source)
		<-release
		return adapter.TextAdapter{}.Convert(source, assetDir)
	}))
	return reg
}

func waitTerminal(t *testing.T, m *Manager, id string) *model.JobRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := m.GetStatus(id)
		if err != nil {
			t.Fatalf("GetStatus(%s): %v", id, err)
		}
		if rec.Status.IsTerminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

// waitIdle waits until the worker has let go of id.
func waitIdle(t *testing.T, m *Manager, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.lookup(id); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s still tracked", id)
}

func TestSubmitPlainTextSucceeds(t *testing.T) {
	m := newTestManager(t, "", nil, Config{})
	body := strings.Repeat("hello world, plain text line\n", 35)

	rec, err := m.Submit(context.Background(), "notes.txt", []byte(body), model.DefaultJobOptions())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, m, rec.JobID)
	if done.Status != model.StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", done.Status, done.ErrorCode, done.ErrorMessage)
	}
	if done.Progress != 1 {
		t.Errorf("progress = %v, want 1", done.Progress)
	}
	if len(done.Warnings) != 0 {
		t.Errorf("warnings = %v", done.Warnings)
	}
	if done.Artifacts == nil {
		t.Fatal("artifacts missing")
	}
	data, err := os.ReadFile(done.Artifacts.OutputMDPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != body {
		t.Errorf("output differs from normalized input")
	}
	if done.Artifacts.SizeBytesMD != int64(len(body)) {
		t.Errorf("size_bytes_md = %d", done.Artifacts.SizeBytesMD)
	}
	if done.Options.SourceFilename != "notes.txt" || done.InputHash == "" {
		t.Errorf("record options = %+v hash=%q", done.Options, done.InputHash)
	}

	waitIdle(t, m, rec.JobID)
	paths := m.Store().Layout().RunPaths(rec.JobID)
	if _, err := os.Stat(paths.LockFile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock marker left behind: %v", err)
	}
	if _, err := os.Stat(paths.SummaryFile); err != nil {
		t.Errorf("summary.json: %v", err)
	}
}

func TestUnregisteredExtensionFails(t *testing.T) {
	m := newTestManager(t, "", nil, Config{})
	rec, err := m.Submit(context.Background(), "blob.xyz", []byte{0x00, 0x01, 0x02}, model.DefaultJobOptions())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, m, rec.JobID)
	if done.Status != model.StatusFailed || done.ErrorCode != pipeline.CodeUnsupportedMIME {
		t.Fatalf("got %s/%s, want failed/UNSUPPORTED_MIME", done.Status, done.ErrorCode)
	}
	if done.Artifacts != nil {
		t.Error("failed job must not carry artifacts")
	}
}

func TestSubmitRejectsInvalidOptions(t *testing.T) {
	m := newTestManager(t, "", nil, Config{})
	opts := model.DefaultJobOptions()
	opts.OutputMode = "tarball"
	if _, err := m.Submit(context.Background(), "a.txt", []byte("x"), opts); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestDedupeReusesResult(t *testing.T) {
	m := newTestManager(t, "", nil, Config{DedupeEnabled: true})
	opts := model.DefaultJobOptions()
	opts.Dedupe = true
	opts.OutputMode = model.OutputBoth
	data := []byte("same bytes\nsame options\n")

	first, err := m.Submit(context.Background(), "a.txt", data, opts)
	if err != nil {
		t.Fatal(err)
	}
	firstDone := waitTerminal(t, m, first.JobID)
	if firstDone.Status != model.StatusSucceeded {
		t.Fatalf("first job %s: %s", firstDone.Status, firstDone.ErrorMessage)
	}
	waitIdle(t, m, first.JobID)

	second, err := m.Submit(context.Background(), "a.txt", data, opts)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != model.StatusSucceeded || !second.Reused {
		t.Fatalf("second job = %s reused=%v", second.Status, second.Reused)
	}
	if second.ParentJobID != first.JobID {
		t.Errorf("parent = %q, want %q", second.ParentJobID, first.JobID)
	}
	if second.Progress != 1 || second.Artifacts == nil {
		t.Fatalf("reused record incomplete: %+v", second)
	}
	if !strings.Contains(second.Artifacts.OutputMDPath, second.JobID) {
		t.Errorf("reused output %s is not in the job's own run dir", second.Artifacts.OutputMDPath)
	}
	a, _ := os.ReadFile(firstDone.Artifacts.OutputMDPath)
	b, _ := os.ReadFile(second.Artifacts.OutputMDPath)
	if string(a) != string(b) || len(a) == 0 {
		t.Errorf("reused output differs: %q vs %q", a, b)
	}
	if second.Artifacts.OutputZipPath == "" {
		t.Error("zip should be copied for output_mode=both")
	}

	opts.NormalizeHeadings = !opts.NormalizeHeadings
	third, err := m.Submit(context.Background(), "a.txt", data, opts)
	if err != nil {
		t.Fatal(err)
	}
	if third.Reused {
		t.Error("different options must not reuse")
	}
	waitTerminal(t, m, third.JobID)
}

func TestDedupeOffByConfig(t *testing.T) {
	m := newTestManager(t, "", nil, Config{DedupeEnabled: false})
	opts := model.DefaultJobOptions()
	opts.Dedupe = true
	first, _ := m.Submit(context.Background(), "a.txt", []byte("x\n"), opts)
	waitTerminal(t, m, first.JobID)
	second, err := m.Submit(context.Background(), "a.txt", []byte("x\n"), opts)
	if err != nil {
		t.Fatal(err)
	}
	if second.Reused {
		t.Error("dedupe disabled in config but result reused")
	}
	waitTerminal(t, m, second.JobID)
}

func TestRetryPreservesInput(t *testing.T) {
	m := newTestManager(t, "", nil, Config{DedupeEnabled: true})
	opts := model.DefaultJobOptions()
	opts.Dedupe = true
	orig, err := m.Submit(context.Background(), "weird.bin", []byte{0x00, 0xff, 0x10}, opts)
	if err != nil {
		t.Fatal(err)
	}
	failed := waitTerminal(t, m, orig.JobID)
	if failed.Status != model.StatusFailed {
		t.Fatalf("status = %s", failed.Status)
	}

	retried, err := m.Retry(context.Background(), orig.JobID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.JobID == orig.JobID {
		t.Fatal("retry must create a new job")
	}
	if retried.InputHash != failed.InputHash {
		t.Errorf("input hash changed: %s vs %s", retried.InputHash, failed.InputHash)
	}
	if retried.ParentJobID != orig.JobID {
		t.Errorf("parent = %q", retried.ParentJobID)
	}
	if retried.Options.Dedupe {
		t.Error("retry must disable dedupe")
	}
	waitTerminal(t, m, retried.JobID)

	if _, err := m.Retry(context.Background(), "job-missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Retry(missing) = %v", err)
	}
}

func TestRetryRejectsSucceeded(t *testing.T) {
	m := newTestManager(t, "", nil, Config{})
	rec, _ := m.Submit(context.Background(), "a.txt", []byte("ok\n"), model.DefaultJobOptions())
	waitTerminal(t, m, rec.JobID)
	if _, err := m.Retry(context.Background(), rec.JobID); !errors.Is(err, ErrNotRetriable) {
		t.Errorf("Retry(succeeded) = %v, want ErrNotRetriable", err)
	}
}

func TestCancelBeforeDispatch(t *testing.T) {
	started := make(chan string, 4)
	release := make(chan struct{})
	m := newTestManager(t, "", blockingRegistry(started, release), Config{Workers: 1})

	busy, err := m.Submit(context.Background(), "busy.txt", []byte("busy\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}
	<-started
	queued, err := m.Submit(context.Background(), "queued.txt", []byte("queued\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(context.Background(), queued.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	rec, err := m.GetStatus(queued.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.StatusCanceled || rec.Progress != 0 || rec.ErrorCode != pipeline.CodeCanceled {
		t.Errorf("canceled record = %s progress=%v code=%s", rec.Status, rec.Progress, rec.ErrorCode)
	}

	close(release)
	if done := waitTerminal(t, m, busy.JobID); done.Status != model.StatusSucceeded {
		t.Errorf("busy job = %s", done.Status)
	}
	waitIdle(t, m, queued.JobID)
	if _, err := os.Stat(m.Store().Layout().RunPaths(queued.JobID).OutputFile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("canceled job produced output: %v", err)
	}
	if rec, _ := m.GetStatus(queued.JobID); rec.Status != model.StatusCanceled || rec.Progress != 0 {
		t.Errorf("worker changed canceled record to %s/%v", rec.Status, rec.Progress)
	}
	if err := m.Cancel(context.Background(), queued.JobID); !errors.Is(err, ErrNotCancelable) {
		t.Errorf("second Cancel = %v, want ErrNotCancelable", err)
	}
	if err := m.Cancel(context.Background(), "job-nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Cancel(missing) = %v", err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	m := newTestManager(t, "", blockingRegistry(started, release), Config{Workers: 1})

	rec, err := m.Submit(context.Background(), "slow.txt", []byte("slow\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if err := m.Cancel(context.Background(), rec.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)
	waitIdle(t, m, rec.JobID)

	done, err := m.GetStatus(rec.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != model.StatusCanceled || done.Artifacts != nil {
		t.Errorf("got %s artifacts=%v", done.Status, done.Artifacts)
	}
	paths := m.Store().Layout().RunPaths(rec.JobID)
	for _, p := range []string{paths.OutputFile, paths.AssetsDir, paths.LockFile} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s should be purged: %v", filepath.Base(p), err)
		}
	}
	if _, err := os.Stat(paths.StatusFile); err != nil {
		t.Errorf("status.json must survive: %v", err)
	}
}

func TestQueueFullFailsJob(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	m := newTestManager(t, "", blockingRegistry(started, release), Config{Workers: 1, QueueDepth: 1})
	defer close(release)

	if _, err := m.Submit(context.Background(), "a.txt", []byte("a\n"), model.DefaultJobOptions()); err != nil {
		t.Fatal(err)
	}
	<-started
	if _, err := m.Submit(context.Background(), "b.txt", []byte("b\n"), model.DefaultJobOptions()); err != nil {
		t.Fatal(err)
	}
	rejected, err := m.Submit(context.Background(), "c.txt", []byte("c\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rejected.Status != model.StatusFailed || rejected.ErrorCode != CodeQueueFull {
		t.Errorf("rejected job = %s/%s", rejected.Status, rejected.ErrorCode)
	}
}

func TestDefectIsRecordedAndReported(t *testing.T) {
	reg := adapter.DefaultRegistry()
	reg.Register(detect.TypeTXT, adapter.Func(func(string, string) (adapter.Response, error) {
		panic("adapter bug")
	}))
	defects := make(chan string, 1)
	m := newTestManager(t, "", reg, Config{}, WithDefectHandler(func(_ context.Context, id string, err error) {
		defects <- id
	}))

	rec, err := m.Submit(context.Background(), "a.txt", []byte("a\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, m, rec.JobID)
	if done.Status != model.StatusFailed || done.ErrorCode != pipeline.CodeUnknown {
		t.Errorf("got %s/%s, want failed/UNKNOWN", done.Status, done.ErrorCode)
	}
	select {
	case id := <-defects:
		if id != rec.JobID {
			t.Errorf("defect handler got %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("defect handler not called")
	}
}

func TestStatusSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	first := newTestManager(t, root, nil, Config{})
	rec, err := first.Submit(context.Background(), "a.txt", []byte("persisted\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, first, rec.JobID)

	second := buildManager(t, root, nil, Config{})
	got, err := second.GetStatus(rec.JobID)
	if err != nil {
		t.Fatalf("GetStatus after restart: %v", err)
	}
	if got.Status != model.StatusSucceeded || got.Artifacts == nil {
		t.Errorf("restored record = %+v", got)
	}
	if _, err := second.GetStatus("job-unknown"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetStatus(unknown) = %v", err)
	}
	list := second.ListJobs(10)
	if len(list) == 0 || list[len(list)-1].JobID != rec.JobID {
		t.Errorf("ListJobs after restart = %d entries", len(list))
	}
}

func TestResumeQueuedJobs(t *testing.T) {
	root := t.TempDir()
	// Never started: the submission stays QUEUED on disk.
	stale := buildManager(t, root, nil, Config{})
	rec, err := stale.Submit(context.Background(), "late.txt", []byte("resume me\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := stale.GetStatus(rec.JobID); got.Status != model.StatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}

	m := newTestManager(t, root, nil, Config{ResumeQueued: true})
	if done := waitTerminal(t, m, rec.JobID); done.Status != model.StatusSucceeded {
		t.Errorf("resumed job = %s (%s)", done.Status, done.ErrorMessage)
	}
}

func TestCancelPersistedQueuedJob(t *testing.T) {
	root := t.TempDir()
	stale := buildManager(t, root, nil, Config{})
	rec, err := stale.Submit(context.Background(), "a.txt", []byte("a\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}
	m := buildManager(t, root, nil, Config{})
	if err := m.Cancel(context.Background(), rec.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := m.GetStatus(rec.JobID)
	if got.Status != model.StatusCanceled {
		t.Errorf("status = %s", got.Status)
	}
}

func TestExpireStaleJobs(t *testing.T) {
	m := newTestManager(t, "", nil, Config{})
	rec, err := m.Submit(context.Background(), "a.txt", []byte("old\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, rec.JobID)
	waitIdle(t, m, rec.JobID)

	if n, err := m.ExpireStaleJobs(context.Background()); err != nil || n != 0 {
		t.Fatalf("ExpireStaleJobs with retention off = %d, %v", n, err)
	}
	n, err := m.ExpireBefore(context.Background(), time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("ExpireBefore = %d, %v", n, err)
	}
	got, err := m.GetStatus(rec.JobID)
	if err != nil {
		t.Fatalf("expired status must stay readable: %v", err)
	}
	if got.Status != model.StatusExpired || got.Artifacts != nil {
		t.Errorf("expired record = %s artifacts=%v", got.Status, got.Artifacts)
	}
	if _, err := os.Stat(m.Store().Layout().RunPaths(rec.JobID).BaseDir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("run dir not removed: %v", err)
	}
	if n, _ := m.ExpireBefore(context.Background(), time.Now().Add(time.Hour)); n != 0 {
		t.Errorf("second pass expired %d", n)
	}

	retried, err := m.Retry(context.Background(), rec.JobID)
	if err != nil {
		t.Fatalf("Retry(expired): %v", err)
	}
	if done := waitTerminal(t, m, retried.JobID); done.Status != model.StatusSucceeded {
		t.Errorf("retry of expired job = %s", done.Status)
	}
}

func TestShutdownLetsRunningJobFinish(t *testing.T) {
	root := t.TempDir()
	started := make(chan string, 1)
	release := make(chan struct{})
	m := buildManager(t, root, blockingRegistry(started, release), Config{Workers: 1})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}

	running, err := m.Submit(context.Background(), "slow.txt", []byte("slow\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}
	<-started
	queued, err := m.Submit(context.Background(), "later.txt", []byte("later\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}

	// The process signal arrives while the adapter is busy.
	stop()
	shutdown := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown <- m.Shutdown(sctx)
	}()
	for !m.stopping.Load() {
		time.Sleep(time.Millisecond)
	}
	close(release)
	if err := <-shutdown; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	done, err := m.GetStatus(running.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != model.StatusSucceeded || done.Artifacts == nil {
		t.Fatalf("running job = %s/%s %s", done.Status, done.ErrorCode, done.ErrorMessage)
	}
	if _, err := os.Stat(done.Artifacts.OutputMDPath); err != nil {
		t.Errorf("output removed on shutdown: %v", err)
	}
	left, err := m.GetStatus(queued.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if left.Status != model.StatusQueued {
		t.Fatalf("unstarted job = %s, want queued", left.Status)
	}

	next := newTestManager(t, root, nil, Config{ResumeQueued: true})
	if got := waitTerminal(t, next, queued.JobID); got.Status != model.StatusSucceeded {
		t.Errorf("resumed job = %s (%s)", got.Status, got.ErrorMessage)
	}
}

func TestSubmitAfterShutdownStaysQueued(t *testing.T) {
	m := newTestManager(t, "", nil, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	rec, err := m.Submit(context.Background(), "a.txt", []byte("a\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.StatusQueued {
		t.Errorf("status = %s/%s, want queued", rec.Status, rec.ErrorCode)
	}
}

func TestFailedJobIsNotDedupeSource(t *testing.T) {
	m := newTestManager(t, "", nil, Config{DedupeEnabled: true})
	opts := model.DefaultJobOptions()
	opts.Dedupe = true
	data := []byte{0x00, 0x01, 0x02}

	first, err := m.Submit(context.Background(), "blob.xyz", data, opts)
	if err != nil {
		t.Fatal(err)
	}
	if done := waitTerminal(t, m, first.JobID); done.Status != model.StatusFailed {
		t.Fatalf("first job = %s", done.Status)
	}
	waitIdle(t, m, first.JobID)

	second, err := m.Submit(context.Background(), "blob.xyz", data, opts)
	if err != nil {
		t.Fatal(err)
	}
	if second.Reused || second.ParentJobID != "" {
		t.Fatalf("failed job reused: reused=%v parent=%q", second.Reused, second.ParentJobID)
	}
	if done := waitTerminal(t, m, second.JobID); done.Status != model.StatusFailed {
		t.Errorf("second job = %s", done.Status)
	}
}

func TestInFlightJobIsNotDedupeSource(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})
	m := newTestManager(t, "", blockingRegistry(started, release), Config{Workers: 2, DedupeEnabled: true})
	opts := model.DefaultJobOptions()
	opts.Dedupe = true
	data := []byte("identical\n")

	first, err := m.Submit(context.Background(), "a.txt", data, opts)
	if err != nil {
		t.Fatal(err)
	}
	<-started
	second, err := m.Submit(context.Background(), "a.txt", data, opts)
	if err != nil {
		t.Fatal(err)
	}
	if second.Reused || second.Status == model.StatusSucceeded {
		t.Fatalf("duplicate of a running job = %s reused=%v", second.Status, second.Reused)
	}
	// The duplicate is dispatched and reaches the adapter on its own.
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("duplicate was not dispatched")
	}
	close(release)
	for _, id := range []string{first.JobID, second.JobID} {
		if done := waitTerminal(t, m, id); done.Status != model.StatusSucceeded || done.Reused {
			t.Errorf("%s = %s reused=%v", id, done.Status, done.Reused)
		}
	}
}

// trackingMirror records QUEUED index events whose job had no handle yet.
type trackingMirror struct {
	m         *Manager
	mu        sync.Mutex
	untracked []string
}

func (tm *trackingMirror) MirrorRecord(_ context.Context, rec *model.JobRecord) error {
	if rec.Status != model.StatusQueued {
		return nil
	}
	if _, ok := tm.m.lookup(rec.JobID); !ok {
		tm.mu.Lock()
		tm.untracked = append(tm.untracked, rec.JobID)
		tm.mu.Unlock()
	}
	return nil
}

func TestQueuedRecordVisibleOnlyOnceTracked(t *testing.T) {
	m := newTestManager(t, "", nil, Config{})
	tm := &trackingMirror{m: m}
	m.Store().SetMirror(tm)

	for i := 0; i < 5; i++ {
		rec, err := m.Submit(context.Background(), "a.txt", []byte("a\n"), model.DefaultJobOptions())
		if err != nil {
			t.Fatal(err)
		}
		waitTerminal(t, m, rec.JobID)
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.untracked) != 0 {
		t.Errorf("queued records indexed before their handle: %v", tm.untracked)
	}
}

func TestConcurrentExpiryPassesExpireOnce(t *testing.T) {
	m := newTestManager(t, "", nil, Config{})
	rec, err := m.Submit(context.Background(), "a.txt", []byte("old\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, rec.JobID)
	waitIdle(t, m, rec.JobID)

	cutoff := time.Now().Add(time.Hour)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := m.ExpireBefore(context.Background(), cutoff)
			if err != nil {
				t.Errorf("ExpireBefore: %v", err)
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 1 {
		t.Errorf("expired %d times, want 1", total)
	}
	events := 0
	for _, r := range m.ListJobs(0) {
		if r.JobID == rec.JobID && r.Status == model.StatusExpired {
			events++
		}
	}
	if events != 1 {
		t.Errorf("EXPIRED index events = %d, want 1", events)
	}
}

func TestReuseKeepsTimestampsSeparate(t *testing.T) {
	m := newTestManager(t, "", nil, Config{DedupeEnabled: true})
	src, err := m.Submit(context.Background(), "a.txt", []byte("source\n"), model.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, src.JobID)

	rec := &model.JobRecord{
		JobID:       storage.NewJobID(),
		Status:      model.StatusQueued,
		SubmittedAt: model.Now(),
		Warnings:    []string{},
		Options:     model.RecordOptions{JobOptions: model.DefaultJobOptions(), SourceFilename: "a.txt"},
	}
	if _, err := m.reuse(context.Background(), rec, src.JobID); err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if rec.StartedAt == nil || rec.StartedAt == rec.SubmittedAt {
		t.Fatal("started_at must be its own copy of submitted_at")
	}
	if !rec.StartedAt.Equal(*rec.SubmittedAt) {
		t.Errorf("started_at %v != submitted_at %v", rec.StartedAt, rec.SubmittedAt)
	}
}

package storage

import (
	"os"
	"testing"
	"time"
)

func TestCleanRuns(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	ages := map[string]time.Duration{
		"run-new":    time.Hour,
		"run-old":    30 * 24 * time.Hour,
		"run-older":  40 * 24 * time.Hour,
		"run-locked": 50 * 24 * time.Hour,
	}
	for id, age := range ages {
		paths, err := store.Layout().EnsureRunPaths(id)
		if err != nil {
			t.Fatal(err)
		}
		if id == "run-locked" {
			if err := os.WriteFile(paths.LockFile, []byte("1"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		mod := now.Add(-age)
		if err := os.Chtimes(paths.BaseDir, mod, mod); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := store.CleanRuns(now.Add(-7*24*time.Hour), 1)
	if err != nil {
		t.Fatalf("CleanRuns: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed = %v, want run-old and run-older", removed)
	}
	for _, id := range []string{"run-new", "run-locked"} {
		if _, err := os.Stat(store.Layout().RunPaths(id).BaseDir); err != nil {
			t.Errorf("%s should survive: %v", id, err)
		}
	}
}

package storage

import (
	"fmt"
	"os"
	"sort"
	"time"
)

// CleanRuns removes run directories last modified before cutoff, always
// sparing the keep most recent runs and any run holding a lock marker. It
// returns the removed ids.
func (s *JobStore) CleanRuns(cutoff time.Time, keep int) ([]string, error) {
	ids, err := s.RunIDs()
	if err != nil {
		return nil, err
	}
	type run struct {
		id  string
		mod time.Time
	}
	runs := make([]run, 0, len(ids))
	for _, id := range ids {
		info, err := os.Stat(s.layout.RunPaths(id).BaseDir)
		if err != nil {
			continue
		}
		runs = append(runs, run{id: id, mod: info.ModTime()})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].mod.After(runs[j].mod) })

	var removed []string
	for i, r := range runs {
		if i < keep || !r.mod.Before(cutoff) {
			continue
		}
		if _, err := os.Stat(s.layout.RunPaths(r.id).LockFile); err == nil {
			continue
		}
		if err := s.RemoveRun(r.id); err != nil {
			return removed, fmt.Errorf("clean runs: %w", err)
		}
		removed = append(removed, r.id)
	}
	return removed, nil
}

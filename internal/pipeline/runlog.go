package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dharsanguruparan/markdrop/internal/model"
)

// runLogMu serializes appends so concurrent batch workers writing to the
// same single-run log never interleave lines.
var runLogMu sync.Mutex

// AppendRunLog appends entry as one JSON line to path.
func AppendRunLog(path string, entry model.RunLogEntry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Warnings == nil {
		entry.Warnings = []string{}
	}
	if entry.Assets == nil {
		entry.Assets = []string{}
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal run log entry: %w", err)
	}

	runLogMu.Lock()
	defer runLogMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// ReadRunLog decodes every entry in a run log.
func ReadRunLog(path string) ([]model.RunLogEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}
	var entries []model.RunLogEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e model.RunLogEntry
		if err := dec.Decode(&e); err != nil {
			return entries, fmt.Errorf("decode run log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRunID returns "<prefix>-<epoch ms>-<8 hex chars>". Ids sort by
// creation time within a prefix.
func NewRunID(prefix string) string {
	if prefix == "" {
		prefix = "run"
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), random)
}

// NewJobID returns "job-<uuid v7>". Version 7 UUIDs carry a millisecond
// timestamp prefix, so job ids sort by submission time.
func NewJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return NewRunID("job")
	}
	return "job-" + id.String()
}

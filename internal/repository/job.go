// Package repository mirrors the job index into Postgres so job history can
// be queried with SQL.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/markdrop/internal/model"
)

// ErrNotFound is returned by Get for unknown job ids.
var ErrNotFound = errors.New("job row not found")

// JobRow is one row of the jobs table.
type JobRow struct {
	JobID          string          `json:"jobId"`
	Status         model.JobStatus `json:"status"`
	Progress       float64         `json:"progress"`
	SourceFilename string          `json:"sourceFilename"`
	InputHash      string          `json:"inputHash,omitempty"`
	ParentJobID    *string         `json:"parentJobId,omitempty"`
	Reused         bool            `json:"reused"`
	ErrorCode      *string         `json:"errorCode,omitempty"`
	ErrorMessage   *string         `json:"errorMessage,omitempty"`
	OutputMDPath   *string         `json:"outputMdPath,omitempty"`
	SubmittedAt    *time.Time      `json:"submittedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// JobRepository wraps all SQL used to mirror job records.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository constructs a repository.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// MirrorRecord upserts the latest state of the job and appends the raw
// record to job_events in one transaction.
func (r *JobRepository) MirrorRecord(ctx context.Context, rec *model.JobRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	var outputPath *string
	if rec.Artifacts != nil {
		outputPath = &rec.Artifacts.OutputMDPath
	}
	now := time.Now().UTC()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mirror: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (job_id, status, progress, source_filename, input_hash, parent_job_id, reused,
			error_code, error_message, output_md_path, submitted_at, started_at, finished_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			parent_job_id = EXCLUDED.parent_job_id,
			reused = EXCLUDED.reused,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			output_md_path = EXCLUDED.output_md_path,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			updated_at = EXCLUDED.updated_at
	`, rec.JobID, rec.Status, rec.Progress, rec.Options.SourceFilename, rec.InputHash,
		nullable(rec.ParentJobID), rec.Reused, nullable(rec.ErrorCode), nullable(rec.ErrorMessage),
		outputPath, rec.SubmittedAt, rec.StartedAt, rec.FinishedAt, now)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO job_events (job_id, status, record, created_at) VALUES ($1,$2,$3,$4)
	`, rec.JobID, rec.Status, raw, now)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mirror: %w", err)
	}
	return nil
}

// Get returns the mirrored row of a job.
func (r *JobRepository) Get(ctx context.Context, jobID string) (*JobRow, error) {
	var (
		row       JobRow
		inputHash sql.NullString
	)
	err := r.pool.QueryRow(ctx, `
		SELECT job_id, status, progress, source_filename, input_hash, parent_job_id, reused,
			error_code, error_message, output_md_path, submitted_at, finished_at, updated_at
		FROM jobs WHERE job_id=$1
	`, jobID).Scan(&row.JobID, &row.Status, &row.Progress, &row.SourceFilename, &inputHash, &row.ParentJobID,
		&row.Reused, &row.ErrorCode, &row.ErrorMessage, &row.OutputMDPath, &row.SubmittedAt, &row.FinishedAt, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	row.InputHash = inputHash.String
	return &row, nil
}

// CountByStatus returns how many mirrored jobs are in each status.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[model.JobStatus]int)
	for rows.Next() {
		var (
			status model.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

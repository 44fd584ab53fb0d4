// Package postgres persists report jobs so runs can be inspected and
// SUCCEEDED jobs resumed from the download step.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/ecomm-report-extractor/internal/domain"
)

// JobRepo implements engine.JobStore against PostgreSQL.
type JobRepo struct{ db *sql.DB }

// NewJobRepo creates a Postgres-backed report job repository.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{db: db} }

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

const jobColumns = `id, retailer, report_type, params, status, attempts, created_at,
	       last_polled_at, result_locations, remote_status, failure_reason, synchronous`

// Save inserts the job or overwrites the stored copy.
func (r *JobRepo) Save(ctx context.Context, job *domain.ReportJob) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("encode job params: %w", err)
	}
	var polled sql.NullTime
	if job.LastPolledAt != nil {
		polled = sql.NullTime{Time: *job.LastPolledAt, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO report_jobs
			(id, retailer, report_type, params, status, attempts, created_at,
			 last_polled_at, result_locations, remote_status, failure_reason, synchronous, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			params = EXCLUDED.params,
			last_polled_at = EXCLUDED.last_polled_at,
			result_locations = EXCLUDED.result_locations,
			remote_status = EXCLUDED.remote_status,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = NOW()
	`, job.ID, job.Retailer, job.ReportType, params, string(job.Status), job.Attempts, job.CreatedAt,
		polled, pq.Array(job.ResultLocations), job.RemoteStatus, job.FailureReason, job.Synchronous)
	if err != nil {
		return fmt.Errorf("save report job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the stored job or domain.ErrJobNotFound.
func (r *JobRepo) Get(ctx context.Context, id string) (*domain.ReportJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM report_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report job %s: %w", id, err)
	}
	return job, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Retailer string
	Status   domain.JobStatus
	Limit    int
	Offset   int
}

// List returns the most recently created jobs first.
func (r *JobRepo) List(ctx context.Context, f ListFilter) ([]*domain.ReportJob, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	q := `SELECT ` + jobColumns + ` FROM report_jobs WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.Retailer != "" {
		q += fmt.Sprintf(" AND retailer = $%d", idx)
		args = append(args, f.Retailer)
		idx++
	}
	if f.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, string(f.Status))
		idx++
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list report jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.ReportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*domain.ReportJob, error) {
	var (
		job       domain.ReportJob
		params    []byte
		status    string
		polled    sql.NullTime
		locations pq.StringArray
	)
	if err := s.Scan(&job.ID, &job.Retailer, &job.ReportType, &params, &status, &job.Attempts,
		&job.CreatedAt, &polled, &locations, &job.RemoteStatus, &job.FailureReason, &job.Synchronous); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return nil, fmt.Errorf("decode params of job %s: %w", job.ID, err)
		}
	}
	job.Status = domain.JobStatus(status)
	if polled.Valid {
		t := polled.Time.UTC()
		job.LastPolledAt = &t
	}
	if len(locations) > 0 {
		job.ResultLocations = []string(locations)
	}
	job.CreatedAt = job.CreatedAt.UTC()
	return &job, nil
}

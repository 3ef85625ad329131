package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job repository errors.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobAlreadyExists = errors.New("job already recorded for this host")
)

// JobRecord is one submitted job in the history.
type JobRecord struct {
	ID            string
	JobID         string
	Name          string
	Host          string
	Script        string
	RemotePath    string
	Status        string
	RawStatus     string
	PollCount     int
	Inferred      bool
	ErrorDetected bool
	SubmittedAt   time.Time
	FinishedAt    *time.Time
	UpdatedAt     time.Time
}

// JobFilter narrows List results.
type JobFilter struct {
	Host   string
	Status string
	Limit  int
}

// JobRepository persists job history.
type JobRepository struct {
	db     *DB
	policy RetryPolicy
	now    func() time.Time
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db, policy: DefaultRetryPolicy, now: time.Now}
}

// Create records a newly submitted job, assigning ID when empty.
func (r *JobRepository) Create(ctx context.Context, job *JobRecord) error {
	if strings.TrimSpace(job.JobID) == "" {
		return errors.New("invalid job: job id is required")
	}
	if strings.TrimSpace(job.Host) == "" {
		return errors.New("invalid job: host is required")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := r.now().UTC()
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = now
	}
	job.UpdatedAt = now

	err := r.db.TransactionWithRetry(ctx, r.policy, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (
				id, job_id, name, host, script, remote_path, status, raw_status,
				poll_count, inferred, error_detected, submitted_at, finished_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			job.ID,
			job.JobID,
			job.Name,
			job.Host,
			job.Script,
			job.RemotePath,
			job.Status,
			job.RawStatus,
			job.PollCount,
			boolToInt(job.Inferred),
			boolToInt(job.ErrorDetected),
			formatTime(job.SubmittedAt),
			formatTimePtr(job.FinishedAt),
			formatTime(job.UpdatedAt),
		)
		return err
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrJobAlreadyExists
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// UpdateStatus stores the mutable monitoring fields of job.
func (r *JobRepository) UpdateStatus(ctx context.Context, job *JobRecord) error {
	job.UpdatedAt = r.now().UTC()

	var affected int64
	err := r.db.TransactionWithRetry(ctx, r.policy, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE jobs SET
				status = ?, raw_status = ?, poll_count = ?, inferred = ?,
				error_detected = ?, finished_at = ?, updated_at = ?
			WHERE id = ?
		`,
			job.Status,
			job.RawStatus,
			job.PollCount,
			boolToInt(job.Inferred),
			boolToInt(job.ErrorDetected),
			formatTimePtr(job.FinishedAt),
			formatTime(job.UpdatedAt),
			job.ID,
		)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

const jobColumns = `
	id, job_id, name, host, script, remote_path, status, raw_status,
	poll_count, inferred, error_detected, submitted_at, finished_at, updated_at`

// Get returns the record with the given row id.
func (r *JobRepository) Get(ctx context.Context, id string) (*JobRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// GetByJobID returns the record for a scheduler job id on host.
func (r *JobRepository) GetByJobID(ctx context.Context, host, jobID string) (*JobRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE host = ? AND job_id = ?`, host, jobID)
	return scanJob(row)
}

// List returns records newest first.
func (r *JobRepository) List(ctx context.Context, filter JobFilter) ([]*JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var where []string
	var args []any
	if filter.Host != "" {
		where = append(where, "host = ?")
		args = append(args, filter.Host)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY submitted_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*JobRecord, error) {
	var (
		job           JobRecord
		inferred      int
		errorDetected int
		submittedAt   string
		finishedAt    sql.NullString
		updatedAt     string
	)
	err := s.Scan(
		&job.ID,
		&job.JobID,
		&job.Name,
		&job.Host,
		&job.Script,
		&job.RemotePath,
		&job.Status,
		&job.RawStatus,
		&job.PollCount,
		&inferred,
		&errorDetected,
		&submittedAt,
		&finishedAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Inferred = inferred != 0
	job.ErrorDetected = errorDetected != 0
	if job.SubmittedAt, err = time.Parse(time.RFC3339Nano, submittedAt); err != nil {
		return nil, fmt.Errorf("parse submitted_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		job.FinishedAt = &t
	}
	return &job, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

package runner

import (
	"context"
	"errors"
	"sync"

	"github.com/tOgg1/slurmssh/internal/db"
	"github.com/tOgg1/slurmssh/internal/slurm"
)

// Recorder persists job progress.
type Recorder interface {
	Submitted(ctx context.Context, host string, job *slurm.Job) error
	Updated(ctx context.Context, host string, job *slurm.Job, logs *slurm.LogResult) error
}

// HistoryRecorder writes to the local job history database.
type HistoryRecorder struct {
	repo *db.JobRepository

	mu   sync.Mutex
	rows map[string]*db.JobRecord
}

// NewHistoryRecorder creates a recorder over repo.
func NewHistoryRecorder(repo *db.JobRepository) *HistoryRecorder {
	return &HistoryRecorder{repo: repo, rows: make(map[string]*db.JobRecord)}
}

func rowKey(host, jobID string) string {
	return host + "\x00" + jobID
}

// Submitted inserts the job.
func (h *HistoryRecorder) Submitted(ctx context.Context, host string, job *slurm.Job) error {
	rec := &db.JobRecord{
		JobID:       job.ID,
		Name:        job.Name,
		Host:        host,
		Script:      job.Script.OriginalPath,
		RemotePath:  job.Script.RemotePath,
		Status:      string(job.Status),
		SubmittedAt: job.SubmitTime,
	}
	if err := h.repo.Create(ctx, rec); err != nil {
		return err
	}
	h.mu.Lock()
	h.rows[rowKey(host, job.ID)] = rec
	h.mu.Unlock()
	return nil
}

// Updated stores the job's current monitoring state.
func (h *HistoryRecorder) Updated(ctx context.Context, host string, job *slurm.Job, logs *slurm.LogResult) error {
	h.mu.Lock()
	rec, ok := h.rows[rowKey(host, job.ID)]
	h.mu.Unlock()
	if !ok {
		existing, err := h.repo.GetByJobID(ctx, host, job.ID)
		switch {
		case errors.Is(err, db.ErrJobNotFound):
			if err := h.Submitted(ctx, host, job); err != nil {
				return err
			}
			h.mu.Lock()
			rec = h.rows[rowKey(host, job.ID)]
			h.mu.Unlock()
		case err != nil:
			return err
		default:
			rec = existing
			h.mu.Lock()
			h.rows[rowKey(host, job.ID)] = rec
			h.mu.Unlock()
		}
	}

	rec.Status = string(job.Status)
	rec.RawStatus = job.RawStatus
	rec.PollCount = job.PollCount
	rec.Inferred = job.Inferred
	if !job.FinishTime.IsZero() {
		t := job.FinishTime
		rec.FinishedAt = &t
	}
	if logs != nil {
		rec.ErrorDetected = logs.ErrorDetected
	}
	return h.repo.UpdateStatus(ctx, rec)
}

package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJobRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	submitted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &JobRecord{
		JobID:       "4242",
		Name:        "train",
		Host:        "login.cluster",
		Script:      "train.sh",
		RemotePath:  "/tmp/ssh-slurm/train_1a2b3c4d.sh",
		Status:      "PENDING",
		SubmittedAt: submitted,
	}
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected id to be assigned")
	}

	got, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.JobID != "4242" || got.Name != "train" || got.Host != "login.cluster" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.SubmittedAt.Equal(submitted) {
		t.Fatalf("submitted_at = %v, want %v", got.SubmittedAt, submitted)
	}
	if got.FinishedAt != nil {
		t.Fatalf("expected no finish time, got %v", got.FinishedAt)
	}

	byJobID, err := repo.GetByJobID(ctx, "login.cluster", "4242")
	if err != nil {
		t.Fatalf("GetByJobID failed: %v", err)
	}
	if byJobID.ID != job.ID {
		t.Fatalf("GetByJobID returned %s, want %s", byJobID.ID, job.ID)
	}
}

func TestJobRepository_CreateDuplicate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, &JobRecord{JobID: "1", Host: "h", Status: "PENDING"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := repo.Create(ctx, &JobRecord{JobID: "1", Host: "h", Status: "PENDING"})
	if !errors.Is(err, ErrJobAlreadyExists) {
		t.Fatalf("expected ErrJobAlreadyExists, got %v", err)
	}

	if err := repo.Create(ctx, &JobRecord{JobID: "1", Host: "other", Status: "PENDING"}); err != nil {
		t.Fatalf("same job id on another host should be accepted: %v", err)
	}
}

func TestJobRepository_CreateValidates(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	if err := repo.Create(context.Background(), &JobRecord{Host: "h"}); err == nil {
		t.Fatal("expected error for missing job id")
	}
	if err := repo.Create(context.Background(), &JobRecord{JobID: "1"}); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestJobRepository_UpdateStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	job := &JobRecord{JobID: "7", Host: "h", Name: "job_7", Status: "PENDING"}
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	finished := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	job.Status = "COMPLETED"
	job.PollCount = 5
	job.Inferred = true
	job.ErrorDetected = true
	job.FinishedAt = &finished
	if err := repo.UpdateStatus(ctx, job); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	got, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != "COMPLETED" || got.PollCount != 5 || !got.Inferred || !got.ErrorDetected {
		t.Fatalf("unexpected record after update: %+v", got)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Fatalf("finished_at = %v, want %v", got.FinishedAt, finished)
	}
}

func TestJobRepository_UpdateMissing(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	err := repo.UpdateStatus(context.Background(), &JobRecord{ID: "missing", Status: "FAILED"})
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobRepository_List(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []*JobRecord{
		{JobID: "1", Host: "a", Status: "COMPLETED", SubmittedAt: base},
		{JobID: "2", Host: "b", Status: "FAILED", SubmittedAt: base.Add(time.Minute)},
		{JobID: "3", Host: "a", Status: "COMPLETED", SubmittedAt: base.Add(2*time.Minute + 500*time.Millisecond)},
	}
	for _, r := range records {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter JobFilter
		want   []string
	}{
		{name: "all newest first", filter: JobFilter{}, want: []string{"3", "2", "1"}},
		{name: "by host", filter: JobFilter{Host: "a"}, want: []string{"3", "1"}},
		{name: "by status", filter: JobFilter{Status: "FAILED"}, want: []string{"2"}},
		{name: "limit", filter: JobFilter{Limit: 2}, want: []string{"3", "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			var ids []string
			for _, j := range jobs {
				ids = append(ids, j.JobID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("got %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", ids, tt.want)
				}
			}
		})
	}
}

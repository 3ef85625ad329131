package slurm

import (
	"regexp"
	"strings"
	"time"
)

// Status is the normalised state of a Slurm job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusCompleting Status = "COMPLETING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimeout    Status = "TIMEOUT"
	StatusUnknown    Status = "UNKNOWN"
)

// Terminal reports whether no further transition follows s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

var rawStates = map[string]Status{
	"PENDING":       StatusPending,
	"CONFIGURING":   StatusPending,
	"REQUEUED":      StatusPending,
	"REQUEUE_HOLD":  StatusPending,
	"REQUEUE_FED":   StatusPending,
	"RESV_DEL_HOLD": StatusPending,
	"RUNNING":       StatusRunning,
	"RESIZING":      StatusRunning,
	"SUSPENDED":     StatusRunning,
	"STOPPED":       StatusRunning,
	"SIGNALING":     StatusRunning,
	"STAGE_OUT":     StatusRunning,
	"COMPLETING":    StatusCompleting,
	"COMPLETED":     StatusCompleted,
	"FAILED":        StatusFailed,
	"NODE_FAIL":     StatusFailed,
	"OUT_OF_MEMORY": StatusFailed,
	"BOOT_FAIL":     StatusFailed,
	"DEADLINE":      StatusFailed,
	"PREEMPTED":     StatusFailed,
	"SPECIAL_EXIT":  StatusFailed,
	"CANCELLED":     StatusCancelled,
	"REVOKED":       StatusCancelled,
	"TIMEOUT":       StatusTimeout,
}

// ParseStatus maps a raw squeue/sacct state ("RUNNING", "CANCELLED by 123",
// "CANCELLED+") to a Status. ok is false for unrecognised input.
func ParseStatus(raw string) (Status, bool) {
	fields := strings.Fields(strings.ToUpper(raw))
	if len(fields) == 0 {
		return StatusUnknown, false
	}
	state := strings.TrimRight(fields[0], "+")
	status, ok := rawStates[state]
	if !ok {
		return StatusUnknown, false
	}
	return status, true
}

var jobIDPattern = regexp.MustCompile(`^\d+(_\d+)?$`)

// ValidJobID reports whether id looks like a Slurm job id (optionally an
// array task, "123_4").
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// Job is a submitted batch job. The monitor mutates Status, PollCount and
// LastKnown; identity fields never change after submission.
type Job struct {
	ID         string
	Name       string
	SubmitTime time.Time
	Script     StagedFile
	Status     Status
	PollCount  int

	// LastKnown is the last status reported by the scheduler itself,
	// never UNKNOWN.
	LastKnown Status

	// RawStatus is the scheduler's last unmapped state string.
	RawStatus string

	// Inferred is set when COMPLETED was concluded from the job vanishing
	// from squeue and sacct rather than reported by the scheduler.
	Inferred bool

	FinishTime time.Time
}

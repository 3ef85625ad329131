package slurm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tOgg1/slurmssh/internal/ssh"
)

// StatusReport is the outcome of one status query.
type StatusReport struct {
	Status Status

	// Raw is the scheduler's state string before mapping.
	Raw string

	// Found is false when neither squeue nor sacct knows the job.
	Found bool

	// Source names the command that answered ("squeue" or "sacct").
	Source string
}

// StatusQuerier asks squeue, then sacct, for a job's state.
type StatusQuerier struct {
	remote  Remote
	squeue  string
	sacct   string
	prelude string
}

// NewStatusQuerier creates a querier from resolved tools. sacct is optional.
func NewStatusQuerier(remote Remote, tools Tools, searchDirs []string) *StatusQuerier {
	squeue := tools.Path(ToolSqueue)
	if squeue == "" {
		squeue = ToolSqueue
	}
	return &StatusQuerier{
		remote:  remote,
		squeue:  squeue,
		sacct:   tools.Path(ToolSacct),
		prelude: EnvPrelude(searchDirs),
	}
}

// Query returns the job's current state. A job unknown to both commands
// yields Found=false and a nil error; transport failures, scheduler errors
// and unrecognised states are returned as errors.
func (q *StatusQuerier) Query(ctx context.Context, jobID string) (StatusReport, error) {
	if !ValidJobID(jobID) {
		return StatusReport{Status: StatusUnknown}, fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}

	raw, squeueErr := q.run(ctx, shellQuote(q.squeue)+" -j "+jobID+" -h -o %T")
	if squeueErr != nil && !isExitError(squeueErr) {
		return StatusReport{Status: StatusUnknown}, fmt.Errorf("squeue: %w", squeueErr)
	}
	if squeueErr != nil && isInvalidJobID(squeueErr) {
		squeueErr = nil
	}
	if raw != "" {
		return report(raw, "squeue")
	}

	if q.sacct != "" {
		raw, err := q.run(ctx, shellQuote(q.sacct)+" -j "+jobID+" -n -X -P -o State")
		if err != nil && !isExitError(err) {
			return StatusReport{Status: StatusUnknown}, fmt.Errorf("sacct: %w", err)
		}
		if err == nil && raw != "" {
			return report(raw, "sacct")
		}
		if err != nil && squeueErr != nil {
			return StatusReport{Status: StatusUnknown}, fmt.Errorf("squeue and sacct failed: %w", errors.Join(squeueErr, err))
		}
	}

	if squeueErr != nil {
		return StatusReport{Status: StatusUnknown}, fmt.Errorf("squeue: %w", squeueErr)
	}
	return StatusReport{Status: StatusUnknown}, nil
}

// QueryStatus performs a single status query with freshly resolved tools.
func QueryStatus(ctx context.Context, remote Remote, tools Tools, jobID string) (StatusReport, error) {
	if err := tools.Require(ToolSqueue); err != nil {
		return StatusReport{Status: StatusUnknown}, err
	}
	return NewStatusQuerier(remote, tools, nil).Query(ctx, jobID)
}

func (q *StatusQuerier) run(ctx context.Context, cmd string) (string, error) {
	stdout, stderr, err := q.remote.Exec(ctx, loginShell(q.prelude+" && "+cmd))
	if err != nil {
		var execErr *ssh.ExecError
		if errors.As(err, &execErr) && len(execErr.Stderr) == 0 {
			execErr.Stderr = stderr
		}
		return "", err
	}
	return firstLine(string(stdout)), nil
}

func report(raw, source string) (StatusReport, error) {
	status, ok := ParseStatus(raw)
	if !ok {
		return StatusReport{Status: StatusUnknown, Raw: raw, Found: true, Source: source},
			fmt.Errorf("%w: %q", ErrUnrecognizedStatus, raw)
	}
	return StatusReport{Status: status, Raw: raw, Found: true, Source: source}, nil
}

func isExitError(err error) bool {
	_, ok := ssh.ExitCode(err)
	return ok
}

// isInvalidJobID matches squeue's answer for ids that left the queue.
func isInvalidJobID(err error) bool {
	var execErr *ssh.ExecError
	if !errors.As(err, &execErr) {
		return false
	}
	return strings.Contains(strings.ToLower(string(execErr.Stderr)), "invalid job id")
}

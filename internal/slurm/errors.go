package slurm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyScriptPath    = errors.New("script path is empty")
	ErrInvalidJobID       = errors.New("invalid job id")
	ErrStatusUnavailable  = errors.New("job status unavailable")
	ErrUnrecognizedStatus = errors.New("unrecognized job status")
)

// ToolNotFoundError reports a scheduler executable no lookup strategy found.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("remote tool %q not found (tried login shell, common directories, captured environment)", e.Tool)
}

// RemoteFileNotFoundError reports a remote script path that is missing or unusable.
type RemoteFileNotFoundError struct {
	Path   string
	Reason string
}

func (e *RemoteFileNotFoundError) Error() string {
	return fmt.Sprintf("remote script %s: %s", e.Path, e.Reason)
}

// ScriptValidationError reports a remote shell script that fails `bash -n`.
type ScriptValidationError struct {
	Path   string
	Output string
}

func (e *ScriptValidationError) Error() string {
	return fmt.Sprintf("script %s has syntax errors: %s", e.Path, strings.TrimSpace(e.Output))
}

// InvalidEnvNameError reports an environment key that is not a shell identifier.
type InvalidEnvNameError struct {
	Name string
}

func (e *InvalidEnvNameError) Error() string {
	return fmt.Sprintf("invalid environment variable name %q", e.Name)
}

// SubmissionRejectedError reports sbatch exiting non-zero. Stderr is the
// scheduler's output, verbatim.
type SubmissionRejectedError struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *SubmissionRejectedError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	return fmt.Sprintf("sbatch rejected the job (exit=%d): %s", e.ExitCode, msg)
}

func (e *SubmissionRejectedError) Unwrap() error { return e.Err }

// Hint returns a remediation suggestion for the rejection.
func (e *SubmissionRejectedError) Hint() string {
	return submissionHint(e.Stderr)
}

// SubmissionParseError reports sbatch output without a job id.
type SubmissionParseError struct {
	Stdout string
}

func (e *SubmissionParseError) Error() string {
	return fmt.Sprintf("could not parse job id from sbatch output: %q", strings.TrimSpace(e.Stdout))
}

// CleanupWarning reports a staged file that could not be removed. It is
// returned as a value next to the job outcome and never fails a run.
type CleanupWarning struct {
	Path string
	Err  error
}

func (w *CleanupWarning) Error() string {
	return fmt.Sprintf("cleanup %s: %v", w.Path, w.Err)
}

func (w *CleanupWarning) Unwrap() error { return w.Err }

func submissionHint(stderr string) string {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "command not found"):
		return "sbatch is not on the remote PATH: check that Slurm is installed, try 'module load slurm', or add its bin directory to job.search_dirs"
	case strings.Contains(lower, "permission denied"):
		return "permission denied: check that your account has Slurm access and belongs to the right groups"
	case strings.Contains(lower, "invalid partition"):
		return "invalid partition: list partitions with 'sinfo' and fix the #SBATCH --partition directive"
	case strings.Contains(lower, "no space left"):
		return "the remote disk is full: check 'df -h' and clean up /tmp"
	default:
		return "check the #SBATCH directives, run 'bash -n' on the script and try a minimal job first"
	}
}

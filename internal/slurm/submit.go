package slurm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/slurmssh/internal/logging"
	"github.com/tOgg1/slurmssh/internal/ssh"
)

var submittedPattern = regexp.MustCompile(`Submitted batch job (\d+)`)

// SubmitterConfig configures a Submitter.
type SubmitterConfig struct {
	// Sbatch is the absolute path of sbatch on the remote host.
	Sbatch string

	// SearchDirs extend the PATH set up by the environment prelude.
	SearchDirs []string

	Logger *zerolog.Logger

	now func() time.Time
}

// Submitter runs sbatch for staged scripts.
type Submitter struct {
	remote  Remote
	sbatch  string
	prelude string
	logger  zerolog.Logger
	now     func() time.Time
}

// NewSubmitter creates a submitter bound to remote.
func NewSubmitter(remote Remote, cfg SubmitterConfig) *Submitter {
	logger := logging.Component("submitter")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	sbatch := cfg.Sbatch
	if sbatch == "" {
		sbatch = ToolSbatch
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	return &Submitter{
		remote:  remote,
		sbatch:  sbatch,
		prelude: EnvPrelude(cfg.SearchDirs),
		logger:  logger,
		now:     now,
	}
}

// BuildSubmitCommand renders the single remote command that exports env
// and runs sbatch in the same login shell, so the variables reach the
// scheduler's registration environment.
func BuildSubmitCommand(prelude, sbatch string, staged StagedFile, name string, env map[string]string) (string, error) {
	exports, err := exportEnv(env)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(exports)+2)
	if prelude != "" {
		parts = append(parts, prelude)
	}
	parts = append(parts, exports...)

	submit := shellQuote(sbatch)
	if name != "" {
		submit += " --job-name=" + shellQuote(name)
	}
	submit += " " + shellQuote(staged.RemotePath)
	parts = append(parts, submit)

	return loginShell(strings.Join(parts, " && ")), nil
}

// Submit runs sbatch and returns the job in PENDING state.
func (s *Submitter) Submit(ctx context.Context, staged StagedFile, name string, env map[string]string) (*Job, error) {
	cmd, err := BuildSubmitCommand(s.prelude, s.sbatch, staged, name, env)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("script", staged.RemotePath).
		Strs("env", logging.RedactEnv(env)).
		Msg("submitting job")

	stdout, stderr, err := s.remote.Exec(ctx, cmd)
	if err != nil {
		var execErr *ssh.ExecError
		if errors.As(err, &execErr) {
			return nil, &SubmissionRejectedError{
				ExitCode: execErr.ExitCode,
				Stdout:   string(stdout),
				Stderr:   string(stderr),
				Err:      err,
			}
		}
		return nil, fmt.Errorf("run sbatch: %w", err)
	}

	match := submittedPattern.FindSubmatch(stdout)
	if match == nil {
		return nil, &SubmissionParseError{Stdout: string(stdout)}
	}
	id := string(match[1])
	if name == "" {
		name = "job_" + id
	}

	job := &Job{
		ID:         id,
		Name:       name,
		SubmitTime: s.now(),
		Script:     staged,
		Status:     StatusPending,
		LastKnown:  StatusPending,
	}
	s.logger.Info().Str("job_id", id).Str("name", name).Msg("job submitted")
	return job, nil
}

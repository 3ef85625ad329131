// Package runner drives one batch job end to end over a single SSH
// connection: resolve tools, stage, submit, monitor, fetch logs, clean up.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/slurmssh/internal/logging"
	"github.com/tOgg1/slurmssh/internal/metrics"
	"github.com/tOgg1/slurmssh/internal/slurm"
	"github.com/tOgg1/slurmssh/internal/ssh"
)

// Session is an open connection the runner drives and then closes.
type Session interface {
	ssh.Executor
	ssh.FileTransfer
}

// Dialer opens a Session to target.
type Dialer func(ctx context.Context, target ssh.ResolvedTarget) (Session, error)

// SSHDialer dials with ssh.Open.
func SSHDialer(opts ...ssh.Option) Dialer {
	return func(ctx context.Context, target ssh.ResolvedTarget) (Session, error) {
		conn, err := ssh.Open(ctx, target, opts...)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Options configures one run.
type Options struct {
	JobName        string
	NoCleanup      bool
	NoMonitor      bool
	PollInterval   time.Duration
	Timeout        time.Duration
	StagingDir     string
	LogDir         string
	MaxNotFound    int
	MaxQueryErrors int
	MaxLogBytes    int64
	SearchDirs     []string
	SkipValidation bool

	// OnSubmitted is called once sbatch has accepted the job.
	OnSubmitted func(job *slurm.Job)

	// OnTransition is called on every status change while monitoring.
	OnTransition func(job *slurm.Job, from, to slurm.Status)
}

// Result is what a run produced. Fields are filled as far as the run got.
type Result struct {
	Job      *slurm.Job
	Logs     *slurm.LogResult
	Tools    slurm.Tools
	Warnings []error
}

// Runner executes jobs. It holds no per-run state and may be reused.
type Runner struct {
	dial     Dialer
	recorder Recorder
	metrics  *metrics.Collector
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithRecorder records submissions and status changes.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// WithMetrics reports run metrics to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) {
		r.metrics = c
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// New creates a Runner that connects with dial.
func New(dial Dialer, opts ...Option) *Runner {
	r := &Runner{
		dial:   dial,
		logger: logging.Component("runner"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run submits scriptPath on target and, unless NoMonitor is set, follows
// the job to a terminal state. The connection is opened once, shared by
// every stage and closed before Run returns; cancelling ctx closes it
// immediately.
func (r *Runner) Run(ctx context.Context, target ssh.ResolvedTarget, scriptPath string, opts Options) (*Result, error) {
	result := &Result{}
	host := target.Host
	logger := r.logger.With().Str("host", host).Logger()

	session, err := r.open(ctx, target)
	if err != nil {
		return result, err
	}
	defer session.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = session.Close()
	})
	defer stop()

	// Tools.
	done := r.stage(metrics.StageResolve)
	resolver := slurm.NewResolver(session, slurm.ResolverConfig{SearchDirs: opts.SearchDirs, Logger: &logger})
	tools, err := resolver.Resolve(ctx, append(append([]string{}, slurm.RequiredTools...), slurm.OptionalTools...)...)
	done()
	result.Tools = tools
	if err != nil {
		return result, err
	}
	if err := tools.Require(slurm.RequiredTools...); err != nil {
		return result, err
	}

	// Stage.
	done = r.stage(metrics.StageStage)
	stager := slurm.NewStager(session, slurm.StagerConfig{
		Dir:            opts.StagingDir,
		SkipValidation: opts.SkipValidation,
		Logger:         &logger,
	})
	staged, err := stager.Stage(ctx, scriptPath)
	done()
	if err != nil {
		return result, err
	}

	cleaner := slurm.NewCleaner(session, opts.NoCleanup || opts.NoMonitor, &logger)
	cleanup := func() {
		done := r.stage(metrics.StageCleanup)
		defer done()
		if w := cleaner.Cleanup(ctx, staged); w != nil {
			result.Warnings = append(result.Warnings, w)
		}
	}

	// Submit.
	done = r.stage(metrics.StageSubmit)
	submitter := slurm.NewSubmitter(session, slurm.SubmitterConfig{
		Sbatch:     tools.Path(slurm.ToolSbatch),
		SearchDirs: opts.SearchDirs,
		Logger:     &logger,
	})
	job, err := submitter.Submit(ctx, staged, opts.JobName, target.Env)
	done()
	if err != nil {
		if r.metrics != nil && ctx.Err() == nil {
			r.metrics.SubmissionFailed()
		}
		if ctx.Err() == nil {
			// The job never ran, so the upload is unused even without monitoring.
			if w := slurm.NewCleaner(session, opts.NoCleanup, &logger).Cleanup(ctx, staged); w != nil {
				result.Warnings = append(result.Warnings, w)
			}
		}
		return result, err
	}
	result.Job = job
	if r.metrics != nil {
		r.metrics.JobSubmitted()
	}
	r.record(ctx, result, func(ctx context.Context, rec Recorder) error { return rec.Submitted(ctx, host, job) })
	if opts.OnSubmitted != nil {
		opts.OnSubmitted(job)
	}
	jobLogger := logging.WithJob(logger, job.ID)

	if opts.NoMonitor {
		jobLogger.Info().Msg("monitoring disabled; leaving job to the scheduler")
		return result, nil
	}

	// Monitor.
	done = r.stage(metrics.StageMonitor)
	monitor := slurm.NewMonitor(slurm.NewStatusQuerier(session, tools, opts.SearchDirs), &jobLogger)
	job, err = monitor.Watch(ctx, job, slurm.MonitorOptions{
		Interval:       opts.PollInterval,
		Timeout:        opts.Timeout,
		MaxNotFound:    opts.MaxNotFound,
		MaxQueryErrors: opts.MaxQueryErrors,
		OnTransition: func(j *slurm.Job, from, to slurm.Status) {
			r.record(ctx, result, func(ctx context.Context, rec Recorder) error { return rec.Updated(ctx, host, j, nil) })
			if opts.OnTransition != nil {
				opts.OnTransition(j, from, to)
			}
		},
		OnPoll: func(_ *slurm.Job, status slurm.Status) {
			if r.metrics != nil {
				r.metrics.StatusPolled(string(status))
			}
		},
	})
	done()
	result.Job = job
	if err != nil {
		if r.metrics != nil {
			r.metrics.JobFinished(string(job.Status), false)
		}
		r.record(ctx, result, func(ctx context.Context, rec Recorder) error { return rec.Updated(ctx, host, job, nil) })
		if errors.Is(err, slurm.ErrStatusUnavailable) {
			cleanup()
		}
		return result, err
	}

	// Logs.
	done = r.stage(metrics.StageLogs)
	logs, err := slurm.NewLogRetriever(session, &jobLogger).Retrieve(ctx, job, slurm.LogOptions{
		LogDir:   opts.LogDir,
		Env:      target.Env,
		MaxBytes: opts.MaxLogBytes,
	})
	done()
	result.Logs = &logs
	if err != nil {
		return result, err
	}

	cleanup()

	if r.metrics != nil {
		r.metrics.JobFinished(string(job.Status), job.Inferred)
	}
	r.record(ctx, result, func(ctx context.Context, rec Recorder) error { return rec.Updated(ctx, host, job, &logs) })

	if job.Inferred {
		jobLogger.Warn().Str("last_known", string(job.LastKnown)).Msg("completion inferred; check the logs to confirm the outcome")
	}
	return result, nil
}

// Status performs a one-shot status query for jobID on target.
func (r *Runner) Status(ctx context.Context, target ssh.ResolvedTarget, jobID string, searchDirs []string) (slurm.StatusReport, error) {
	if !slurm.ValidJobID(jobID) {
		return slurm.StatusReport{Status: slurm.StatusUnknown}, fmt.Errorf("%w: %q", slurm.ErrInvalidJobID, jobID)
	}
	session, err := r.open(ctx, target)
	if err != nil {
		return slurm.StatusReport{Status: slurm.StatusUnknown}, err
	}
	defer session.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = session.Close()
	})
	defer stop()

	logger := r.logger.With().Str("host", target.Host).Logger()
	tools, err := slurm.NewResolver(session, slurm.ResolverConfig{SearchDirs: searchDirs, Logger: &logger}).
		Resolve(ctx, slurm.ToolSqueue, slurm.ToolSacct)
	if err != nil {
		return slurm.StatusReport{Status: slurm.StatusUnknown}, err
	}
	if err := tools.Require(slurm.ToolSqueue); err != nil {
		return slurm.StatusReport{Status: slurm.StatusUnknown}, err
	}
	return slurm.NewStatusQuerier(session, tools, searchDirs).Query(ctx, jobID)
}

func (r *Runner) open(ctx context.Context, target ssh.ResolvedTarget) (Session, error) {
	done := r.stage(metrics.StageConnect)
	defer done()
	session, err := r.dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	return session, nil
}

// stage starts timing a stage; the returned func records it.
func (r *Runner) stage(name string) func() {
	start := r.now()
	return func() {
		if r.metrics != nil {
			r.metrics.ObserveStage(name, r.now().Sub(start))
		}
	}
}

// record runs fn against the recorder, turning failures into warnings.
// History is written even after ctx is cancelled so an interrupted run
// keeps its last observed state.
func (r *Runner) record(ctx context.Context, result *Result, fn func(context.Context, Recorder) error) {
	if r.recorder == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx), r.recorder); err != nil {
		r.logger.Warn().Err(err).Msg("failed to record job history")
		result.Warnings = append(result.Warnings, fmt.Errorf("record history: %w", err))
	}
}

package slurm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/slurmssh/internal/logging"
)

const (
	DefaultPollInterval   = 10 * time.Second
	DefaultMaxNotFound    = 3
	DefaultMaxQueryErrors = 20
)

// StatusSource answers status queries for the monitor.
type StatusSource interface {
	Query(ctx context.Context, jobID string) (StatusReport, error)
}

// MonitorOptions configures one Monitor call.
type MonitorOptions struct {
	// Interval between polls (default DefaultPollInterval). The first poll
	// happens immediately.
	Interval time.Duration

	// Timeout bounds total monitoring time; zero monitors until a terminal
	// state or cancellation.
	Timeout time.Duration

	// MaxNotFound is how many consecutive "job not found" answers are
	// reported as UNKNOWN before the job is presumed COMPLETED.
	MaxNotFound int

	// MaxQueryErrors is how many consecutive failed queries are tolerated
	// before monitoring gives up with ErrStatusUnavailable.
	MaxQueryErrors int

	// OnTransition is called whenever the job's status changes.
	OnTransition func(job *Job, from, to Status)

	// OnPoll is called after every poll with the status it produced.
	OnPoll func(job *Job, status Status)
}

func (o MonitorOptions) withDefaults() MonitorOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.MaxNotFound <= 0 {
		o.MaxNotFound = DefaultMaxNotFound
	}
	if o.MaxQueryErrors <= 0 {
		o.MaxQueryErrors = DefaultMaxQueryErrors
	}
	return o
}

// Monitor polls a job until it reaches a terminal state.
//
// A job that neither squeue nor sacct knows is reported UNKNOWN for
// MaxNotFound consecutive polls and then presumed COMPLETED with
// Job.Inferred set. A job that finished and was purged from accounting is
// indistinguishable from one that never ran, so callers should treat an
// inferred completion as lower confidence and check the job's logs.
type Monitor struct {
	source StatusSource
	logger zerolog.Logger
	now    func() time.Time
}

// NewMonitor creates a monitor over source.
func NewMonitor(source StatusSource, logger *zerolog.Logger) *Monitor {
	l := logging.Component("monitor")
	if logger != nil {
		l = *logger
	}
	return &Monitor{
		source: source,
		logger: l,
		now:    time.Now,
	}
}

// Watch mutates and returns job. On cancellation it returns ctx.Err() with
// the job as last observed.
func (m *Monitor) Watch(ctx context.Context, job *Job, opts MonitorOptions) (*Job, error) {
	opts = opts.withDefaults()
	logger := logging.WithJob(m.logger, job.ID)

	set := func(status Status) {
		if job.Status == status {
			return
		}
		from := job.Status
		job.Status = status
		logger.Info().Str("from", string(from)).Str("to", string(status)).Int("poll", job.PollCount).Msg("job status changed")
		if opts.OnTransition != nil {
			opts.OnTransition(job, from, status)
		}
	}
	finish := func() {
		job.FinishTime = m.now()
	}

	start := m.now()
	notFound := 0
	queryErrors := 0

	for first := true; ; first = false {
		if !first {
			wait := opts.Interval
			if opts.Timeout > 0 {
				if left := opts.Timeout - m.now().Sub(start); left < wait {
					wait = max(left, 0)
				}
			}
			if err := sleepWithContext(ctx, wait); err != nil {
				return job, err
			}
		}

		report, err := m.source.Query(ctx, job.ID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return job, ctxErr
		}
		job.PollCount++

		switch {
		case err != nil:
			queryErrors++
			logger.Warn().Err(err).Int("consecutive", queryErrors).Msg("status query failed")
			set(StatusUnknown)
			if queryErrors >= opts.MaxQueryErrors {
				m.observe(opts, job)
				return job, fmt.Errorf("%w: %d consecutive failed queries: %v", ErrStatusUnavailable, queryErrors, err)
			}

		case !report.Found:
			queryErrors = 0
			notFound++
			if notFound > opts.MaxNotFound {
				job.Inferred = true
				set(StatusCompleted)
				finish()
				m.observe(opts, job)
				logger.Warn().
					Int("misses", notFound-1).
					Str("last_known", string(job.LastKnown)).
					Msg("job no longer known to the scheduler; presuming completion")
				return job, nil
			}
			set(StatusUnknown)

		default:
			queryErrors = 0
			notFound = 0
			job.RawStatus = report.Raw
			job.LastKnown = report.Status
			set(report.Status)
			if report.Status.Terminal() {
				finish()
				m.observe(opts, job)
				return job, nil
			}
		}

		m.observe(opts, job)

		if opts.Timeout > 0 && m.now().Sub(start) >= opts.Timeout {
			logger.Warn().Dur("timeout", opts.Timeout).Msg("monitoring timed out")
			set(StatusTimeout)
			finish()
			return job, nil
		}
	}
}

func (m *Monitor) observe(opts MonitorOptions, job *Job) {
	if opts.OnPoll != nil {
		opts.OnPoll(job, job.Status)
	}
}

// sleepWithContext waits for d or until ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

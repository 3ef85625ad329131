package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/slurmssh/internal/db"
	"github.com/tOgg1/slurmssh/internal/logging"
	"github.com/tOgg1/slurmssh/internal/metrics"
	"github.com/tOgg1/slurmssh/internal/runner"
	"github.com/tOgg1/slurmssh/internal/slurm"
	"github.com/tOgg1/slurmssh/internal/target"
)

type submitFlags struct {
	conn connectionFlags

	jobName        string
	pollInterval   string
	timeout        string
	noMonitor      bool
	noCleanup      bool
	noHistory      bool
	skipValidation bool
	env            []string
	envLocal       []string
	stagingDir     string
	logDir         string
	metricsAddr    string
}

func newSubmitCmd(a *app) *cobra.Command {
	f := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit SCRIPT",
		Short: "Submit a batch script and follow it to completion",
		Long: "Submit a batch script with sbatch and poll the job until it finishes, then print its logs.\n\n" +
			"A relative SCRIPT is a local file that is uploaded first; an absolute SCRIPT names a file " +
			"already on the cluster.",
		Example: "  slurmssh submit train.sh -H gpu-cluster\n" +
			"  slurmssh submit /home/alice/jobs/run.sh -p lab --no-monitor\n" +
			"  slurmssh submit train.sh --hostname login.example.org --username alice --key-file ~/.ssh/id_ed25519 --env EPOCHS=10",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSubmit(cmd.Context(), f, args[0])
		},
	}

	flags := cmd.Flags()
	f.conn.register(flags)
	flags.StringVar(&f.jobName, "job-name", "", "job name passed to sbatch")
	flags.StringVarP(&f.pollInterval, "poll-interval", "i", "", "status polling interval, seconds or duration (default from config, 10s)")
	flags.StringVar(&f.timeout, "timeout", "", "stop monitoring after this long, seconds or duration")
	flags.BoolVar(&f.noMonitor, "no-monitor", false, "submit without monitoring")
	flags.BoolVar(&f.noCleanup, "no-cleanup", false, "keep the uploaded script on the cluster")
	flags.BoolVar(&f.noHistory, "no-history", false, "do not record the job in the local history")
	flags.BoolVar(&f.skipValidation, "skip-validation", false, "skip checks on remote scripts")
	flags.StringArrayVar(&f.env, "env", nil, "KEY=VALUE exported to the job (repeatable)")
	flags.StringArrayVar(&f.envLocal, "env-local", nil, "local variable exported to the job (repeatable)")
	flags.StringVar(&f.stagingDir, "staging-dir", "", "remote directory for uploaded scripts")
	flags.StringVar(&f.logDir, "log-dir", "", "remote directory searched for job logs")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	return cmd
}

func (a *app) runSubmit(ctx context.Context, f *submitFlags, script string) error {
	cfg := a.cfg
	logger := logging.Component("submit")

	opts, err := f.options(a)
	if err != nil {
		return err
	}

	env, err := target.ParseEnvAssignments(f.env)
	if err != nil {
		return err
	}
	resolved, err := a.resolve(&f.conn, env, f.envLocal)
	if err != nil {
		return err
	}
	for _, name := range resolved.MissingLocal {
		fmt.Fprintf(a.stderr, "Warning: local environment variable %q is not set\n", name)
	}
	logger.Debug().
		Str("target", resolved.Target.String()).
		Str("source", string(resolved.Source)).
		Strs("env", target.EnvKeys(resolved.Target.Env)).
		Msg("resolved target")

	dial, err := a.dialer()
	if err != nil {
		return err
	}
	runnerOpts := []runner.Option{runner.WithLogger(logging.Component("runner"))}

	if cfg.History.Enabled && !f.noHistory {
		store, err := db.Open(ctx, cfg.HistoryPath())
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.HistoryPath()).Msg("job history disabled")
		} else {
			defer store.Close()
			runnerOpts = append(runnerOpts, runner.WithRecorder(runner.NewHistoryRecorder(db.NewJobRepository(store))))
		}
	}

	metricsAddr := f.metricsAddr
	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		collector := metrics.NewCollector()
		srv, err := metrics.Listen(ctx, metricsAddr, collector, logging.Component("metrics"))
		if err != nil {
			return fmt.Errorf("start metrics endpoint: %w", err)
		}
		defer func() {
			_ = srv.Shutdown(context.WithoutCancel(ctx))
		}()
		fmt.Fprintf(a.stderr, "Metrics: http://%s/metrics\n", srv.Addr())
		runnerOpts = append(runnerOpts, runner.WithMetrics(collector))
	}

	out := a.stdout
	color := isTerminal(out)
	opts.OnSubmitted = func(job *slurm.Job) {
		fmt.Fprintf(out, "Job submitted: %s\n", job.ID)
		if !opts.NoMonitor {
			fmt.Fprintf(out, "Monitoring job %s...\n", job.ID)
		}
	}
	opts.OnTransition = func(job *slurm.Job, from, to slurm.Status) {
		fmt.Fprintf(out, "Job %s: %s -> %s\n", job.ID, colorStatus(string(from), color), colorStatus(string(to), color))
	}

	result, err := runner.New(dial, runnerOpts...).Run(ctx, resolved.Target, script, opts)
	for _, w := range result.Warnings {
		fmt.Fprintf(a.stderr, "Warning: %v\n", w)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && result.Job != nil {
			fmt.Fprintf(a.stderr, "Stopped monitoring job %s; it keeps running on the cluster.\n", result.Job.ID)
		}
		return err
	}

	job := result.Job
	if opts.NoMonitor {
		printNextSteps(out, HintContext{Action: "submit_detached", JobID: job.ID, Connection: f.conn.describe()})
		return nil
	}

	status := colorStatus(string(job.Status), color)
	if job.Inferred {
		status += " (inferred: the job left the queue and accounting has no record)"
	}
	fmt.Fprintf(out, "Job %s finished with status: %s\n", job.ID, status)
	if result.Logs != nil {
		printLogs(out, *result.Logs)
	}
	printNextSteps(out, HintContext{Action: "submit", JobID: job.ID, Connection: f.conn.describe(), Inferred: job.Inferred})
	return nil
}

// options merges flags over the job config section.
func (f *submitFlags) options(a *app) (runner.Options, error) {
	cfg := a.cfg.Job
	opts := runner.Options{
		JobName:        f.jobName,
		NoCleanup:      f.noCleanup || !cfg.Cleanup,
		NoMonitor:      f.noMonitor,
		PollInterval:   cfg.PollInterval,
		Timeout:        cfg.Timeout,
		StagingDir:     cfg.StagingDir,
		LogDir:         cfg.LogDir,
		MaxNotFound:    cfg.MaxNotFound,
		MaxQueryErrors: cfg.MaxQueryErrors,
		SearchDirs:     cfg.SearchDirs,
		SkipValidation: f.skipValidation,
	}
	if f.pollInterval != "" {
		d, err := parseDuration(f.pollInterval)
		if err != nil {
			return opts, fmt.Errorf("--poll-interval: %w", err)
		}
		if d <= 0 {
			return opts, errors.New("--poll-interval must be positive")
		}
		opts.PollInterval = d
	}
	if f.timeout != "" {
		d, err := parseDuration(f.timeout)
		if err != nil {
			return opts, fmt.Errorf("--timeout: %w", err)
		}
		opts.Timeout = d
	}
	if f.stagingDir != "" {
		if !slurm.IsRemotePath(f.stagingDir) {
			return opts, errors.New("--staging-dir must be an absolute remote path")
		}
		opts.StagingDir = f.stagingDir
	}
	if f.logDir != "" {
		opts.LogDir = f.logDir
	}
	return opts, nil
}

func printLogs(w io.Writer, logs slurm.LogResult) {
	if !logs.Found() {
		fmt.Fprintln(w, "No log files found.")
		return
	}
	section := func(label, path, content string) {
		if path == "" {
			return
		}
		fmt.Fprintf(w, "\n--- %s (%s) ---\n", label, path)
		if content == "" {
			fmt.Fprintln(w, "(empty)")
			return
		}
		fmt.Fprint(w, content)
		if !strings.HasSuffix(content, "\n") {
			fmt.Fprintln(w)
		}
	}
	section("stdout", logs.StdoutPath, logs.Stdout)
	section("stderr", logs.StderrPath, logs.Stderr)
	if logs.ErrorDetected {
		fmt.Fprintln(w, "\nErrors detected in job output.")
	}
}

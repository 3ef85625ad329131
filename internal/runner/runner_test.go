package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/slurmssh/internal/db"
	"github.com/tOgg1/slurmssh/internal/metrics"
	"github.com/tOgg1/slurmssh/internal/slurm"
	"github.com/tOgg1/slurmssh/internal/ssh"
	"github.com/tOgg1/slurmssh/internal/testutil"
)

const testHost = "login.cluster"

func testTarget() ssh.ResolvedTarget {
	return ssh.ResolvedTarget{
		Host:    testHost,
		User:    "alice",
		KeyPath: "/home/alice/.ssh/id_ed25519",
		Env:     map[string]string{"PROJECT": "demo"},
	}
}

// clusterSession answers like a login node with sbatch, squeue and sacct
// in /usr/bin. squeue reports states in order, repeating the last one.
func clusterSession(states ...string) *fakeSession {
	s := newFakeSession()
	s.on("command -v sbatch", reply{stdout: "/usr/bin/sbatch\n"})
	s.on("command -v squeue", reply{stdout: "/usr/bin/squeue\n"})
	s.on("command -v sacct", reply{stdout: "/usr/bin/sacct\n"})
	s.on("/usr/bin/sbatch", reply{stdout: "Submitted batch job 4242\n"})

	replies := make([]reply, 0, len(states))
	for _, st := range states {
		replies = append(replies, reply{stdout: st + "\n"})
	}
	if len(replies) == 0 {
		replies = append(replies, reply{})
	}
	s.on("/usr/bin/squeue", replies...)
	s.on("/usr/bin/sacct", reply{})

	s.on("slurm-4242.out", reply{stdout: "/tmp/ssh-slurm/slurm-4242.out\n"})
	s.on("slurm-4242.err", reply{})
	s.on("head -c", reply{stdout: "hello\n"})
	return s
}

// writeScript creates train.sh in a fresh working directory and returns
// its relative path, since absolute paths name remote scripts.
func writeScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	chdirForTest(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.sh"), []byte("#!/bin/bash\necho hello\n"), 0o644))
	return "train.sh"
}

func newTestRunner(s *fakeSession, opts ...Option) *Runner {
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	return New(dialerFor(s), opts...)
}

func fastOptions() Options {
	return Options{
		JobName:      "train",
		PollInterval: time.Millisecond,
	}
}

// metricValue sums every sample of the named counter or gauge.
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

type recorded struct {
	kind   string
	status slurm.Status
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []recorded
	err    error
}

func (m *memoryRecorder) Submitted(ctx context.Context, host string, job *slurm.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recorded{kind: "submitted", status: job.Status})
	return m.err
}

func (m *memoryRecorder) Updated(ctx context.Context, host string, job *slurm.Job, logs *slurm.LogResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recorded{kind: "updated", status: job.Status})
	return m.err
}

func (m *memoryRecorder) snapshot() []recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recorded(nil), m.events...)
}

func TestRunCompletesJob(t *testing.T) {
	session := clusterSession("PENDING", "RUNNING", "COMPLETED")
	collector := metrics.NewCollector()
	rec := &memoryRecorder{}
	r := newTestRunner(session, WithMetrics(collector), WithRecorder(rec))

	var transitions []slurm.Status
	var submitted *slurm.Job
	opts := fastOptions()
	opts.OnSubmitted = func(job *slurm.Job) { submitted = job }
	opts.OnTransition = func(_ *slurm.Job, _, to slurm.Status) { transitions = append(transitions, to) }

	result, err := r.Run(context.Background(), testTarget(), writeScript(t), opts)
	require.NoError(t, err)

	require.NotNil(t, submitted)
	assert.Equal(t, "4242", submitted.ID)

	job := result.Job
	require.NotNil(t, job)
	assert.Equal(t, "train", job.Name)
	assert.Equal(t, slurm.StatusCompleted, job.Status)
	assert.False(t, job.Inferred)
	assert.Equal(t, 3, job.PollCount)
	assert.False(t, job.FinishTime.IsZero())
	assert.Equal(t, []slurm.Status{slurm.StatusRunning, slurm.StatusCompleted}, transitions)

	require.NotNil(t, result.Logs)
	assert.Equal(t, "/tmp/ssh-slurm/slurm-4242.out", result.Logs.StdoutPath)
	assert.Equal(t, "hello\n", result.Logs.Stdout)
	assert.Empty(t, result.Logs.StderrPath)
	assert.False(t, result.Logs.ErrorDetected)
	assert.Empty(t, result.Warnings)

	assert.Equal(t, "/usr/bin/sbatch", result.Tools.Path(slurm.ToolSbatch))
	assert.Equal(t, "/usr/bin/sacct", result.Tools.Path(slurm.ToolSacct))
	assert.Empty(t, result.Tools.Path(slurm.ToolScancel))

	assert.Equal(t, 1, session.count("export PROJECT="), "env exported with sbatch")
	assert.Equal(t, 1, session.count("/usr/bin/sbatch"))
	assert.Zero(t, session.fileCount(), "staged script removed")
	assert.Len(t, session.removed, 1)
	assert.True(t, session.isClosed())

	reg := collector.Registry()
	assert.Equal(t, 1.0, metricValue(t, reg, "slurmssh_jobs_submitted_total"))
	assert.Equal(t, 1.0, metricValue(t, reg, "slurmssh_jobs_finished_total"))
	assert.Equal(t, 3.0, metricValue(t, reg, "slurmssh_status_polls_total"))
	assert.Equal(t, 0.0, metricValue(t, reg, "slurmssh_jobs_in_flight"))

	events := rec.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, recorded{kind: "submitted", status: slurm.StatusPending}, events[0])
	assert.Equal(t, recorded{kind: "updated", status: slurm.StatusCompleted}, events[len(events)-1])
}

func TestRunRequiresSbatch(t *testing.T) {
	session := newFakeSession()
	session.on("command -v squeue", reply{stdout: "/usr/bin/squeue\n"})

	result, err := newTestRunner(session).Run(context.Background(), testTarget(), writeScript(t), fastOptions())
	require.Error(t, err)

	var notFound *slurm.ToolNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, slurm.ToolSbatch, notFound.Tool)
	assert.Nil(t, result.Job)
	assert.Zero(t, session.fileCount(), "nothing staged")
	assert.True(t, session.isClosed())
}

func TestRunSubmissionRejected(t *testing.T) {
	tests := []struct {
		name      string
		noCleanup bool
		wantFiles int
	}{
		{name: "cleans staged script", wantFiles: 0},
		{name: "keeps staged script with no cleanup", noCleanup: true, wantFiles: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := clusterSession("RUNNING")
			session.on("/usr/bin/sbatch", reply{stderr: "sbatch: error: invalid partition specified\n", exit: 1})
			collector := metrics.NewCollector()

			opts := fastOptions()
			opts.NoCleanup = tt.noCleanup
			result, err := newTestRunner(session, WithMetrics(collector)).Run(context.Background(), testTarget(), writeScript(t), opts)

			var rejected *slurm.SubmissionRejectedError
			require.ErrorAs(t, err, &rejected)
			assert.Equal(t, 1, rejected.ExitCode)
			assert.Contains(t, rejected.Stderr, "invalid partition")
			assert.Nil(t, result.Job)
			assert.Equal(t, tt.wantFiles, session.fileCount())
			assert.Zero(t, session.count("/usr/bin/squeue"))
			assert.Equal(t, 1.0, metricValue(t, collector.Registry(), "slurmssh_submission_errors_total"))
		})
	}
}

func TestRunWithoutMonitoring(t *testing.T) {
	session := clusterSession("RUNNING")

	opts := fastOptions()
	opts.NoMonitor = true
	result, err := newTestRunner(session).Run(context.Background(), testTarget(), writeScript(t), opts)
	require.NoError(t, err)

	require.NotNil(t, result.Job)
	assert.Equal(t, slurm.StatusPending, result.Job.Status)
	assert.Nil(t, result.Logs)
	assert.Zero(t, session.count("/usr/bin/squeue"))
	assert.Equal(t, 1, session.fileCount(), "script left for the scheduler")
	assert.True(t, session.isClosed())
}

func TestRunCancelledWhileMonitoring(t *testing.T) {
	session := clusterSession("RUNNING")
	rec := &memoryRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := fastOptions()
	opts.OnSubmitted = func(*slurm.Job) { cancel() }
	result, err := newTestRunner(session, WithRecorder(rec)).Run(ctx, testTarget(), writeScript(t), opts)
	require.ErrorIs(t, err, context.Canceled)

	require.NotNil(t, result.Job)
	assert.Equal(t, slurm.StatusPending, result.Job.Status)
	assert.True(t, session.isClosed())
	assert.Nil(t, result.Logs)

	events := rec.snapshot()
	require.Len(t, events, 2, "history written after cancellation")
	assert.Equal(t, "updated", events[1].kind)
}

func TestRunInfersCompletion(t *testing.T) {
	session := clusterSession()
	session.on("slurm-4242.out", reply{})
	collector := metrics.NewCollector()

	opts := fastOptions()
	opts.MaxNotFound = 2
	result, err := newTestRunner(session, WithMetrics(collector)).Run(context.Background(), testTarget(), writeScript(t), opts)
	require.NoError(t, err)

	job := result.Job
	assert.Equal(t, slurm.StatusCompleted, job.Status)
	assert.True(t, job.Inferred)
	assert.Equal(t, 3, job.PollCount)
	require.NotNil(t, result.Logs)
	assert.False(t, result.Logs.Found())
	assert.Equal(t, 1.0, metricValue(t, collector.Registry(), "slurmssh_jobs_inferred_completed_total"))
}

func TestRunGivesUpOnUnavailableStatus(t *testing.T) {
	session := clusterSession()
	session.on("/usr/bin/squeue", reply{stderr: "slurm_load_jobs error: Unable to contact slurm controller\n", exit: 1})
	session.on("/usr/bin/sacct", reply{stderr: "sacct: error: slurmdbd unreachable\n", exit: 1})

	opts := fastOptions()
	opts.MaxQueryErrors = 3
	result, err := newTestRunner(session).Run(context.Background(), testTarget(), writeScript(t), opts)
	require.ErrorIs(t, err, slurm.ErrStatusUnavailable)

	assert.Equal(t, slurm.StatusUnknown, result.Job.Status)
	assert.Equal(t, slurm.StatusPending, result.Job.LastKnown)
	assert.Zero(t, session.fileCount(), "staged script removed after giving up")
}

func TestRunRecordFailureIsWarning(t *testing.T) {
	session := clusterSession("COMPLETED")
	rec := &memoryRecorder{err: errors.New("disk full")}

	result, err := newTestRunner(session, WithRecorder(rec)).Run(context.Background(), testTarget(), writeScript(t), fastOptions())
	require.NoError(t, err)
	require.NotEmpty(t, result.Warnings)
	assert.ErrorContains(t, result.Warnings[0], "disk full")
}

func TestRunDialError(t *testing.T) {
	boom := errors.New("no route to host")
	r := New(func(context.Context, ssh.ResolvedTarget) (Session, error) {
		return nil, boom
	}, WithLogger(zerolog.Nop()))

	result, err := r.Run(context.Background(), testTarget(), writeScript(t), fastOptions())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "connect to")
	assert.Nil(t, result.Job)
}

func TestStatus(t *testing.T) {
	session := clusterSession("RUNNING")

	report, err := newTestRunner(session).Status(context.Background(), testTarget(), "4242", nil)
	require.NoError(t, err)
	assert.Equal(t, slurm.StatusRunning, report.Status)
	assert.Equal(t, "squeue", report.Source)
	assert.True(t, session.isClosed())
	assert.Zero(t, session.count("command -v sbatch"))
}

func TestStatusRejectsInvalidJobID(t *testing.T) {
	dials := 0
	r := New(func(context.Context, ssh.ResolvedTarget) (Session, error) {
		dials++
		return newFakeSession(), nil
	}, WithLogger(zerolog.Nop()))

	_, err := r.Status(context.Background(), testTarget(), "42; rm -rf /", nil)
	require.ErrorIs(t, err, slurm.ErrInvalidJobID)
	assert.Zero(t, dials)
}

func TestHistoryRecorderStoresRun(t *testing.T) {
	store := testutil.NewTestDB(t)
	repo := db.NewJobRepository(store)
	session := clusterSession("RUNNING", "FAILED")
	session.on("slurm-4242.err", reply{stdout: "/tmp/ssh-slurm/slurm-4242.err\n"})

	r := newTestRunner(session, WithRecorder(NewHistoryRecorder(repo)))
	result, err := r.Run(context.Background(), testTarget(), writeScript(t), fastOptions())
	require.NoError(t, err)
	assert.Equal(t, slurm.StatusFailed, result.Job.Status)

	row, err := repo.GetByJobID(context.Background(), testHost, "4242")
	require.NoError(t, err)
	assert.Equal(t, "train", row.Name)
	assert.Equal(t, "FAILED", row.Status)
	assert.Equal(t, "FAILED", row.RawStatus)
	assert.Equal(t, 2, row.PollCount)
	assert.True(t, row.ErrorDetected)
	assert.NotNil(t, row.FinishedAt)
	assert.True(t, strings.HasPrefix(row.RemotePath, "/tmp/ssh-slurm/train_"))
}

func TestHistoryRecorderUpdatesUnknownRow(t *testing.T) {
	store := testutil.NewTestDB(t)
	repo := db.NewJobRepository(store)
	rec := NewHistoryRecorder(repo)
	ctx := context.Background()

	job := &slurm.Job{ID: "77", Name: "late", SubmitTime: time.Now(), Status: slurm.StatusRunning, PollCount: 4}
	require.NoError(t, rec.Updated(ctx, testHost, job, nil))

	row, err := repo.GetByJobID(ctx, testHost, "77")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", row.Status)
	assert.Equal(t, 4, row.PollCount)

	// A second recorder over the same database finds the row on disk.
	job.Status = slurm.StatusCompleted
	job.FinishTime = time.Now()
	require.NoError(t, NewHistoryRecorder(repo).Updated(ctx, testHost, job, nil))

	row, err = repo.GetByJobID(ctx, testHost, "77")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", row.Status)
	assert.NotNil(t, row.FinishedAt)
}

// TestRunOverSSH drives a full run through the in-process SSH server and
// checks that every stage shares one connection.
func TestRunOverSSH(t *testing.T) {
	keyPath, pub := testutil.GenerateKey(t)
	server := testutil.NewSSHServer(t, pub)

	var mu sync.Mutex
	polls := 0
	server.HandleExec(func(cmd string) testutil.ExecResult {
		switch {
		case strings.Contains(cmd, "command -v sbatch"):
			return testutil.ExecResult{Stdout: "/usr/bin/sbatch\n"}
		case strings.Contains(cmd, "command -v squeue"):
			return testutil.ExecResult{Stdout: "/usr/bin/squeue\n"}
		case strings.Contains(cmd, "command -v"), strings.Contains(cmd, "for d in"), strings.Contains(cmd, "&& env"):
			return testutil.ExecResult{ExitStatus: 1}
		case strings.Contains(cmd, "/usr/bin/sbatch"):
			return testutil.ExecResult{Stdout: "Submitted batch job 4242\n"}
		case strings.Contains(cmd, "/usr/bin/squeue"):
			mu.Lock()
			defer mu.Unlock()
			polls++
			if polls < 2 {
				return testutil.ExecResult{Stdout: "RUNNING\n"}
			}
			return testutil.ExecResult{Stdout: "COMPLETED\n"}
		case strings.Contains(cmd, "head -c"):
			return testutil.ExecResult{Stdout: "done\n"}
		case strings.Contains(cmd, "slurm-4242.out"):
			return testutil.ExecResult{Stdout: "/tmp/ssh-slurm/slurm-4242.out\n"}
		}
		return testutil.ExecResult{}
	})

	target := ssh.ResolvedTarget{
		Host:    server.Host(),
		Port:    server.Port(),
		User:    "alice",
		KeyPath: keyPath,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	r := New(SSHDialer(ssh.WithLogger(zerolog.Nop())), WithLogger(zerolog.Nop()))
	result, err := r.Run(ctx, target, writeScript(t), fastOptions())
	require.NoError(t, err)

	assert.Equal(t, slurm.StatusCompleted, result.Job.Status)
	assert.Equal(t, "done\n", result.Logs.Stdout)
	assert.Empty(t, result.Warnings, "staged script removed over sftp")
	assert.EqualValues(t, 1, server.TotalConnections())
	assert.Eventually(t, func() bool {
		return server.ActiveConnections() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

package slurm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSubmitter(remote Remote) *Submitter {
	nop := zerolog.Nop()
	return NewSubmitter(remote, SubmitterConfig{
		Sbatch: "/usr/bin/sbatch",
		Logger: &nop,
		now: func() time.Time {
			return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		},
	})
}

func TestSubmitEndToEnd(t *testing.T) {
	remote := newFakeRemote()
	remote.on("sbatch", "Submitted batch job 4242\n", "", 0)

	staged, err := newTestStager(remote).Stage(context.Background(), writeScript(t, "train.sh", "#!/bin/bash\n"))
	require.NoError(t, err)
	require.True(t, staged.IsLocal)

	job, err := newTestSubmitter(remote).Submit(context.Background(), staged, "", map[string]string{"FOO": "bar"})
	require.NoError(t, err)

	assert.Equal(t, "4242", job.ID)
	assert.Equal(t, "job_4242", job.Name)
	assert.Equal(t, StatusPending, job.Status)
	assert.Zero(t, job.PollCount)
	assert.Equal(t, staged, job.Script)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), job.SubmitTime)

	cmd := remote.commands[len(remote.commands)-1]
	exportAt := strings.Index(cmd, "export FOO=")
	sbatchAt := strings.Index(cmd, "/usr/bin/sbatch")
	require.GreaterOrEqual(t, exportAt, 0, cmd)
	assert.Less(t, exportAt, sbatchAt, "env must be exported before sbatch in the same shell")
	assert.True(t, strings.HasPrefix(cmd, "bash -l -c "), cmd)
	assert.Contains(t, cmd, staged.RemotePath)
}

func TestBuildSubmitCommand(t *testing.T) {
	staged := StagedFile{RemotePath: "/tmp/ssh-slurm/my job_1a2b3c4d.sh"}

	cmd, err := BuildSubmitCommand("cd ~", "/usr/bin/sbatch", staged, "it's", map[string]string{"B": "2", "A": "1"})
	require.NoError(t, err)

	script := "cd ~ && export A='1' && export B='2' && '/usr/bin/sbatch' --job-name='it'\"'\"'s' '/tmp/ssh-slurm/my job_1a2b3c4d.sh'"
	assert.Equal(t, "bash -l -c "+shellQuote(script), cmd)
}

func TestSubmitRejected(t *testing.T) {
	remote := newFakeRemote()
	remote.on("sbatch", "", "sbatch: error: Batch job submission failed: Invalid partition name specified\n", 1)

	_, err := newTestSubmitter(remote).Submit(context.Background(), StagedFile{RemotePath: "/home/a/x.sh"}, "x", nil)

	var rejected *SubmissionRejectedError
	require.True(t, errors.As(err, &rejected), "got %v", err)
	assert.Equal(t, 1, rejected.ExitCode)
	assert.Equal(t, "sbatch: error: Batch job submission failed: Invalid partition name specified\n", rejected.Stderr)
	assert.Contains(t, rejected.Hint(), "sinfo")
}

func TestSubmissionHints(t *testing.T) {
	tests := []struct {
		stderr string
		want   string
	}{
		{"bash: sbatch: command not found", "module load slurm"},
		{"sbatch: error: Permission denied", "Slurm access"},
		{"sbatch: error: invalid partition specified", "sinfo"},
		{"write failed: No space left on device", "df -h"},
		{"sbatch: error: something else", "bash -n"},
	}
	for _, tt := range tests {
		err := &SubmissionRejectedError{Stderr: tt.stderr}
		assert.Contains(t, err.Hint(), tt.want, tt.stderr)
	}
}

func TestSubmitUnparsableOutput(t *testing.T) {
	remote := newFakeRemote()
	remote.on("sbatch", "sbatch: job queued\n", "", 0)

	_, err := newTestSubmitter(remote).Submit(context.Background(), StagedFile{RemotePath: "/home/a/x.sh"}, "", nil)
	var parseErr *SubmissionParseError
	require.True(t, errors.As(err, &parseErr), "got %v", err)
	assert.Contains(t, parseErr.Stdout, "job queued")
}

func TestSubmitTransportError(t *testing.T) {
	remote := newFakeRemote()
	remote.onFunc("sbatch", func(string) fakeReply {
		return fakeReply{err: errors.New("connection reset")}
	})

	_, err := newTestSubmitter(remote).Submit(context.Background(), StagedFile{RemotePath: "/home/a/x.sh"}, "", nil)
	require.Error(t, err)
	var rejected *SubmissionRejectedError
	assert.False(t, errors.As(err, &rejected))
}

func TestSubmitRejectsInvalidEnvName(t *testing.T) {
	remote := newFakeRemote()
	_, err := newTestSubmitter(remote).Submit(context.Background(), StagedFile{RemotePath: "/x.sh"}, "", map[string]string{"1BAD": "x"})

	var nameErr *InvalidEnvNameError
	require.True(t, errors.As(err, &nameErr))
	assert.Empty(t, remote.commands, "nothing may run with an invalid environment")
}

// Package slurm drives a Slurm cluster over an established SSH connection:
// it discovers scheduler executables, stages scripts, submits jobs, polls
// them to a terminal state and collects their logs.
package slurm

import (
	"context"

	"github.com/tOgg1/slurmssh/internal/ssh"
)

// Remote is the subset of an SSH connection the scheduler components use.
// *ssh.Connection satisfies it. A non-zero remote exit status must be
// reported as *ssh.ExecError.
type Remote interface {
	Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error)
	ssh.FileTransfer
}

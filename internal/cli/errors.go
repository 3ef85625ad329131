package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/tOgg1/slurmssh/internal/config"
	"github.com/tOgg1/slurmssh/internal/slurm"
	"github.com/tOgg1/slurmssh/internal/ssh"
	"github.com/tOgg1/slurmssh/internal/target"
)

// PreflightError is a user-facing failure with a suggested fix.
type PreflightError struct {
	Message string
	Hint    string
	Err     error
}

func (e *PreflightError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *PreflightError) Unwrap() error { return e.Err }

// PrintError writes err and, when one applies, a hint to w.
func PrintError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	if hint := hintFor(err); hint != "" {
		fmt.Fprintf(w, "Hint: %s\n", hint)
	}
}

func hintFor(err error) string {
	var (
		preflight *PreflightError
		auth      *ssh.AuthError
		tunnel    *ssh.TunnelError
		timeout   *ssh.TimeoutError
		connect   *ssh.ConnectError
		tool      *slurm.ToolNotFoundError
		remote    *slurm.RemoteFileNotFoundError
		rejected  *slurm.SubmissionRejectedError
		syntax    *slurm.ScriptValidationError
	)
	switch {
	case errors.As(err, &preflight) && preflight.Hint != "":
		return preflight.Hint
	case errors.Is(err, target.ErrNoConnection):
		return "Save a profile with `slurmssh profile add` and select it with `slurmssh profile use`"
	case errors.Is(err, target.ErrUnknownHost):
		return "Add a Host entry to ~/.ssh/config or pass --ssh-config"
	case errors.Is(err, config.ErrProfileNotFound):
		return "List saved profiles with `slurmssh profile list`"
	case errors.Is(err, ssh.ErrPassphraseRequired):
		return "Run from a terminal to enter the passphrase, or load the key into ssh-agent"
	case errors.As(err, &auth):
		return "Check the username and that the key is authorized on the server"
	case errors.As(err, &tunnel):
		return "A jump host could not reach the next hop; check the ProxyJump chain"
	case errors.As(err, &timeout):
		return "The server did not answer in time; raise ssh.connect_timeout or check the network"
	case errors.As(err, &connect):
		return "Check the hostname and port, and that the server accepts SSH connections"
	case errors.As(err, &tool):
		return "Add the Slurm bin directory to job.search_dirs in the config file"
	case errors.As(err, &remote):
		return "Absolute paths name scripts on the remote host; use a relative path for a local script"
	case errors.As(err, &syntax):
		return "Fix the script, or pass --skip-validation to submit it anyway"
	case errors.As(err, &rejected):
		if hint := rejected.Hint(); hint != "" {
			return hint
		}
		return "Check the partition, account and resource requests in the script"
	case errors.Is(err, slurm.ErrStatusUnavailable):
		return "The job may still be running; query it later with `slurmssh status`"
	default:
		return ""
	}
}

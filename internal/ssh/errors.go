package ssh

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPassphraseRequired  = errors.New("passphrase required for private key")
	ErrSSHAgentUnavailable = errors.New("ssh agent not available")
	ErrMissingHost         = errors.New("ssh host is required")
	ErrMissingUser         = errors.New("ssh user is required")
	ErrNoAuthMethods       = errors.New("no authentication methods available")
	ErrConnectionClosed    = errors.New("ssh connection closed")
)

// ConnectError reports a host or hop that could not be reached.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports rejected or unusable credentials.
type AuthError struct {
	Addr string
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s@%s: %v", e.User, e.Addr, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TunnelError reports a failure while building a proxy chain. Hop is the
// index of the host that could not be reached or authenticated; an index
// equal to the chain length refers to the final target.
type TunnelError struct {
	Hop  int
	Addr string
	Err  error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel hop %d (%s): %v", e.Hop, e.Addr, e.Err)
}

func (e *TunnelError) Unwrap() error { return e.Err }

// TimeoutError reports a dial or handshake that exceeded the connect timeout.
type TimeoutError struct {
	Op    string
	Addr  string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out after %s", e.Op, e.Addr, e.Limit)
}

// Timeout reports true so TimeoutError satisfies net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// ExecError wraps command failures with exit details.
type ExecError struct {
	Command  string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("ssh command failed (exit=%d): %s", e.ExitCode, e.Command)
}

func (e *ExecError) Unwrap() error { return e.Err }

// ExitCode extracts the remote exit status from err. ok is false when err
// is not an ExecError (transport failure, cancellation).
func ExitCode(err error) (code int, ok bool) {
	if err == nil {
		return 0, true
	}
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.ExitCode, true
	}
	return 0, false
}

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tOgg1/slurmssh/internal/logging"

	xssh "golang.org/x/crypto/ssh"
)

// DefaultConnectTimeout bounds each dial and handshake when unset.
const DefaultConnectTimeout = 30 * time.Second

// Option configures Open.
type Option func(*options)

type options struct {
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	PassphrasePrompt  PassphrasePrompt
	UseAgent          bool
	HostKeyCallback   xssh.HostKeyCallback
	Logger            *zerolog.Logger
}

// WithConnectTimeout bounds every TCP dial, channel open and handshake.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.ConnectTimeout = timeout
	}
}

// WithKeepAlive enables keepalive requests on every hop and the final client.
func WithKeepAlive(interval, timeout time.Duration) Option {
	return func(o *options) {
		o.KeepAliveInterval = interval
		o.KeepAliveTimeout = timeout
	}
}

// WithPassphrasePrompt sets the prompt used for encrypted keys.
func WithPassphrasePrompt(prompt PassphrasePrompt) Option {
	return func(o *options) {
		o.PassphrasePrompt = prompt
	}
}

// WithAgent adds SSH agent signers after the key file.
func WithAgent(enabled bool) Option {
	return func(o *options) {
		o.UseAgent = enabled
	}
}

// WithHostKeyCallback sets host key verification for every hop.
func WithHostKeyCallback(cb xssh.HostKeyCallback) Option {
	return func(o *options) {
		o.HostKeyCallback = cb
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.Logger = &logger
	}
}

// KnownHostsCallback returns a verifying callback backed by known_hosts
// files. With strict disabled, a missing file falls back to accepting any
// host key.
func KnownHostsCallback(strict bool, files ...string) (xssh.HostKeyCallback, error) {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		if strict {
			return nil, fmt.Errorf("strict host key checking enabled but no known_hosts file found")
		}
		return xssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(existing...)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// Connection is an authenticated session bound to one ResolvedTarget. It
// owns the final client, its SFTP sub-channel and the tunnel beneath it.
type Connection struct {
	target ResolvedTarget
	client *xssh.Client
	sftp   *sftp.Client
	tunnel *Tunnel
	agent  *AgentConnection
	logger zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

var (
	_ Executor     = (*Connection)(nil)
	_ FileTransfer = (*Connection)(nil)
)

// Open establishes the tunnel (if any), authenticates to the final target
// with public-key auth and attaches an SFTP sub-channel.
func Open(ctx context.Context, target ResolvedTarget, opts ...Option) (*Connection, error) {
	o := options{
		ConnectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.WithHost(target.Host)
	if o.Logger != nil {
		logger = *o.Logger
	}

	if err := target.Validate(); err != nil {
		return nil, err
	}

	var agentConn *AgentConnection
	if o.UseAgent {
		conn, err := ConnectAgent()
		if err != nil {
			logger.Debug().Err(err).Msg("ssh agent unavailable, using key file only")
		} else {
			agentConn = conn
		}
	}
	if target.KeyPath == "" && agentConn == nil {
		return nil, &AuthError{Addr: target.Addr(), User: target.User, Err: ErrNoAuthMethods}
	}

	hostKeys := o.HostKeyCallback
	if hostKeys == nil {
		logger.Warn().Msg("host key verification disabled")
		hostKeys = xssh.InsecureIgnoreHostKey()
	}

	d := &dialer{
		timeout:           o.ConnectTimeout,
		keys:              newKeyring(o.PassphrasePrompt, agentConn),
		hostKeys:          hostKeys,
		keepAliveInterval: o.KeepAliveInterval,
		keepAliveTimeout:  o.KeepAliveTimeout,
		logger:            logger,
	}

	started := time.Now()
	tunnel, err := d.buildTunnel(ctx, target.Hops(), target.Addr())
	if err != nil {
		_ = agentConn.Close()
		return nil, err
	}

	client, err := d.handshake(ctx, tunnel.Transport, target.Addr(), target.User, target.KeyPath)
	if err != nil {
		_ = tunnel.Close()
		_ = agentConn.Close()
		return nil, err
	}
	d.startKeepAlive(client, target.Addr(), tunnel.stop)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		_ = tunnel.Close()
		_ = agentConn.Close()
		return nil, &ConnectError{Addr: target.Addr(), Err: fmt.Errorf("open sftp subsystem: %w", err)}
	}

	logger.Info().
		Str("target", target.String()).
		Int("hops", tunnel.Depth()).
		Dur("elapsed", time.Since(started)).
		Msg("connected")

	return &Connection{
		target: target,
		client: client,
		sftp:   sftpClient,
		tunnel: tunnel,
		agent:  agentConn,
		logger: logger,
	}, nil
}

// Target returns the target this connection is bound to.
func (c *Connection) Target() ResolvedTarget {
	return c.target
}

// Exec runs a command and returns its stdout and stderr output. A non-zero
// exit status is reported as *ExecError. Cancelling ctx kills the remote
// command and closes its session.
func (c *Connection) Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	session, err := c.client.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		_ = session.Close()
		<-done
		return stdoutBuf.Bytes(), stderrBuf.Bytes(), ctx.Err()
	}

	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()
	if err != nil {
		return stdout, stderr, wrapExecError(err, cmd, stdout, stderr)
	}
	return stdout, stderr, nil
}

// MkdirAll creates dir and any missing parents; existing directories are fine.
func (c *Connection) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.sftp.MkdirAll(dir); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// WriteFile uploads r to path and applies mode.
func (c *Connection) WriteFile(ctx context.Context, path string, r io.Reader, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := c.sftp.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return c.Chmod(ctx, path, mode)
}

// Chmod sets permission bits on a remote path.
func (c *Connection) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.sftp.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// Remove deletes a remote file.
func (c *Connection) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.sftp.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Stat returns remote file info.
func (c *Connection) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.sftp.Stat(path)
}

// Close releases the SFTP sub-channel, the session and every tunnel hop in
// reverse creation order. Teardown errors are logged and the first one is
// returned; callers typically discard it so it never masks a primary error.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		record := func(what string, err error) {
			err = ignoreClosed(err)
			if err == nil {
				return
			}
			c.logger.Debug().Err(err).Str("resource", what).Msg("teardown error")
			if c.closeErr == nil {
				c.closeErr = err
			}
		}
		if c.sftp != nil {
			record("sftp", c.sftp.Close())
		}
		if c.client != nil {
			record("session", c.client.Close())
		}
		if c.tunnel != nil {
			record("tunnel", c.tunnel.Close())
		}
		if c.agent != nil {
			record("agent", c.agent.Close())
		}
		c.logger.Info().Str("target", c.target.String()).Msg("disconnected")
	})
	return c.closeErr
}

func wrapExecError(err error, cmd string, stdout, stderr []byte) error {
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExecError{
			Command:  cmd,
			ExitCode: exitErr.ExitStatus(),
			Stdout:   stdout,
			Stderr:   stderr,
			Err:      err,
		}
	}
	var missing *xssh.ExitMissingError
	if errors.As(err, &missing) {
		return &ExecError{
			Command:  cmd,
			ExitCode: -1,
			Stdout:   stdout,
			Stderr:   stderr,
			Err:      err,
		}
	}
	return fmt.Errorf("run %q: %w", cmd, err)
}

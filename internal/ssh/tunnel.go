package ssh

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xssh "golang.org/x/crypto/ssh"
)

// Tunnel is an explicit stack of authenticated hop clients. Each hop's
// client owns the forwarded channel the next hop runs over, so teardown
// always proceeds from the innermost hop outwards.
type Tunnel struct {
	// Transport carries the final handshake: a raw TCP socket when the
	// chain is empty, otherwise a direct-tcpip channel of the last hop.
	Transport net.Conn

	hops []*xssh.Client
	stop chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Depth returns the number of hops in the tunnel.
func (t *Tunnel) Depth() int {
	return len(t.hops)
}

// Close tears the tunnel down innermost first and returns the first error.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		if t.stop != nil {
			close(t.stop)
		}
		if t.Transport != nil {
			t.closeErr = ignoreClosed(t.Transport.Close())
		}
		for i := len(t.hops) - 1; i >= 0; i-- {
			if err := ignoreClosed(t.hops[i].Close()); err != nil && t.closeErr == nil {
				t.closeErr = err
			}
		}
	})
	return t.closeErr
}

// dialer performs TCP dials and SSH handshakes under a shared connect timeout.
type dialer struct {
	timeout           time.Duration
	keys              *keyring
	hostKeys          xssh.HostKeyCallback
	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	logger            zerolog.Logger
}

// buildTunnel walks the chain and returns a transport ready for the final
// handshake to finalAddr. On failure every hop opened so far is closed
// before the TunnelError is returned.
func (d *dialer) buildTunnel(ctx context.Context, chain []Hop, finalAddr string) (*Tunnel, error) {
	firstAddr := finalAddr
	if len(chain) > 0 {
		firstAddr = chain[0].Addr()
	}

	conn, err := d.dialTCP(ctx, firstAddr)
	if err != nil {
		if len(chain) == 0 {
			return nil, err
		}
		return nil, &TunnelError{Hop: 0, Addr: firstAddr, Err: err}
	}

	t := &Tunnel{stop: make(chan struct{})}
	for i, hop := range chain {
		client, err := d.handshake(ctx, conn, hop.Addr(), hop.User, hop.KeyPath)
		if err != nil {
			_ = conn.Close()
			_ = t.Close()
			return nil, &TunnelError{Hop: i, Addr: hop.Addr(), Err: err}
		}
		t.hops = append(t.hops, client)
		d.startKeepAlive(client, hop.Addr(), t.stop)

		next := finalAddr
		if i+1 < len(chain) {
			next = chain[i+1].Addr()
		}
		d.logger.Debug().Int("hop", i).Str("via", hop.Addr()).Str("next", next).Msg("opening forwarded channel")

		conn, err = d.dialVia(ctx, client, next)
		if err != nil {
			_ = t.Close()
			return nil, &TunnelError{Hop: i + 1, Addr: next, Err: err}
		}
	}

	t.Transport = conn
	return t, nil
}

func (d *dialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &TimeoutError{Op: "dial", Addr: addr, Limit: d.timeout}
		}
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return conn, nil
}

// dialVia opens a direct-tcpip channel from an established hop.
func (d *dialer) dialVia(ctx context.Context, client *xssh.Client, addr string) (net.Conn, error) {
	dialCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	conn, err := client.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: "forward", Addr: addr, Limit: d.timeout}
		}
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return conn, nil
}

// handshake authenticates over conn. Forwarded channels do not support
// deadlines, so the timeout is enforced by closing conn from outside.
func (d *dialer) handshake(ctx context.Context, conn net.Conn, addr, user, keyPath string) (*xssh.Client, error) {
	auth, err := d.keys.authMethods(keyPath)
	if err != nil {
		return nil, &AuthError{Addr: addr, User: user, Err: err}
	}
	config := &xssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: d.hostKeys,
		Timeout:         d.timeout,
	}

	type result struct {
		conn  xssh.Conn
		chans <-chan xssh.NewChannel
		reqs  <-chan *xssh.Request
		err   error
	}
	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := xssh.NewClientConn(conn, addr, config)
		done <- result{conn: c, chans: chans, reqs: reqs, err: err}
	}()

	var timeout <-chan time.Time
	if d.timeout > 0 {
		timer := time.NewTimer(d.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classifyHandshakeError(addr, user, r.err)
		}
		return xssh.NewClient(r.conn, r.chans, r.reqs), nil
	case <-timeout:
		_ = conn.Close()
		return nil, &TimeoutError{Op: "handshake", Addr: addr, Limit: d.timeout}
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	}
}

func (d *dialer) startKeepAlive(client *xssh.Client, addr string, stop <-chan struct{}) {
	if d.keepAliveInterval <= 0 {
		return
	}
	go keepAlive(client, d.keepAliveInterval, d.keepAliveTimeout, stop, d.logger.With().Str("addr", addr).Logger())
}

// keepAlive sends keepalive@openssh.com requests until stop closes. A
// request that does not complete within timeout closes the client, which
// cascades to every channel layered on it.
func keepAlive(client *xssh.Client, interval, timeout time.Duration, stop <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		replied := make(chan error, 1)
		go func() {
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			replied <- err
		}()

		var expired <-chan time.Time
		var timer *time.Timer
		if timeout > 0 {
			timer = time.NewTimer(timeout)
			expired = timer.C
		}

		select {
		case <-stop:
			return
		case err := <-replied:
			if err != nil {
				logger.Debug().Err(err).Msg("keepalive failed")
				return
			}
		case <-expired:
			logger.Warn().Dur("timeout", timeout).Msg("keepalive timed out, closing connection")
			_ = client.Close()
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func classifyHandshakeError(addr, user string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return &AuthError{Addr: addr, User: user, Err: err}
	}
	return &ConnectError{Addr: addr, Err: err}
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	if strings.Contains(err.Error(), "use of closed network connection") {
		return nil
	}
	return err
}

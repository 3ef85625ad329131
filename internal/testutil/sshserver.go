package testutil

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"

	xssh "golang.org/x/crypto/ssh"
)

// ExecResult is the scripted outcome of one remote command.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// ExecHandler answers exec requests on an SSHServer.
type ExecHandler func(cmd string) ExecResult

// SSHServer is an in-process SSH server for tests. It authenticates a single
// public key, forwards direct-tcpip channels, answers exec requests through
// a scripted handler and serves SFTP from an in-memory filesystem shared by
// every connection.
type SSHServer struct {
	Addr string

	listener net.Listener
	config   *xssh.ServerConfig
	files    sftp.Handlers

	mu       sync.Mutex
	handler  ExecHandler
	commands []string
	conns    map[net.Conn]struct{}

	active  atomic.Int64
	total   atomic.Int64
	forward atomic.Int64

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewSSHServer starts a server on a loopback port that accepts authorized.
// It is shut down via t.Cleanup.
func NewSSHServer(t *testing.T, authorized xssh.PublicKey) *SSHServer {
	t.Helper()
	SkipIfNoNetwork(t)

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := xssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	want := authorized.Marshal()
	config := &xssh.ServerConfig{
		PublicKeyCallback: func(_ xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), want) {
				return &xssh.Permissions{}, nil
			}
			return nil, errUnauthorized
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &SSHServer{
		Addr:     listener.Addr().String(),
		listener: listener,
		config:   config,
		files:    sftp.InMemHandler(),
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
		handler: func(string) ExecResult {
			return ExecResult{}
		},
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listener host.
func (s *SSHServer) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

// Port returns the listener port.
func (s *SSHServer) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(port)
	return n
}

// HandleExec replaces the exec handler.
func (s *SSHServer) HandleExec(h ExecHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Commands returns every command executed so far.
func (s *SSHServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// ActiveConnections returns the number of authenticated connections open.
func (s *SSHServer) ActiveConnections() int64 {
	return s.active.Load()
}

// TotalConnections returns the number of authenticated connections accepted.
func (s *SSHServer) TotalConnections() int64 {
	return s.total.Load()
}

// Forwards returns the number of direct-tcpip channels accepted.
func (s *SSHServer) Forwards() int64 {
	return s.forward.Load()
}

// Close stops the listener and drops every connection.
func (s *SSHServer) Close() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	_ = s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *SSHServer) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

func (s *SSHServer) handleConn(nc net.Conn) {
	defer s.wg.Done()

	s.mu.Lock()
	s.conns[nc] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
		_ = nc.Close()
	}()

	conn, chans, reqs, err := xssh.NewServerConn(nc, s.config)
	if err != nil {
		return
	}
	s.active.Add(1)
	s.total.Add(1)
	defer s.active.Add(-1)

	go xssh.DiscardRequests(reqs)

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			go s.handleSession(newCh)
		case "direct-tcpip":
			go s.handleForward(newCh)
		default:
			_ = newCh.Reject(xssh.UnknownChannelType, "unsupported channel type")
		}
	}
	_ = conn.Wait()
}

type forwardPayload struct {
	Host     string
	Port     uint32
	OrigHost string
	OrigPort uint32
}

func (s *SSHServer) handleForward(newCh xssh.NewChannel) {
	var payload forwardPayload
	if err := xssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
		_ = newCh.Reject(xssh.ConnectionFailed, "bad direct-tcpip payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port))))
	if err != nil {
		_ = newCh.Reject(xssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		_ = target.Close()
		return
	}
	s.forward.Add(1)
	go xssh.DiscardRequests(reqs)

	var once sync.Once
	closeBoth := func() {
		_ = ch.Close()
		_ = target.Close()
	}
	go func() {
		_, _ = io.Copy(target, ch)
		once.Do(closeBoth)
	}()
	_, _ = io.Copy(ch, target)
	once.Do(closeBoth)
}

type execPayload struct {
	Command string
}

type subsystemPayload struct {
	Name string
}

type exitStatusPayload struct {
	Status uint32
}

func (s *SSHServer) handleSession(newCh xssh.NewChannel) {
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload execPayload
			if err := xssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.runExec(ch, payload.Command)
			return
		case "subsystem":
			var payload subsystemPayload
			if err := xssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server := sftp.NewRequestServer(ch, s.files)
			_ = server.Serve()
			_ = server.Close()
			return
		default:
			if req.WantReply {
				_ = req.Reply(req.Type == "env" || req.Type == "pty-req", nil)
			}
		}
	}
}

func (s *SSHServer) runExec(ch xssh.Channel, cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	handler := s.handler
	s.mu.Unlock()

	result := handler(cmd)
	if result.Stdout != "" {
		_, _ = io.WriteString(ch, result.Stdout)
	}
	if result.Stderr != "" {
		_, _ = io.WriteString(ch.Stderr(), result.Stderr)
	}
	_ = ch.CloseWrite()
	_, _ = ch.SendRequest("exit-status", false, xssh.Marshal(exitStatusPayload{Status: uint32(result.ExitStatus)}))
}

// ClosedAddr returns a loopback address with nothing listening on it.
func ClosedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

// GenerateKey writes an unencrypted ed25519 private key in OpenSSH format
// to a temp dir and returns its path and public key.
func GenerateKey(t *testing.T) (string, xssh.PublicKey) {
	t.Helper()
	return generateKey(t, "")
}

// GenerateEncryptedKey is GenerateKey with the key protected by passphrase.
func GenerateEncryptedKey(t *testing.T, passphrase string) (string, xssh.PublicKey) {
	t.Helper()
	return generateKey(t, passphrase)
}

func generateKey(t *testing.T, passphrase string) (string, xssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = xssh.MarshalPrivateKey(priv, "slurmssh-test")
	} else {
		block, err = xssh.MarshalPrivateKeyWithPassphrase(priv, "slurmssh-test", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path, signer.PublicKey()
}

type authError string

func (e authError) Error() string { return string(e) }

const errUnauthorized = authError("public key not authorized")

// Package ssh provides authenticated SSH connections to a Slurm login node,
// optionally tunneled through a chain of bastion hops.
package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// DefaultPort is used when a target or hop leaves Port unset.
const DefaultPort = 22

// Executor defines a common interface for running commands over SSH.
type Executor interface {
	// Exec runs a command and returns its stdout and stderr output.
	Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error)

	// Close releases any resources held by the executor.
	Close() error
}

// FileTransfer moves files over the connection's SFTP sub-channel.
type FileTransfer interface {
	MkdirAll(ctx context.Context, dir string) error
	WriteFile(ctx context.Context, path string, r io.Reader, mode os.FileMode) error
	Remove(ctx context.Context, path string) error
}

// Hop is one bastion in a proxy chain.
type Hop struct {
	// Host is the bastion host name or IP.
	Host string

	// Port is the SSH port (defaults to 22 when unset).
	Port int

	// User defaults to the final target's user when empty.
	User string

	// KeyPath defaults to the final target's key when empty.
	KeyPath string
}

// Addr returns host:port for the hop.
func (h Hop) Addr() string {
	return joinHostPort(h.Host, h.Port)
}

func (h Hop) String() string {
	if h.User == "" {
		return h.Addr()
	}
	return h.User + "@" + h.Addr()
}

// ResolvedTarget carries fully resolved connection parameters. It is produced
// by the target resolution layer and treated as read-only by this package.
type ResolvedTarget struct {
	// Host is the Slurm login node.
	Host string

	// Port is the SSH port (defaults to 22 when unset).
	Port int

	// User is the SSH username.
	User string

	// KeyPath is the path to the private key used for every hop.
	KeyPath string

	// ProxyChain lists bastions in the order they are traversed.
	ProxyChain []Hop

	// Env holds variables exported ahead of job submission.
	Env map[string]string
}

// Addr returns host:port for the final target.
func (t ResolvedTarget) Addr() string {
	return joinHostPort(t.Host, t.Port)
}

// Hops returns the proxy chain with user and key defaults filled in.
func (t ResolvedTarget) Hops() []Hop {
	if len(t.ProxyChain) == 0 {
		return nil
	}
	hops := make([]Hop, len(t.ProxyChain))
	for i, hop := range t.ProxyChain {
		if hop.User == "" {
			hop.User = t.User
		}
		if hop.KeyPath == "" {
			hop.KeyPath = t.KeyPath
		}
		hops[i] = hop
	}
	return hops
}

// Validate checks the fields required to open a connection.
func (t ResolvedTarget) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return ErrMissingHost
	}
	if strings.TrimSpace(t.User) == "" {
		return ErrMissingUser
	}
	for i, hop := range t.ProxyChain {
		if strings.TrimSpace(hop.Host) == "" {
			return fmt.Errorf("proxy hop %d: %w", i, ErrMissingHost)
		}
	}
	return nil
}

func (t ResolvedTarget) String() string {
	s := t.User + "@" + t.Addr()
	if len(t.ProxyChain) == 0 {
		return s
	}
	via := make([]string, len(t.ProxyChain))
	for i, hop := range t.ProxyChain {
		via[i] = hop.String()
	}
	return s + " via " + strings.Join(via, ",")
}

// ParseProxyJump parses an OpenSSH ProxyJump value
// ("[user@]host[:port][,[user@]host[:port]...]") into hops. "none" and the
// empty string yield no hops.
func ParseProxyJump(value string) ([]Hop, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "none") {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	hops := make([]Hop, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "ssh://")
		if part == "" {
			return nil, fmt.Errorf("invalid proxy jump %q: empty hop", value)
		}
		user, host, port := parseSSHTarget(part)
		if host == "" {
			return nil, fmt.Errorf("invalid proxy jump hop %q", part)
		}
		hop := Hop{Host: host, User: user}
		if port != "" {
			n, err := strconv.Atoi(port)
			if err != nil || n <= 0 || n > 65535 {
				return nil, fmt.Errorf("invalid proxy jump port %q", port)
			}
			hop.Port = n
		}
		hops = append(hops, hop)
	}
	return hops, nil
}

// parseSSHTarget splits "user@host:port" into its parts.
func parseSSHTarget(target string) (user, host, port string) {
	if at := strings.LastIndex(target, "@"); at >= 0 {
		user = target[:at]
		target = target[at+1:]
	}
	if h, p, err := net.SplitHostPort(target); err == nil {
		return user, h, p
	}
	return user, strings.Trim(target, "[]"), ""
}

func joinHostPort(host string, port int) string {
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

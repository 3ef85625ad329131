package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/term"

	xssh "golang.org/x/crypto/ssh"
)

// PassphrasePrompt returns the passphrase for the provided key path.
type PassphrasePrompt func(keyPath string) (string, error)

// AgentConnection wraps a live SSH agent connection.
type AgentConnection struct {
	Conn   net.Conn
	Client agent.ExtendedAgent
}

// LoadPrivateKey loads a private key from disk, prompting for a passphrase when required.
func LoadPrivateKey(path string, prompt PassphrasePrompt) (xssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	signer, err := xssh.ParsePrivateKey(keyBytes)
	if err == nil {
		return signer, nil
	}

	var missing *xssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	if prompt == nil {
		return nil, ErrPassphraseRequired
	}

	passphrase, err := prompt(path)
	if err != nil {
		return nil, fmt.Errorf("passphrase prompt failed: %w", err)
	}
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}

	signer, err = xssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("parse private key with passphrase: %w", err)
	}

	return signer, nil
}

// DefaultPassphrasePrompt reads a passphrase from stdin without echoing input.
func DefaultPassphrasePrompt(path string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}

	fmt.Fprintf(os.Stderr, "Enter passphrase for %s: ", path)
	passphrase, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}

	return string(passphrase), nil
}

// ConnectAgent opens a connection to the SSH agent referenced by SSH_AUTH_SOCK.
func ConnectAgent() (*AgentConnection, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, ErrSSHAgentUnavailable
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connect to ssh agent: %w", err)
	}

	return &AgentConnection{
		Conn:   conn,
		Client: agent.NewClient(conn),
	}, nil
}

// Signers returns the agent-backed signers.
func (a *AgentConnection) Signers() ([]xssh.Signer, error) {
	if a == nil || a.Client == nil {
		return nil, ErrSSHAgentUnavailable
	}
	return a.Client.Signers()
}

// Close closes the underlying SSH agent connection.
func (a *AgentConnection) Close() error {
	if a == nil || a.Conn == nil {
		return nil
	}
	return a.Conn.Close()
}

// keyring caches parsed signers so every hop sharing a key prompts once.
type keyring struct {
	prompt PassphrasePrompt
	agent  *AgentConnection

	mu      sync.Mutex
	signers map[string]xssh.Signer
}

func newKeyring(prompt PassphrasePrompt, agentConn *AgentConnection) *keyring {
	return &keyring{
		prompt:  prompt,
		agent:   agentConn,
		signers: make(map[string]xssh.Signer),
	}
}

// authMethods returns public-key auth only. Password auth is never offered.
func (k *keyring) authMethods(keyPath string) ([]xssh.AuthMethod, error) {
	var signers []xssh.Signer
	if keyPath != "" {
		signer, err := k.load(keyPath)
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
	}
	if k.agent != nil {
		agentSigners, err := k.agent.Signers()
		if err == nil {
			signers = append(signers, agentSigners...)
		}
	}
	if len(signers) == 0 {
		return nil, ErrNoAuthMethods
	}
	return []xssh.AuthMethod{xssh.PublicKeys(signers...)}, nil
}

func (k *keyring) load(keyPath string) (xssh.Signer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if signer, ok := k.signers[keyPath]; ok {
		return signer, nil
	}
	signer, err := LoadPrivateKey(keyPath, k.prompt)
	if err != nil {
		return nil, err
	}
	k.signers[keyPath] = signer
	return signer, nil
}

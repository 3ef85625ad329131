package target

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// HostEntry is the subset of an ssh_config Host block slurmssh uses.
type HostEntry struct {
	Alias        string
	HostName     string
	User         string
	Port         int
	IdentityFile string
	ProxyJump    string
}

// SSHConfig wraps a parsed ssh_config file.
type SSHConfig struct {
	path string
	cfg  *ssh_config.Config
}

// LoadSSHConfig parses path (default ~/.ssh/config). A missing file yields
// an empty config.
func LoadSSHConfig(path string) (*SSHConfig, error) {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".ssh", "config")
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &SSHConfig{path: path}, nil
		}
		return nil, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parse ssh config %s: %w", path, err)
	}
	return &SSHConfig{path: path, cfg: cfg}, nil
}

// Has reports whether a Host block other than "Host *" matches alias.
func (c *SSHConfig) Has(alias string) bool {
	if c == nil || c.cfg == nil {
		return false
	}
	for _, host := range c.cfg.Hosts {
		if !host.Matches(alias) {
			continue
		}
		for _, p := range host.Patterns {
			if s := p.String(); s != "*" && !strings.HasPrefix(s, "!") {
				return true
			}
		}
	}
	return false
}

// Lookup returns the settings for alias. Unset values are left empty;
// HostName defaults to the alias itself.
func (c *SSHConfig) Lookup(alias string) (HostEntry, error) {
	entry := HostEntry{Alias: alias, HostName: alias}
	if c == nil || c.cfg == nil {
		return entry, nil
	}

	get := func(key string) (string, error) {
		v, err := c.cfg.Get(alias, key)
		if err != nil {
			return "", fmt.Errorf("ssh config %s for %s: %w", key, alias, err)
		}
		return strings.TrimSpace(v), nil
	}

	hostName, err := get("HostName")
	if err != nil {
		return entry, err
	}
	if hostName != "" {
		entry.HostName = strings.ReplaceAll(hostName, "%h", alias)
	}
	if entry.User, err = get("User"); err != nil {
		return entry, err
	}
	port, err := get("Port")
	if err != nil {
		return entry, err
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return entry, fmt.Errorf("ssh config port for %s: invalid value %q", alias, port)
		}
		entry.Port = n
	}
	identity, err := get("IdentityFile")
	if err != nil {
		return entry, err
	}
	entry.IdentityFile = expandHome(identity)
	if entry.ProxyJump, err = get("ProxyJump"); err != nil {
		return entry, err
	}
	return entry, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

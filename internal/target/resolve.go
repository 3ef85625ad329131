// Package target turns CLI flags, saved profiles and ssh_config entries
// into the ssh.ResolvedTarget the core connects to.
package target

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"sort"
	"strings"

	"github.com/tOgg1/slurmssh/internal/config"
	"github.com/tOgg1/slurmssh/internal/ssh"
)

// Resolution errors.
var (
	ErrNoConnection = errors.New("no connection method specified: use --host, --profile, or --hostname/--username/--key-file")
	ErrUnknownHost  = errors.New("ssh host not found in ssh config")
	ErrKeyNotFound  = errors.New("ssh key file not found")
)

// Source says which input the target came from.
type Source string

const (
	SourceHost           Source = "ssh-config"
	SourceProfile        Source = "profile"
	SourceExplicit       Source = "flags"
	SourceCurrentProfile Source = "current-profile"
)

// Request collects every input that can name a target.
type Request struct {
	// Host is an ssh_config alias (--host).
	Host string

	// Profile names a saved profile (--profile).
	Profile string

	// Explicit connection parameters. All of Hostname, Username and
	// KeyFile are needed for a direct connection.
	Hostname string
	Username string
	KeyFile  string
	Port     int

	// ProxyJump overrides the chain from any source.
	ProxyJump string

	// DefaultKey is used when no source names a key.
	DefaultKey string

	// ForwardEnv names local variables forwarded when set.
	ForwardEnv []string

	// EnvLocal names local variables to forward (--env-local).
	EnvLocal []string

	// Env holds explicit KEY=VALUE assignments (--env).
	Env map[string]string
}

// Resolved is a target plus bookkeeping for display.
type Resolved struct {
	Target      ssh.ResolvedTarget
	Source      Source
	ProfileName string

	// MissingLocal lists --env-local names not set locally.
	MissingLocal []string
}

// Resolver resolves requests against saved profiles and ssh_config.
type Resolver struct {
	profiles  *config.ProfileStore
	sshConfig *SSHConfig
	lookupEnv func(string) (string, bool)
	statFile  func(string) error
}

// NewResolver creates a resolver. profiles and sshConfig may be nil.
func NewResolver(profiles *config.ProfileStore, sshConfig *SSHConfig) *Resolver {
	return &Resolver{
		profiles:  profiles,
		sshConfig: sshConfig,
		lookupEnv: os.LookupEnv,
		statFile: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
	}
}

// Resolve applies the precedence host alias > named profile > explicit
// flags > current profile.
func (r *Resolver) Resolve(req Request) (Resolved, error) {
	var (
		res        Resolved
		profileEnv map[string]string
		err        error
	)

	switch {
	case req.Host != "":
		res.Source = SourceHost
		res.Target, err = r.fromSSHConfig(req.Host)

	case req.Profile != "":
		res.Source = SourceProfile
		res.ProfileName = req.Profile
		var p *config.Profile
		if p, err = r.profile(req.Profile); err == nil {
			profileEnv = p.Env
			res.Target, err = r.fromProfile(p)
		}

	case req.Hostname != "" && req.Username != "" && req.KeyFile != "":
		res.Source = SourceExplicit
		key := config.ExpandTilde(req.KeyFile)
		if statErr := r.statFile(key); statErr != nil {
			return res, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		res.Target = ssh.ResolvedTarget{Host: req.Hostname, Port: req.Port, User: req.Username, KeyPath: key}

	default:
		if r.profiles == nil {
			return res, ErrNoConnection
		}
		name, p, curErr := r.profiles.Current()
		if curErr != nil {
			if errors.Is(curErr, config.ErrNoCurrent) {
				return res, ErrNoConnection
			}
			return res, curErr
		}
		res.Source = SourceCurrentProfile
		res.ProfileName = name
		profileEnv = p.Env
		res.Target, err = r.fromProfile(p)
	}
	if err != nil {
		return res, err
	}

	if req.ProxyJump != "" {
		if res.Target.ProxyChain, err = r.proxyChain(req.ProxyJump); err != nil {
			return res, err
		}
	}
	if res.Target.KeyPath == "" {
		res.Target.KeyPath = config.ExpandTilde(req.DefaultKey)
	}
	if res.Target.User == "" {
		res.Target.User = localUser()
	}

	res.Target.Env, res.MissingLocal = r.mergeEnv(req, profileEnv)

	if err := res.Target.Validate(); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Resolver) profile(name string) (*config.Profile, error) {
	if r.profiles == nil {
		return nil, fmt.Errorf("%w: %s", config.ErrProfileNotFound, name)
	}
	return r.profiles.Get(name)
}

func (r *Resolver) fromProfile(p *config.Profile) (ssh.ResolvedTarget, error) {
	if p.SSHHost != "" {
		t, err := r.fromSSHConfig(p.SSHHost)
		if err != nil {
			return t, err
		}
		if p.ProxyJump != "" {
			t.ProxyChain, err = r.proxyChain(p.ProxyJump)
		}
		return t, err
	}
	t := ssh.ResolvedTarget{
		Host:    p.Hostname,
		Port:    p.Port,
		User:    p.Username,
		KeyPath: config.ExpandTilde(p.KeyFile),
	}
	var err error
	if p.ProxyJump != "" {
		t.ProxyChain, err = r.proxyChain(p.ProxyJump)
	}
	return t, err
}

func (r *Resolver) fromSSHConfig(alias string) (ssh.ResolvedTarget, error) {
	if !r.sshConfig.Has(alias) {
		return ssh.ResolvedTarget{}, fmt.Errorf("%w: %s", ErrUnknownHost, alias)
	}
	entry, err := r.sshConfig.Lookup(alias)
	if err != nil {
		return ssh.ResolvedTarget{}, err
	}
	t := ssh.ResolvedTarget{
		Host:    entry.HostName,
		Port:    entry.Port,
		User:    entry.User,
		KeyPath: entry.IdentityFile,
	}
	t.ProxyChain, err = r.proxyChain(entry.ProxyJump)
	return t, err
}

// proxyChain parses a ProxyJump value, expanding hops that are themselves
// ssh_config aliases.
func (r *Resolver) proxyChain(value string) ([]ssh.Hop, error) {
	hops, err := ssh.ParseProxyJump(value)
	if err != nil {
		return nil, err
	}
	for i, hop := range hops {
		if !r.sshConfig.Has(hop.Host) {
			continue
		}
		entry, err := r.sshConfig.Lookup(hop.Host)
		if err != nil {
			return nil, err
		}
		hops[i].Host = entry.HostName
		if hop.User == "" {
			hops[i].User = entry.User
		}
		if hop.Port == 0 {
			hops[i].Port = entry.Port
		}
		hops[i].KeyPath = entry.IdentityFile
	}
	return hops, nil
}

// mergeEnv layers forwarded local vars < profile env < --env-local < --env.
func (r *Resolver) mergeEnv(req Request, profileEnv map[string]string) (map[string]string, []string) {
	env := make(map[string]string)
	for _, key := range req.ForwardEnv {
		if v, ok := r.lookupEnv(key); ok {
			env[key] = v
		}
	}
	for k, v := range profileEnv {
		env[k] = v
	}
	var missing []string
	for _, key := range req.EnvLocal {
		if v, ok := r.lookupEnv(key); ok {
			env[key] = v
		} else {
			missing = append(missing, key)
		}
	}
	for k, v := range req.Env {
		env[k] = v
	}
	if len(env) == 0 {
		return nil, missing
	}
	return env, missing
}

// ParseEnvAssignments parses KEY=VALUE flag values.
func ParseEnvAssignments(values []string) (map[string]string, error) {
	env := make(map[string]string, len(values))
	for _, kv := range values {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid environment variable format: %q (want KEY=VALUE)", kv)
		}
		env[strings.TrimSpace(key)] = value
	}
	return env, nil
}

// EnvKeys returns env's keys sorted, for display without values.
func EnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

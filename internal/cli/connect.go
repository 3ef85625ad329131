package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/tOgg1/slurmssh/internal/config"
	"github.com/tOgg1/slurmssh/internal/logging"
	"github.com/tOgg1/slurmssh/internal/runner"
	"github.com/tOgg1/slurmssh/internal/ssh"
	"github.com/tOgg1/slurmssh/internal/target"
)

// connectionFlags select the cluster a command talks to.
type connectionFlags struct {
	host      string
	profile   string
	hostname  string
	username  string
	keyFile   string
	port      int
	proxyJump string
	sshConfig string
}

func (f *connectionFlags) register(flags *pflag.FlagSet) {
	flags.StringVarP(&f.host, "host", "H", "", "SSH host alias from ssh_config")
	flags.StringVarP(&f.profile, "profile", "p", "", "saved profile to use")
	flags.StringVar(&f.hostname, "hostname", "", "login node hostname")
	flags.StringVar(&f.username, "username", "", "SSH username")
	flags.StringVar(&f.keyFile, "key-file", "", "SSH private key file")
	flags.IntVar(&f.port, "port", 22, "SSH port")
	flags.StringVarP(&f.proxyJump, "proxy-jump", "J", "", "jump hosts as [user@]host[:port],... (none to disable)")
	flags.StringVar(&f.sshConfig, "ssh-config", "", "ssh_config file (default ~/.ssh/config)")
}

// describe renders the flags that select the target, for hints.
func (f *connectionFlags) describe() string {
	switch {
	case f.host != "":
		return "-H " + f.host
	case f.profile != "":
		return "-p " + f.profile
	case f.hostname != "":
		return fmt.Sprintf("--hostname %s --username %s --key-file %s", f.hostname, f.username, f.keyFile)
	}
	return ""
}

// resolve turns the flags into a connection target with the job
// environment merged in.
func (a *app) resolve(f *connectionFlags, env map[string]string, envLocal []string) (target.Resolved, error) {
	sshConfigPath := f.sshConfig
	if sshConfigPath == "" {
		sshConfigPath = a.cfg.SSH.ConfigFile
	}
	sshCfg, err := target.LoadSSHConfig(config.ExpandTilde(sshConfigPath))
	if err != nil {
		return target.Resolved{}, err
	}

	return target.NewResolver(a.profiles(), sshCfg).Resolve(target.Request{
		Host:       f.host,
		Profile:    f.profile,
		Hostname:   f.hostname,
		Username:   f.username,
		KeyFile:    f.keyFile,
		Port:       f.port,
		ProxyJump:  f.proxyJump,
		DefaultKey: a.cfg.SSH.DefaultKey,
		ForwardEnv: a.cfg.Job.ForwardEnv,
		EnvLocal:   envLocal,
		Env:        env,
	})
}

// dialer builds the SSH dialer from the ssh config section.
func (a *app) dialer() (runner.Dialer, error) {
	if a.dial != nil {
		return a.dial, nil
	}
	c := a.cfg.SSH
	opts := []ssh.Option{
		ssh.WithConnectTimeout(c.ConnectTimeout),
		ssh.WithKeepAlive(c.KeepAliveInterval, c.KeepAliveTimeout),
		ssh.WithAgent(c.UseAgent),
		ssh.WithLogger(logging.Component("ssh")),
	}
	if hasTTY() {
		opts = append(opts, ssh.WithPassphrasePrompt(ssh.DefaultPassphrasePrompt))
	}
	if c.StrictHostKeyChecking {
		files := make([]string, 0, len(c.KnownHosts))
		for _, f := range c.KnownHosts {
			files = append(files, config.ExpandTilde(f))
		}
		cb, err := ssh.KnownHostsCallback(true, files...)
		if err != nil {
			return nil, &PreflightError{
				Message: "host key verification is enabled",
				Hint:    "Connect once with ssh to record the host key, or set ssh.strict_host_key_checking: false",
				Err:     err,
			}
		}
		opts = append(opts, ssh.WithHostKeyCallback(cb))
	}
	return runner.SSHDialer(opts...), nil
}

// parseDuration accepts Go durations ("90s", "5m") or plain seconds.
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("duration %q must not be negative", value)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: use seconds or a value like 30s or 5m", value)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", value)
	}
	return d, nil
}

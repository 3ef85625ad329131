// Package config handles slurmssh configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration structure for slurmssh.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// SSH connection settings
	SSH SSHConfig `yaml:"ssh" mapstructure:"ssh"`

	// Job submission and monitoring defaults
	Job JobConfig `yaml:"job" mapstructure:"job"`

	// Local job history
	History HistoryConfig `yaml:"history" mapstructure:"history"`

	// Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// GlobalConfig contains global slurmssh settings.
type GlobalConfig struct {
	// DataDir is where slurmssh stores its data (default: ~/.local/share/slurmssh).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config and profile files live (default: ~/.config/slurmssh).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// SSHConfig contains connection settings.
type SSHConfig struct {
	// ConnectTimeout bounds each TCP dial and handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`

	// KeepAliveInterval between keepalive requests; zero disables them.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" mapstructure:"keepalive_interval"`

	// KeepAliveTimeout is how long to wait for a keepalive reply.
	KeepAliveTimeout time.Duration `yaml:"keepalive_timeout" mapstructure:"keepalive_timeout"`

	// StrictHostKeyChecking verifies host keys against KnownHosts.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking" mapstructure:"strict_host_key_checking"`

	// KnownHosts lists known_hosts files.
	KnownHosts []string `yaml:"known_hosts" mapstructure:"known_hosts"`

	// UseAgent offers SSH agent signers alongside the key file.
	UseAgent bool `yaml:"use_agent" mapstructure:"use_agent"`

	// ConfigFile is the ssh_config file used for host aliases.
	ConfigFile string `yaml:"ssh_config" mapstructure:"ssh_config"`

	// DefaultKey is used when neither profile nor ssh_config names a key.
	DefaultKey string `yaml:"default_key" mapstructure:"default_key"`
}

// JobConfig contains job defaults.
type JobConfig struct {
	// PollInterval between status queries.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// Timeout bounds monitoring; zero waits for a terminal state.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// StagingDir receives uploaded scripts on the remote host.
	StagingDir string `yaml:"staging_dir" mapstructure:"staging_dir"`

	// LogDir is searched for job logs after the staging directory.
	LogDir string `yaml:"log_dir" mapstructure:"log_dir"`

	// MaxNotFound is how many consecutive misses precede an inferred completion.
	MaxNotFound int `yaml:"max_not_found" mapstructure:"max_not_found"`

	// MaxQueryErrors is how many consecutive failed queries end monitoring.
	MaxQueryErrors int `yaml:"max_query_errors" mapstructure:"max_query_errors"`

	// Cleanup removes uploaded scripts after the run.
	Cleanup bool `yaml:"cleanup" mapstructure:"cleanup"`

	// ForwardEnv lists local variables forwarded to every job when set.
	ForwardEnv []string `yaml:"forward_env" mapstructure:"forward_env"`

	// SearchDirs are extra remote directories probed for Slurm tools.
	SearchDirs []string `yaml:"search_dirs" mapstructure:"search_dirs"`
}

// HistoryConfig contains job history settings.
type HistoryConfig struct {
	// Enabled records submissions and status changes.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`
}

// MetricsConfig contains metrics endpoint settings.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// DefaultForwardEnv is the set of local variables forwarded to jobs when present.
var DefaultForwardEnv = []string{
	"HF_TOKEN",
	"HUGGING_FACE_HUB_TOKEN",
	"WANDB_API_KEY",
	"WANDB_ENTITY",
	"WANDB_PROJECT",
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"CUDA_VISIBLE_DEVICES",
	"HF_HOME",
	"HF_HUB_CACHE",
	"TRANSFORMERS_CACHE",
	"TORCH_HOME",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "slurmssh"),
			ConfigDir: filepath.Join(homeDir, ".config", "slurmssh"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		SSH: SSHConfig{
			ConnectTimeout:    30 * time.Second,
			KeepAliveInterval: 30 * time.Second,
			KeepAliveTimeout:  15 * time.Second,
			KnownHosts:        []string{filepath.Join(homeDir, ".ssh", "known_hosts")},
			UseAgent:          true,
			ConfigFile:        filepath.Join(homeDir, ".ssh", "config"),
		},
		Job: JobConfig{
			PollInterval:   10 * time.Second,
			StagingDir:     "/tmp/ssh-slurm",
			MaxNotFound:    3,
			MaxQueryErrors: 20,
			Cleanup:        true,
			ForwardEnv:     append([]string(nil), DefaultForwardEnv...),
		},
		History: HistoryConfig{
			Enabled: true,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json")
	}

	if c.SSH.ConnectTimeout < time.Second {
		return fmt.Errorf("ssh.connect_timeout must be at least 1s")
	}
	if c.SSH.KeepAliveInterval < 0 || c.SSH.KeepAliveTimeout < 0 {
		return fmt.Errorf("ssh keepalive settings must not be negative")
	}

	if c.Job.PollInterval < time.Second {
		return fmt.Errorf("job.poll_interval must be at least 1s")
	}
	if c.Job.Timeout < 0 {
		return fmt.Errorf("job.timeout must not be negative")
	}
	if c.Job.MaxNotFound < 1 {
		return fmt.Errorf("job.max_not_found must be at least 1")
	}
	if c.Job.MaxQueryErrors < 1 {
		return fmt.Errorf("job.max_query_errors must be at least 1")
	}
	if c.Job.StagingDir == "" || c.Job.StagingDir[0] != '/' {
		return fmt.Errorf("job.staging_dir must be an absolute remote path")
	}

	return nil
}

// HistoryPath returns the full history database path.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.Global.DataDir, "history.db")
}

// ProfilesPath returns the profile store path.
func (c *Config) ProfilesPath() string {
	return filepath.Join(c.Global.ConfigDir, "profiles.yaml")
}

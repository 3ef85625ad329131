package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (SLURMSSH_JOB_POLL_INTERVAL).
const EnvPrefix = "SLURMSSH"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with precedence
// defaults < config file < env vars < values from Set (CLI flags).
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalizeLists(cfg)
	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandTilde expands ~ to the local user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// ExpandTilde is expandTilde for callers outside the package.
func ExpandTilde(path string) string {
	return expandTilde(path)
}

// expandPaths expands ~ in local path fields. Job paths are remote and
// left alone.
func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
	cfg.SSH.ConfigFile = expandTilde(cfg.SSH.ConfigFile)
	cfg.SSH.DefaultKey = expandTilde(cfg.SSH.DefaultKey)
	cfg.History.Path = expandTilde(cfg.History.Path)
	for i := range cfg.SSH.KnownHosts {
		cfg.SSH.KnownHosts[i] = expandTilde(cfg.SSH.KnownHosts[i])
	}
}

// normalizeLists trims entries of list settings, which arrive
// comma-separated from env vars.
func normalizeLists(cfg *Config) {
	cfg.SSH.KnownHosts = trimList(cfg.SSH.KnownHosts)
	cfg.Job.ForwardEnv = trimList(cfg.Job.ForwardEnv)
	cfg.Job.SearchDirs = trimList(cfg.Job.SearchDirs)
}

func trimList(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "slurmssh"))
	}
	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "slurmssh"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)
	bindEnvVars(v)
	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	v.SetDefault("ssh.connect_timeout", cfg.SSH.ConnectTimeout)
	v.SetDefault("ssh.keepalive_interval", cfg.SSH.KeepAliveInterval)
	v.SetDefault("ssh.keepalive_timeout", cfg.SSH.KeepAliveTimeout)
	v.SetDefault("ssh.strict_host_key_checking", cfg.SSH.StrictHostKeyChecking)
	v.SetDefault("ssh.known_hosts", cfg.SSH.KnownHosts)
	v.SetDefault("ssh.use_agent", cfg.SSH.UseAgent)
	v.SetDefault("ssh.ssh_config", cfg.SSH.ConfigFile)
	v.SetDefault("ssh.default_key", cfg.SSH.DefaultKey)

	v.SetDefault("job.poll_interval", cfg.Job.PollInterval)
	v.SetDefault("job.timeout", cfg.Job.Timeout)
	v.SetDefault("job.staging_dir", cfg.Job.StagingDir)
	v.SetDefault("job.log_dir", cfg.Job.LogDir)
	v.SetDefault("job.max_not_found", cfg.Job.MaxNotFound)
	v.SetDefault("job.max_query_errors", cfg.Job.MaxQueryErrors)
	v.SetDefault("job.cleanup", cfg.Job.Cleanup)
	v.SetDefault("job.forward_env", cfg.Job.ForwardEnv)
	v.SetDefault("job.search_dirs", cfg.Job.SearchDirs)

	v.SetDefault("history.enabled", cfg.History.Enabled)
	v.SetDefault("history.path", cfg.History.Path)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

// loadConfigFile reads the config file. A missing file is only an error
// when it was set explicitly.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && l.configFile == "" {
			return nil
		}
		return err
	}
	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set overrides a key, taking precedence over every other source.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}

// envKeys lists every key that accepts a SLURMSSH_* override.
var envKeys = []string{
	"global.data_dir",
	"global.config_dir",
	"logging.level",
	"logging.format",
	"logging.file",
	"logging.enable_caller",
	"ssh.connect_timeout",
	"ssh.keepalive_interval",
	"ssh.keepalive_timeout",
	"ssh.strict_host_key_checking",
	"ssh.known_hosts",
	"ssh.use_agent",
	"ssh.ssh_config",
	"ssh.default_key",
	"job.poll_interval",
	"job.timeout",
	"job.staging_dir",
	"job.log_dir",
	"job.max_not_found",
	"job.max_query_errors",
	"job.cleanup",
	"job.forward_env",
	"job.search_dirs",
	"history.enabled",
	"history.path",
	"metrics.addr",
}

// bindEnvVars binds environment variables explicitly; Viper's Unmarshal
// misses env values on nested structs unless they are bound.
func bindEnvVars(v *viper.Viper) {
	for _, key := range envKeys {
		_ = v.BindEnv(key, EnvVar(key))
	}
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "xdg"))
	for _, key := range envKeys {
		t.Setenv(EnvVar(key), "")
		os.Unsetenv(EnvVar(key))
	}
	chdirForTest(t, home)
	return home
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Job.PollInterval != 10*time.Second {
		t.Errorf("poll interval = %v, want 10s", cfg.Job.PollInterval)
	}
	if cfg.Job.StagingDir != "/tmp/ssh-slurm" {
		t.Errorf("staging dir = %q", cfg.Job.StagingDir)
	}
	if cfg.Job.MaxNotFound != 3 {
		t.Errorf("max not found = %d, want 3", cfg.Job.MaxNotFound)
	}
	if !cfg.Job.Cleanup {
		t.Error("cleanup should default to true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "poll interval", mutate: func(c *Config) { c.Job.PollInterval = 10 * time.Millisecond }, want: "job.poll_interval"},
		{name: "connect timeout", mutate: func(c *Config) { c.SSH.ConnectTimeout = 0 }, want: "ssh.connect_timeout"},
		{name: "max not found", mutate: func(c *Config) { c.Job.MaxNotFound = 0 }, want: "job.max_not_found"},
		{name: "query errors", mutate: func(c *Config) { c.Job.MaxQueryErrors = 0 }, want: "job.max_query_errors"},
		{name: "relative staging dir", mutate: func(c *Config) { c.Job.StagingDir = "tmp" }, want: "job.staging_dir"},
		{name: "negative timeout", mutate: func(c *Config) { c.Job.Timeout = -time.Second }, want: "job.timeout"},
		{name: "log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, want: "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestLoadPrecedence(t *testing.T) {
	home := isolateEnv(t)

	path := filepath.Join(home, "config.yaml")
	content := `
logging:
  level: debug
job:
  poll_interval: 30s
  staging_dir: /scratch/staging
  forward_env: [HF_TOKEN]
history:
  path: ~/history.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SLURMSSH_JOB_POLL_INTERVAL", "45s")
	t.Setenv("SLURMSSH_JOB_SEARCH_DIRS", "/opt/a, /opt/b")

	loader := NewLoader()
	loader.SetConfigFile(path)
	loader.Set("job.max_not_found", 5)

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug from file", cfg.Logging.Level)
	}
	if cfg.Job.PollInterval != 45*time.Second {
		t.Errorf("poll interval = %v, want env override 45s", cfg.Job.PollInterval)
	}
	if cfg.Job.StagingDir != "/scratch/staging" {
		t.Errorf("staging dir = %q", cfg.Job.StagingDir)
	}
	if cfg.Job.MaxNotFound != 5 {
		t.Errorf("max not found = %d, want 5 from Set", cfg.Job.MaxNotFound)
	}
	if len(cfg.Job.ForwardEnv) != 1 || cfg.Job.ForwardEnv[0] != "HF_TOKEN" {
		t.Errorf("forward env = %v", cfg.Job.ForwardEnv)
	}
	if len(cfg.Job.SearchDirs) != 2 || cfg.Job.SearchDirs[1] != "/opt/b" {
		t.Errorf("search dirs = %v", cfg.Job.SearchDirs)
	}
	if cfg.History.Path != filepath.Join(home, "history.db") {
		t.Errorf("history path = %q, want tilde expanded", cfg.History.Path)
	}
	if loader.ConfigFileUsed() != path {
		t.Errorf("config file used = %q", loader.ConfigFileUsed())
	}
}

func TestLoadWithoutFile(t *testing.T) {
	home := isolateEnv(t)

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault failed: %v", err)
	}
	if cfg.Global.ConfigDir != filepath.Join(home, ".config", "slurmssh") {
		t.Errorf("config dir = %q", cfg.Global.ConfigDir)
	}
	if cfg.HistoryPath() != filepath.Join(home, ".local", "share", "slurmssh", "history.db") {
		t.Errorf("history path = %q", cfg.HistoryPath())
	}
	if cfg.ProfilesPath() != filepath.Join(home, ".config", "slurmssh", "profiles.yaml") {
		t.Errorf("profiles path = %q", cfg.ProfilesPath())
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	isolateEnv(t)
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for explicit missing config file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SLURMSSH_JOB_POLL_INTERVAL", "10ms")
	if _, err := LoadDefault(); err == nil || !strings.Contains(err.Error(), "validation") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEnvVar(t *testing.T) {
	if got := EnvVar("ssh.strict_host_key_checking"); got != "SLURMSSH_SSH_STRICT_HOST_KEY_CHECKING" {
		t.Errorf("EnvVar = %q", got)
	}
}

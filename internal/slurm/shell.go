package slurm

import (
	"regexp"
	"sort"
	"strings"
)

var (
	envNamePattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

// DefaultSearchDirs are probed for scheduler executables when a login shell
// cannot find them.
var DefaultSearchDirs = []string{
	"/cm/shared/apps/slurm/current/bin",
	"/usr/bin",
	"/usr/local/bin",
	"/opt/slurm/bin",
	"/cluster/slurm/bin",
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// loginShell runs script inside `bash -l` so profile and rc files are
// sourced even though the SSH exec channel is non-interactive.
func loginShell(script string) string {
	return "bash -l -c " + shellQuote(script)
}

// posixShell runs script with sh regardless of the remote user's shell.
func posixShell(script string) string {
	return "sh -c " + shellQuote(script)
}

// EnvPrelude returns the environment setup that precedes every scheduler
// command: profile files, environment modules and PATH fallbacks. Every
// step tolerates failure so the chain never aborts the real command.
func EnvPrelude(extraDirs []string) string {
	steps := []string{
		"cd ~",
		"source /etc/profile >/dev/null 2>&1 || true",
		"source ~/.bash_profile >/dev/null 2>&1 || true",
		"source ~/.bashrc >/dev/null 2>&1 || true",
		"source ~/.profile >/dev/null 2>&1 || true",
		"module load slurm >/dev/null 2>&1 || true",
		"module load slurm/current >/dev/null 2>&1 || true",
	}
	dirs := append(append([]string{}, DefaultSearchDirs...), extraDirs...)
	quoted := make([]string, 0, len(dirs))
	for _, d := range dirs {
		quoted = append(quoted, shellQuote(d))
	}
	steps = append(steps, `export PATH="$PATH"`+":"+strings.Join(quoted, ":"))
	return strings.Join(steps, " && ")
}

// exportEnv renders env as `export K='v'` statements in key order.
func exportEnv(env map[string]string) ([]string, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		if !envNamePattern.MatchString(k) {
			return nil, &InvalidEnvNameError{Name: k}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, "export "+k+"="+shellQuote(env[k]))
	}
	return out, nil
}

// firstLine returns the first non-empty trimmed line of s.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

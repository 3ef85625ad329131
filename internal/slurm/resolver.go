package slurm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tOgg1/slurmssh/internal/logging"
	"github.com/tOgg1/slurmssh/internal/ssh"
)

// Scheduler executables. sbatch and squeue are required to submit and
// monitor; sacct and scancel are used when present.
const (
	ToolSbatch  = "sbatch"
	ToolSqueue  = "squeue"
	ToolSacct   = "sacct"
	ToolScancel = "scancel"
)

// RequiredTools must resolve before a job is submitted.
var RequiredTools = []string{ToolSbatch, ToolSqueue}

// OptionalTools are resolved alongside the required ones but may be absent.
var OptionalTools = []string{ToolSacct, ToolScancel}

// Tools maps tool names to absolute remote paths. Unresolved tools are absent.
type Tools map[string]string

// Path returns the resolved path for name, or "".
func (t Tools) Path(name string) string {
	return t[name]
}

// Require returns a *ToolNotFoundError for the first name not resolved.
func (t Tools) Require(names ...string) error {
	for _, name := range names {
		if t[name] == "" {
			return &ToolNotFoundError{Tool: name}
		}
	}
	return nil
}

type lookupStrategy struct {
	name   string
	lookup func(ctx context.Context, tool string) (string, error)
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// SearchDirs are probed after DefaultSearchDirs.
	SearchDirs []string

	Logger *zerolog.Logger
}

// Resolver discovers absolute paths of scheduler executables on one remote
// host. Results, including misses, are cached for the Resolver's lifetime,
// so use one Resolver per connection.
type Resolver struct {
	remote     Remote
	searchDirs []string
	extraDirs  []string
	logger     zerolog.Logger
	strategies []lookupStrategy

	mu          sync.Mutex
	cache       map[string]string
	capturedEnv *string
}

// NewResolver creates a resolver bound to remote.
func NewResolver(remote Remote, cfg ResolverConfig) *Resolver {
	logger := logging.Component("resolver")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	r := &Resolver{
		remote:     remote,
		searchDirs: append(append([]string{}, DefaultSearchDirs...), cfg.SearchDirs...),
		extraDirs:  cfg.SearchDirs,
		logger:     logger,
		cache:      make(map[string]string),
	}
	r.strategies = []lookupStrategy{
		{name: "login-shell", lookup: r.loginShellLookup},
		{name: "common-dirs", lookup: r.commonDirProbe},
		{name: "captured-env", lookup: r.environmentCapture},
	}
	return r
}

// Lookup resolves one tool, trying each strategy in order until one
// yields an absolute path.
func (r *Resolver) Lookup(ctx context.Context, tool string) (string, error) {
	if !toolNamePattern.MatchString(tool) {
		return "", fmt.Errorf("invalid tool name %q", tool)
	}

	r.mu.Lock()
	if path, ok := r.cache[tool]; ok {
		r.mu.Unlock()
		if path == "" {
			return "", &ToolNotFoundError{Tool: tool}
		}
		return path, nil
	}
	r.mu.Unlock()

	for _, s := range r.strategies {
		path, err := s.lookup(ctx, tool)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			r.logger.Debug().Err(err).Str("tool", tool).Str("strategy", s.name).Msg("lookup strategy failed")
			continue
		}
		if path != "" {
			r.logger.Debug().Str("tool", tool).Str("strategy", s.name).Str("path", path).Msg("resolved remote tool")
			r.store(tool, path)
			return path, nil
		}
	}

	r.store(tool, "")
	return "", &ToolNotFoundError{Tool: tool}
}

// Resolve looks up every tool and returns those found. Missing tools are
// left out of the result; callers decide severity with Tools.Require. The
// error is non-nil only when ctx is done.
func (r *Resolver) Resolve(ctx context.Context, tools ...string) (Tools, error) {
	found := make(Tools, len(tools))
	for _, tool := range tools {
		path, err := r.Lookup(ctx, tool)
		if err != nil {
			var notFound *ToolNotFoundError
			if errors.As(err, &notFound) {
				r.logger.Debug().Str("tool", tool).Msg("remote tool not found")
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return found, ctxErr
			}
			r.logger.Warn().Err(err).Str("tool", tool).Msg("remote tool lookup failed")
			continue
		}
		found[tool] = path
	}
	return found, nil
}

func (r *Resolver) store(tool, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[tool] = path
}

// loginShellLookup asks a login shell for the tool, which picks up PATH
// changes made by profile files.
func (r *Resolver) loginShellLookup(ctx context.Context, tool string) (string, error) {
	return r.commandV(ctx, "command -v "+tool, tool)
}

// commonDirProbe tests well-known installation directories in order.
func (r *Resolver) commonDirProbe(ctx context.Context, tool string) (string, error) {
	dirs := make([]string, 0, len(r.searchDirs))
	for _, d := range r.searchDirs {
		dirs = append(dirs, shellQuote(d))
	}
	script := "for d in " + strings.Join(dirs, " ") + "; do " +
		`if test -x "$d/` + tool + `"; then echo "$d/` + tool + `"; exit 0; fi; ` +
		"done; exit 1"

	stdout, _, err := r.remote.Exec(ctx, posixShell(script))
	if err != nil {
		if _, ok := ssh.ExitCode(err); ok {
			return "", nil
		}
		return "", err
	}
	return absoluteLine(string(stdout), tool), nil
}

// environmentCapture runs the full environment prelude, captures the
// resulting PATH and retries the login shell lookup with it.
func (r *Resolver) environmentCapture(ctx context.Context, tool string) (string, error) {
	path, err := r.capturedPath(ctx)
	if err != nil || path == "" {
		return "", err
	}
	return r.commandV(ctx, "export PATH="+shellQuote(path)+" && command -v "+tool, tool)
}

func (r *Resolver) capturedPath(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.capturedEnv != nil {
		path := *r.capturedEnv
		r.mu.Unlock()
		return path, nil
	}
	r.mu.Unlock()

	stdout, _, err := r.remote.Exec(ctx, loginShell(EnvPrelude(r.extraDirs)+" && env"))
	if err != nil {
		if _, ok := ssh.ExitCode(err); !ok {
			return "", err
		}
	}
	path := parseEnvPath(string(stdout))

	r.mu.Lock()
	r.capturedEnv = &path
	r.mu.Unlock()
	return path, nil
}

func (r *Resolver) commandV(ctx context.Context, script, tool string) (string, error) {
	stdout, _, err := r.remote.Exec(ctx, loginShell(script))
	if err != nil {
		if _, ok := ssh.ExitCode(err); ok {
			return "", nil
		}
		return "", err
	}
	return absoluteLine(string(stdout), tool), nil
}

// absoluteLine returns the first line that is an absolute path ending in
// the tool name. Login shells may print banners around it.
func absoluteLine(output, tool string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "/") && strings.HasSuffix(line, "/"+tool) && !strings.ContainsAny(line, " \t") {
			return line
		}
	}
	return ""
}

func parseEnvPath(env string) string {
	for _, line := range strings.Split(env, "\n") {
		if value, ok := strings.CutPrefix(strings.TrimSpace(line), "PATH="); ok {
			return value
		}
	}
	return ""
}

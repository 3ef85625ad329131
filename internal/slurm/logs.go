package slurm

import (
	"context"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tOgg1/slurmssh/internal/logging"
)

// DefaultMaxLogBytes bounds each excerpt read from a log file.
const DefaultMaxLogBytes = 64 << 10

const (
	homeDir        = `"$HOME"`
	homeLogDir     = `"$HOME"/logs/slurm`
	spoolLogDir    = "/var/log/slurm"
	logDirEnvField = "SLURM_LOG_DIR"
)

var safeNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// LogOptions configures log retrieval.
type LogOptions struct {
	// LogDir is searched after the script's directory. When empty,
	// SLURM_LOG_DIR from Env is used.
	LogDir string

	// Env is the environment the job was submitted with.
	Env map[string]string

	// MaxBytes bounds each excerpt (default DefaultMaxLogBytes).
	MaxBytes int64
}

// LogResult holds the job's located output.
type LogResult struct {
	FoundFiles    []string
	StdoutPath    string
	StderrPath    string
	Stdout        string
	Stderr        string
	ErrorDetected bool
}

// Found reports whether any log file was located.
func (r LogResult) Found() bool {
	return len(r.FoundFiles) > 0
}

// LogRetriever locates and reads a finished job's stdout and stderr.
type LogRetriever struct {
	remote Remote
	logger zerolog.Logger
}

// NewLogRetriever creates a retriever bound to remote.
func NewLogRetriever(remote Remote, logger *zerolog.Logger) *LogRetriever {
	l := logging.Component("logs")
	if logger != nil {
		l = *logger
	}
	return &LogRetriever{remote: remote, logger: l}
}

// Retrieve searches the candidate directories for the job's logs. Missing
// logs and remote failures yield a partial result; the error is non-nil
// only when ctx is done.
func (r *LogRetriever) Retrieve(ctx context.Context, job *Job, opts LogOptions) (LogResult, error) {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLogBytes
	}
	logger := logging.WithJob(r.logger, job.ID)
	dirs := logDirs(job, opts)

	var result LogResult
	streams := []struct {
		patterns []string
		path     *string
		content  *string
	}{
		{stdoutPatterns(job), &result.StdoutPath, &result.Stdout},
		{stderrPatterns(job), &result.StderrPath, &result.Stderr},
	}

	for _, stream := range streams {
		found, err := r.find(ctx, dirs, stream.patterns)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			logger.Warn().Err(err).Msg("log search failed")
			continue
		}
		if found == "" {
			continue
		}
		result.FoundFiles = append(result.FoundFiles, found)
		*stream.path = found

		stdout, _, err := r.remote.Exec(ctx, "head -c "+strconv.FormatInt(maxBytes, 10)+" "+shellQuote(found))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			logger.Warn().Err(err).Str("path", found).Msg("could not read log file")
			continue
		}
		*stream.content = string(stdout)
	}

	result.ErrorDetected = strings.TrimSpace(result.Stderr) != "" || job.Status == StatusFailed
	if !result.Found() {
		logger.Warn().Strs("dirs", dirs).Msg("no log files found")
	} else {
		logger.Info().Strs("files", result.FoundFiles).Bool("error_detected", result.ErrorDetected).Msg("retrieved job logs")
	}
	return result, nil
}

// find prints the first existing file among dirs x patterns, in order.
func (r *LogRetriever) find(ctx context.Context, dirs, patterns []string) (string, error) {
	candidates := make([]string, 0, len(dirs)*len(patterns))
	for _, d := range dirs {
		for _, p := range patterns {
			candidates = append(candidates, d+"/"+p)
		}
	}
	script := "for f in " + strings.Join(candidates, " ") + `; do if [ -f "$f" ]; then echo "$f"; exit 0; fi; done; exit 0`

	stdout, _, err := r.remote.Exec(ctx, posixShell(script))
	if err != nil {
		return "", err
	}
	return firstLine(string(stdout)), nil
}

// logDirs returns the candidate directories as shell words, in search
// order and without duplicates. "$HOME" is left for the remote shell.
func logDirs(job *Job, opts LogOptions) []string {
	logDir := opts.LogDir
	if logDir == "" {
		logDir = opts.Env[logDirEnvField]
	}

	var raw []string
	if job.Script.RemotePath != "" {
		raw = append(raw, shellQuote(path.Dir(job.Script.RemotePath)))
	}
	if logDir != "" {
		raw = append(raw, expandHome(logDir))
	}
	raw = append(raw, homeDir, homeLogDir, shellQuote(spoolLogDir))

	seen := make(map[string]bool, len(raw))
	dirs := make([]string, 0, len(raw))
	for _, d := range raw {
		if seen[d] {
			continue
		}
		seen[d] = true
		dirs = append(dirs, d)
	}
	return dirs
}

// expandHome quotes dir, leaving a leading ~ to expand to the remote $HOME.
func expandHome(dir string) string {
	switch {
	case dir == "~":
		return homeDir
	case strings.HasPrefix(dir, "~/"):
		return homeDir + "/" + shellQuote(strings.TrimPrefix(dir, "~/"))
	default:
		return shellQuote(dir)
	}
}

func stdoutPatterns(job *Job) []string {
	id := job.ID
	patterns := []string{"slurm-" + id + ".out"}
	if safeNamePattern.MatchString(job.Name) {
		patterns = append(patterns, job.Name+"_"+id+".out", job.Name+"_"+id+".log")
	}
	return append(patterns, "*_"+id+".log", "job_"+id+".log", id+".log")
}

func stderrPatterns(job *Job) []string {
	id := job.ID
	patterns := []string{"slurm-" + id + ".err"}
	if safeNamePattern.MatchString(job.Name) {
		patterns = append(patterns, job.Name+"_"+id+".err")
	}
	return append(patterns, "*_"+id+".err")
}

package slurm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/slurmssh/internal/logging"
	"github.com/tOgg1/slurmssh/internal/ssh"
)

// DefaultStagingDir holds uploaded scripts on the remote host.
const DefaultStagingDir = "/tmp/ssh-slurm"

// maxScriptSize is the size above which a remote script draws a warning.
const maxScriptSize = 1 << 20

var executableExts = map[string]bool{
	".sh":   true,
	".bash": true,
	".py":   true,
	".pl":   true,
	".r":    true,
}

// StagedFile is a script ready for sbatch. For remote scripts RemotePath
// equals OriginalPath and IsLocal is false.
type StagedFile struct {
	OriginalPath string
	RemotePath   string
	IsLocal      bool
	Executable   bool
}

// IsRemotePath reports whether path names a file already on the remote
// host. Absolute paths are remote; everything else is local.
func IsRemotePath(path string) bool {
	return strings.HasPrefix(path, "/")
}

// StagerConfig configures a Stager.
type StagerConfig struct {
	// Dir is the remote staging directory (default DefaultStagingDir).
	Dir string

	// SkipValidation disables the advisory checks on remote scripts.
	SkipValidation bool

	Logger *zerolog.Logger
}

// Stager uploads local scripts and vets remote ones.
type Stager struct {
	remote   Remote
	dir      string
	validate bool
	logger   zerolog.Logger
	suffix   func() string
}

// NewStager creates a stager bound to remote.
func NewStager(remote Remote, cfg StagerConfig) *Stager {
	logger := logging.Component("stager")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	dir := cfg.Dir
	if dir == "" {
		dir = DefaultStagingDir
	}
	return &Stager{
		remote:   remote,
		dir:      dir,
		validate: !cfg.SkipValidation,
		logger:   logger,
		suffix: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		},
	}
}

// Stage prepares scriptPath for submission.
func (s *Stager) Stage(ctx context.Context, scriptPath string) (StagedFile, error) {
	if scriptPath == "" {
		return StagedFile{}, ErrEmptyScriptPath
	}
	if IsRemotePath(scriptPath) {
		return s.stageRemote(ctx, scriptPath)
	}
	return s.stageLocal(ctx, scriptPath)
}

func (s *Stager) stageLocal(ctx context.Context, localPath string) (StagedFile, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return StagedFile{}, fmt.Errorf("stat script: %w", err)
	}
	if !info.Mode().IsRegular() {
		return StagedFile{}, fmt.Errorf("script %s is not a regular file", localPath)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return StagedFile{}, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()

	if err := s.remote.MkdirAll(ctx, s.dir); err != nil {
		return StagedFile{}, fmt.Errorf("create staging dir: %w", err)
	}

	remotePath := path.Join(s.dir, stagedName(localPath, s.suffix()))
	executable := isScriptExt(localPath)
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	if err := s.remote.WriteFile(ctx, remotePath, f, mode); err != nil {
		return StagedFile{}, fmt.Errorf("upload script: %w", err)
	}

	s.logger.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", info.Size()).
		Msg("staged script")

	return StagedFile{
		OriginalPath: localPath,
		RemotePath:   remotePath,
		IsLocal:      true,
		Executable:   executable,
	}, nil
}

func (s *Stager) stageRemote(ctx context.Context, remotePath string) (StagedFile, error) {
	quoted := shellQuote(remotePath)

	ok, err := s.test(ctx, "test -f "+quoted)
	if err != nil {
		return StagedFile{}, err
	}
	if !ok {
		return StagedFile{}, &RemoteFileNotFoundError{Path: remotePath, Reason: "not found or not a regular file"}
	}
	ok, err = s.test(ctx, "test -r "+quoted)
	if err != nil {
		return StagedFile{}, err
	}
	if !ok {
		return StagedFile{}, &RemoteFileNotFoundError{Path: remotePath, Reason: "not readable"}
	}

	staged := StagedFile{
		OriginalPath: remotePath,
		RemotePath:   remotePath,
	}
	if !s.validate {
		return staged, nil
	}

	if ok, err := s.test(ctx, "test -x "+quoted); err == nil {
		staged.Executable = ok
		if !ok {
			s.logger.Warn().Str("path", remotePath).Msg("remote script is not executable")
		}
	}

	if stdout, _, err := s.remote.Exec(ctx, "wc -c < "+quoted); err == nil {
		if size, err := strconv.ParseInt(strings.TrimSpace(string(stdout)), 10, 64); err == nil {
			switch {
			case size == 0:
				s.logger.Warn().Str("path", remotePath).Msg("remote script is empty")
			case size > maxScriptSize:
				s.logger.Warn().Str("path", remotePath).Int64("bytes", size).Msg("remote script is unusually large")
			}
		}
	}

	if strings.EqualFold(path.Ext(remotePath), ".sh") {
		_, stderr, err := s.remote.Exec(ctx, "bash -n "+quoted)
		if err != nil {
			if _, isExit := ssh.ExitCode(err); isExit {
				return StagedFile{}, &ScriptValidationError{Path: remotePath, Output: string(stderr)}
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return StagedFile{}, ctxErr
			}
			s.logger.Debug().Err(err).Str("path", remotePath).Msg("syntax check skipped")
		}
	}

	return staged, nil
}

// test runs a remote test(1) expression. A non-zero exit is false; other
// failures are returned.
func (s *Stager) test(ctx context.Context, cmd string) (bool, error) {
	_, _, err := s.remote.Exec(ctx, cmd)
	if err == nil {
		return true, nil
	}
	var execErr *ssh.ExecError
	if errors.As(err, &execErr) {
		return false, nil
	}
	return false, fmt.Errorf("check remote script: %w", err)
}

// stagedName derives "<stem>_<suffix><ext>" from the local file name.
func stagedName(localPath, suffix string) string {
	base := filepath.Base(localPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = "script"
	}
	return stem + "_" + suffix + ext
}

func isScriptExt(p string) bool {
	return executableExts[strings.ToLower(filepath.Ext(p))]
}

package slurm

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tOgg1/slurmssh/internal/logging"
)

// Cleaner removes staged scripts once a job is done.
type Cleaner struct {
	remote   Remote
	disabled bool
	logger   zerolog.Logger
}

// NewCleaner creates a cleaner; disabled turns Cleanup into a no-op.
func NewCleaner(remote Remote, disabled bool, logger *zerolog.Logger) *Cleaner {
	l := logging.Component("cleanup")
	if logger != nil {
		l = *logger
	}
	return &Cleaner{remote: remote, disabled: disabled, logger: l}
}

// Cleanup deletes a file this run uploaded. Remote scripts the user
// supplied are never touched. Failure is returned as a warning.
func (c *Cleaner) Cleanup(ctx context.Context, staged StagedFile) *CleanupWarning {
	if c.disabled || !staged.IsLocal || staged.RemotePath == "" {
		return nil
	}
	if err := c.remote.Remove(ctx, staged.RemotePath); err != nil {
		w := &CleanupWarning{Path: staged.RemotePath, Err: err}
		c.logger.Warn().Err(err).Str("path", staged.RemotePath).Msg("failed to remove staged script")
		return w
	}
	c.logger.Debug().Str("path", staged.RemotePath).Msg("removed staged script")
	return nil
}

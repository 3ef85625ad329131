// Package cli implements the slurmssh command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tOgg1/slurmssh/internal/config"
	"github.com/tOgg1/slurmssh/internal/logging"
	"github.com/tOgg1/slurmssh/internal/runner"
)

// app carries state shared by every command in one invocation.
type app struct {
	version string
	stdout  io.Writer
	stderr  io.Writer

	configFile string
	logLevel   string
	logFormat  string
	verbose    bool

	cfg *config.Config

	// dial overrides the SSH dialer built from cfg.
	dial runner.Dialer

	logFile *os.File
}

// Execute runs the root command with ctx, which should be cancelled on
// SIGINT/SIGTERM.
func Execute(ctx context.Context, version string) error {
	a := &app{version: version, stdout: os.Stdout, stderr: os.Stderr}
	defer a.close()
	return newRootCmd(a).ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slurmssh",
		Short: "Submit and monitor Slurm jobs over SSH",
		Long: "slurmssh uploads a batch script to a Slurm login node, submits it with sbatch " +
			"and follows the job until it finishes, all over one SSH connection.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       a.version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ~/.config/slurmssh/config.yaml)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "log format (console, json)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newSubmitCmd(a),
		newStatusCmd(a),
		newProfileCmd(a),
		newHistoryCmd(a),
	)
	return cmd
}

// init loads configuration and sets up logging. Flags override config.
func (a *app) init(cmd *cobra.Command) error {
	loader := config.NewLoader()
	if a.configFile != "" {
		loader.SetConfigFile(a.configFile)
	}
	if a.logLevel != "" {
		loader.Set("logging.level", a.logLevel)
	}
	if a.verbose {
		loader.Set("logging.level", "debug")
	}
	if a.logFormat != "" {
		loader.Set("logging.format", a.logFormat)
	}

	cfg, err := loader.Load()
	if err != nil {
		return &PreflightError{
			Message: "could not load configuration",
			Hint:    "Check the file passed with --config and any SLURMSSH_* variables",
			Err:     err,
		}
	}
	a.cfg = cfg

	output := a.stderr
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		output = f
	}
	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       output,
		EnableCaller: cfg.Logging.EnableCaller,
		NoColor:      !isTerminal(output),
	})

	if used := loader.ConfigFileUsed(); used != "" {
		logging.Logger.Debug().Str("file", used).Msg("loaded config")
	}
	return nil
}

func (a *app) close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

func (a *app) profiles() *config.ProfileStore {
	return config.NewProfileStore(a.cfg.ProfilesPath())
}

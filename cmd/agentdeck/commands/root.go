// Package commands provides the CLI commands for agentdeck.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	flagDirectory string
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "agentdeck",
	Short: "agentdeck - multi-session streaming client for agent backends",
	Long: `agentdeck drives concurrent chat sessions against an agent backend,
streaming each turn incrementally and keeping every session's state
consistent across consumers.

Run 'agentdeck chat' for an interactive session, 'agentdeck sessions'
to list known sessions, or 'agentdeck stub-server' to run a local
development backend.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagDirectory, "directory", "C", "", "Working directory")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug|info|warn|error)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("agentdeck %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(stubServerCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// setup resolves configuration and initializes logging. The returned
// stop function releases the config watcher that hot-reloads the log
// level.
func setup() (*config.Config, func(), error) {
	workDir, err := GetWorkDir(flagDirectory)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, nil, err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = workDir
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Pretty: cfg.LogFormat == "console",
	})

	stop, err := config.Watch(workDir, func(fresh *config.Config) {
		// Only the log level participates in hot reload; connection
		// settings stick for the process lifetime.
		if flagLogLevel == "" {
			logging.SetLevel(logging.ParseLevel(fresh.LogLevel))
		}
	})
	if err != nil {
		logging.Warn().Err(err).Msg("config watch unavailable")
		stop = func() {}
	}

	return cfg, stop, nil
}

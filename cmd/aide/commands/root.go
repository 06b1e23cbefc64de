// Package commands provides the CLI commands for aide.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aide-ai/aide/internal/config"
	"github.com/aide-ai/aide/internal/logging"
	"github.com/aide-ai/aide/pkg/types"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "aide",
	Short: "aide - agentic chat sessions with streamed edits",
	Long: `aide hosts chat sessions whose responses are streamed from an agent
backend, and applies the agent's file edits to a reviewable working set.

Run 'aide serve' to start the HTTP API, 'aide replay' to render a recorded
agent event stream, or 'aide export' to dump a stored session.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print human readable logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Working directory")

	rootCmd.SetVersionTemplate(fmt.Sprintf("aide %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(exportCmd)
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

// environment is what every command needs before doing its work.
type environment struct {
	dir    string
	paths  *config.Paths
	config *types.Config
}

// serverLogFile is where serve writes its JSON log.
func serverLogFile(paths *config.Paths) string {
	return filepath.Join(paths.State, "log", "aide.log")
}

// bootstrap loads the configuration and initializes logging. The --log-level
// flag wins over the configured level.
func bootstrap(logFile bool) (*environment, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, fmt.Errorf("failed to create data directories: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(level)
	logCfg.Pretty = printLogs
	if logFile {
		logCfg.LogFile = serverLogFile(paths)
	}
	if err := logging.Init(logCfg); err != nil {
		return nil, err
	}

	return &environment{dir: dir, paths: paths, config: cfg}, nil
}

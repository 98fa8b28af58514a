package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/circlink/pkg/circlink/config"
	"github.com/jamesainslie/circlink/pkg/circlink/ledger"
	"github.com/jamesainslie/circlink/pkg/circlink/logging"
	"github.com/jamesainslie/circlink/pkg/circlink/output"
	"github.com/jamesainslie/circlink/pkg/circlink/store"
	"github.com/jamesainslie/circlink/pkg/circlink/types"
	"github.com/jamesainslie/circlink/pkg/circlink/workspace"
	"github.com/jamesainslie/circlink/pkg/supervisor"
)

var (
	cfgFile     string
	homeDir     string
	tableFormat string

	// stdout receives command output; tests replace it.
	stdout io.Writer = os.Stdout

	rootCmd = &cobra.Command{
		Use:   "circlink",
		Short: "Mirror project files onto a CircuitPython board as they change",
		Long: `circlink keeps files on a CircuitPython board in sync with your project.

Each link watches a file, directory or glob pattern and copies matching files
to a destination (by default relative to the detected CIRCUITPY drive) whenever
they change. Links run in the background until stopped.

Examples:
  circlink start code.py ""               # Mirror code.py to the board root
  circlink start "lib/*.py" lib -r        # Mirror a library tree
  circlink start src/ /tmp/out --path     # Mirror to a plain directory
  circlink view                           # List links
  circlink stop last                      # Stop the newest link
  circlink ledger                         # Files currently owned by links`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initialize,
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logging.Close()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (default: ~/.config/circlink/settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "directory holding link state (default: $XDG_DATA_HOME/circlink)")
	rootCmd.PersistentFlags().StringVar(&tableFormat, "format", "", fmt.Sprintf("table format, one of %v (default from settings)", output.Available()))
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug output on stderr")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "minimal output")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
}

// env is the state shared by every command, built once per invocation.
type env struct {
	home       string
	settings   *config.Settings
	configMgr  *config.Manager
	store      *store.Store
	ledger     *ledger.Ledger
	sup        *supervisor.Supervisor
	workspaces *workspace.Manager
}

var app *env

// initialize loads settings, prepares the app directory and starts logging.
func initialize(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	app = e

	logCfg, err := e.settings.LoggingConfig()
	if err != nil {
		return fmt.Errorf("invalid logging settings: %w", err)
	}
	if getVerbose() {
		logCfg.ConsoleLevel = "debug"
	}
	if err := logging.Init(logCfg); err != nil {
		printVerbose("logging disabled: %v", err)
	}

	logging.Get("cli").Debug("running command", "command", cmd.CommandPath(), "args", args)
	return nil
}

func newEnv() (*env, error) {
	settingsPath := cfgFile
	if settingsPath != "" {
		var err error
		if settingsPath, err = config.ExpandPath(settingsPath); err != nil {
			return nil, err
		}
	}

	mgr, err := config.Open(settingsPath)
	if err != nil {
		return nil, err
	}
	mgr.SetFormatValidator(output.Validate)

	settings, err := mgr.Settings()
	if err != nil {
		return nil, err
	}

	home := homeDir
	if home == "" {
		home = config.AppDir()
	} else if home, err = config.ExpandPath(home); err != nil {
		return nil, err
	}
	if err := config.EnsureAppDir(home); err != nil {
		return nil, err
	}

	st := store.New(config.LinksDir(home))
	led := ledger.New(config.LedgerPath(home))

	// Workers re-read the same state and settings as this invocation.
	spawnArgs := []string{"--home", home}
	if cfgFile != "" {
		spawnArgs = append(spawnArgs, "--config", mgr.Path())
	}

	sup := supervisor.New(supervisor.Config{
		Store:        st,
		Ledger:       led,
		Spawner:      supervisor.ExecSpawner{Args: spawnArgs},
		ProcessName:  processName(),
		StartTimeout: settings.Links.StartTimeout,
		StopTimeout:  settings.Links.StopTimeout,
		SyncInterval: settings.Links.PollInterval,
	})

	return &env{
		home:       home,
		settings:   settings,
		configMgr:  mgr,
		store:      st,
		ledger:     led,
		sup:        sup,
		workspaces: workspace.New(config.WorkspacesDir(home), st),
	}, nil
}

// processName is the name spawned workers run under, the name of this
// executable.
func processName() string {
	exe, err := os.Executable()
	if err != nil {
		return supervisor.DefaultProcessName
	}
	return filepath.Base(exe)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// getVerbose returns true if verbose mode is enabled.
func getVerbose() bool {
	return viper.GetBool("verbose")
}

// getQuiet returns true if quiet mode is enabled.
func getQuiet() bool {
	return viper.GetBool("quiet")
}

// printVerbose prints a message if verbose mode is enabled.
func printVerbose(format string, args ...interface{}) {
	if getVerbose() && !getQuiet() {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// printInfo prints a message if quiet mode is not enabled.
func printInfo(format string, args ...interface{}) {
	if !getQuiet() {
		fmt.Fprintf(stdout, format+"\n", args...)
	}
}

// printError prints an error message to stderr.
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// printTable renders t in the selected table format.
func printTable(t *output.Table) error {
	format := tableFormat
	if format == "" {
		format = app.settings.Display.Table.Format
	}
	text, err := output.Render(format, t)
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdout, text)
	return err
}

// explain adds what the user can do about a link error.
func explain(err error) error {
	switch {
	case errors.Is(err, types.ErrProcessMismatch):
		return fmt.Errorf("%w\nthe link's worker is gone; remove it with 'circlink clear --force'", err)
	case errors.Is(err, types.ErrStopTimeout):
		return fmt.Errorf("%w\nthe worker may still be stopping; check 'circlink view', or remove it with 'circlink clear --force'", err)
	case errors.Is(err, types.ErrStartTimeout):
		return fmt.Errorf("%w\nthe worker did not start; see the log at %s", err, logPath())
	case errors.Is(err, types.ErrNotStopped):
		return fmt.Errorf("%w\nstop it first, or use --force", err)
	}
	return err
}

func logPath() string {
	if app != nil && app.settings.Logging.Path != "" {
		return app.settings.Logging.Path
	}
	return logging.DefaultLogPath()
}

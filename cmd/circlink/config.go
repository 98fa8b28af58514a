package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/circlink/pkg/circlink/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage settings",
	Long: `Manage circlink settings.

Settings are loaded from $XDG_CONFIG_HOME/circlink/settings.yaml (or
~/.config/circlink/settings.yaml). Environment variables override them using
the CIRCLINK_ prefix, e.g.:
  CIRCLINK_DISPLAY_TABLE_FORMAT=pretty
  CIRCLINK_LINKS_POLL_INTERVAL=250ms`,
}

var configViewCmd = &cobra.Command{
	Use:   "view [key]",
	Short: "Show settings",
	Long: `Show every setting, or the settings under a dotted key such as
"display" or "links.poll_interval".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigView,
}

var configEditCmd = &cobra.Command{
	Use:   "edit [key value]",
	Short: "Change a setting",
	Long: `Set key to value, checking the value against the setting's type.

With no arguments the settings file is opened in $VISUAL, $EDITOR or vi.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return errors.New("expected a key and a value, or nothing to open an editor")
		}
		return nil
	},
	RunE: runConfigEdit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the settings file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the default settings",
	Args:  cobra.NoArgs,
	RunE:  runConfigReset,
}

func init() {
	configCmd.AddCommand(configViewCmd, configEditCmd, configPathCmd, configResetCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigView(cmd *cobra.Command, args []string) error {
	key := "all"
	if len(args) == 1 {
		key = args[0]
	}

	all := app.configMgr.AllSettings()
	var shown []string
	for k := range all {
		if key == "all" || k == key || strings.HasPrefix(k, key+".") {
			shown = append(shown, k)
		}
	}
	if len(shown) == 0 {
		return fmt.Errorf("%w: %s", config.ErrUnknownKey, key)
	}
	sort.Strings(shown)

	for _, k := range shown {
		fmt.Fprintf(stdout, "%s: %v\n", k, all[k])
	}
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	if len(args) == 2 {
		if err := app.configMgr.Set(args[0], args[1]); err != nil {
			return err
		}
		printInfo("%s set to %s", args[0], args[1])
		return nil
	}

	if err := app.configMgr.WriteDefault(); err != nil {
		return err
	}

	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}

	path := app.configMgr.Path()
	printVerbose("Opening %s with %s", path, editor)

	editorCmd := exec.Command(editor, path)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr
	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("editor command failed: %w", err)
	}
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	path := app.configMgr.Path()
	fmt.Fprintln(stdout, path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		printVerbose("File does not exist (defaults are used)")
	}
	return nil
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	if err := app.configMgr.Reset(); err != nil {
		return err
	}
	printInfo("Settings reset to defaults: %s", app.configMgr.Path())
	return nil
}

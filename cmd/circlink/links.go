package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/circlink/pkg/circlink/output"
	"github.com/jamesainslie/circlink/pkg/circlink/types"
	"github.com/jamesainslie/circlink/pkg/supervisor"
)

var (
	startAbsPath     bool
	startName        string
	startRecursive   bool
	startWipeDest    bool
	startSkipPresave bool

	stopClear  bool
	clearForce bool
	viewAbs    bool
)

var startCmd = &cobra.Command{
	Use:   "start <read_path> <write_path>",
	Short: "Start a link",
	Long: `Start a link that mirrors read_path into write_path.

read_path is a file, a directory or a glob pattern, relative to the current
directory. write_path is relative to the CircuitPython board unless --path is
given, in which case it is an ordinary path.`,
	Args: cobra.ExactArgs(2),
	RunE: runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop <id|last|all>",
	Short: "Stop a link",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var clearCmd = &cobra.Command{
	Use:   "clear <id|last|all>",
	Short: "Remove a stopped link from the history",
	Args:  cobra.ExactArgs(1),
	RunE:  runClear,
}

var restartCmd = &cobra.Command{
	Use:   "restart <id|last|all>",
	Short: "Start a stopped link again",
	Long: `Start a new link with the settings of a stopped one, then clear the old one.
The destination is not wiped again.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestart,
}

var viewCmd = &cobra.Command{
	Use:   "view [id|last|all]",
	Short: "List links in the history",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runView,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "List the files currently owned by links",
	Args:  cobra.NoArgs,
	RunE:  runLedger,
}

func init() {
	startCmd.Flags().BoolVarP(&startAbsPath, "path", "p", false, "treat write_path as a path instead of relative to the board")
	startCmd.Flags().StringVarP(&startName, "name", "n", "", "a name for the link")
	startCmd.Flags().BoolVarP(&startRecursive, "recursive", "r", false, "match the glob pattern in subdirectories too")
	startCmd.Flags().BoolVarP(&startWipeDest, "wipe-dest", "w", false, "empty the destination before the first copy")
	startCmd.Flags().BoolVarP(&startSkipPresave, "skip-presave", "s", false, "skip the initial copy of matched files")

	stopCmd.Flags().BoolVarP(&stopClear, "clear", "c", false, "also clear the link from the history")
	clearCmd.Flags().BoolVarP(&clearForce, "force", "f", false, "clear even if the link is not stopped")
	viewCmd.Flags().BoolVarP(&viewAbs, "abs-path", "a", false, "show read paths as absolute paths")

	rootCmd.AddCommand(startCmd, stopCmd, clearCmd, restartCmd, viewCmd, ledgerCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	rec, err := app.sup.Start(cmd.Context(), supervisor.StartRequest{
		ReadPath:  args[0],
		WritePath: args[1],
		BaseDir:   wd,
		UseDevice: !startAbsPath,
		Options: types.Options{
			Name:        startName,
			Recursive:   startRecursive,
			WipeDest:    startWipeDest,
			SkipPresave: startSkipPresave,
		},
	})
	if err != nil {
		return explain(err)
	}

	// The links no longer match any saved workspace.
	if err := app.workspaces.SetCurrent(""); err != nil {
		printVerbose("clearing current workspace: %v", err)
	}

	printInfo("Started link #%d", rec.ID)
	printVerbose("  %s -> %s", rec.AbsReadPath(), rec.WritePath)
	return nil
}

func isAll(selector string) bool {
	return strings.EqualFold(selector, "all")
}

func runStop(cmd *cobra.Command, args []string) error {
	ids, err := app.sup.Resolve(args[0])
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		if isAll(args[0]) {
			printInfo("No links in the history")
			return nil
		}
		return errors.New("there are no links in the history")
	}

	failed := 0
	for _, id := range ids {
		if err := stopOne(cmd, id); err != nil {
			if !isAll(args[0]) {
				return err
			}
			printError("%v", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d links could not be stopped", failed, len(ids))
	}
	return nil
}

func stopOne(cmd *cobra.Command, id int) error {
	stopped, err := app.sup.Stop(cmd.Context(), id)
	if err != nil {
		return explain(err)
	}
	if stopped {
		printInfo("Link #%d stopped", id)
	} else {
		printInfo("Link #%d is already stopped", id)
	}

	if stopClear {
		if err := app.sup.Clear(id, false); err != nil {
			return explain(err)
		}
		printInfo("Link #%d cleared", id)
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	ids, err := app.sup.Resolve(args[0])
	if err != nil {
		return err
	}

	failed := 0
	for _, id := range ids {
		if err := app.sup.Clear(id, clearForce); err != nil {
			if !isAll(args[0]) {
				return explain(err)
			}
			printError("%v", explain(err))
			failed++
			continue
		}
		printInfo("Link #%d cleared", id)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d links could not be cleared", failed, len(ids))
	}
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	ids, err := app.sup.Resolve(args[0])
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("there are no links in the history to restart")
	}

	for _, id := range ids {
		rec, err := app.sup.Restart(cmd.Context(), id)
		switch {
		case errors.Is(err, types.ErrAlreadyRunning):
			printInfo("Link #%d is active, not restarting it", id)
		case err != nil:
			return explain(err)
		default:
			printInfo("Link #%d restarted as link #%d", id, rec.ID)
		}
	}
	return nil
}

func runView(cmd *cobra.Command, args []string) error {
	selector := "all"
	if len(args) == 1 {
		selector = args[0]
	}

	var recs []*types.Record
	if isAll(selector) {
		var err error
		if recs, err = app.store.List("*"); err != nil {
			return err
		}
	} else {
		ids, err := app.sup.Resolve(selector)
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, err := app.store.Load(id)
			if errors.Is(err, types.ErrNotFound) {
				return fmt.Errorf("link #%d is not in the history: %w", id, err)
			}
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
	}

	if len(recs) == 0 {
		printInfo("No links in the history to view")
		return nil
	}

	return printTable(output.NewLinkTable(recs, output.LinkTableOptions{
		AbsPath:       viewAbs,
		ShowProcessID: app.settings.Display.Info.ProcessID,
	}))
}

func runLedger(cmd *cobra.Command, args []string) error {
	entries, err := app.ledger.All()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		printInfo("No files being tracked by circlink")
		return nil
	}
	return printTable(output.NewLedgerTable(entries, app.settings.Display.Info.ProcessID))
}

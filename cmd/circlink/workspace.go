package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jamesainslie/circlink/pkg/circlink/workspace"
)

var (
	wsOverwrite bool
	wsLoad      bool
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Save and load sets of links",
	Long: `A workspace is a saved copy of the link history. Loading one replaces the
current links (which must all be stopped); restart them with
'circlink restart all'.`,
}

var workspaceSaveCmd = &cobra.Command{
	Use:   "save <name>",
	Short: "Save the current links as a workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceSave,
}

var workspaceLoadCmd = &cobra.Command{
	Use:   "load <name>",
	Short: "Replace the current links with a workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceLoad,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved workspaces",
	Args:  cobra.NoArgs,
	RunE:  runWorkspaceList,
}

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a saved workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceDelete,
}

var workspaceCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the current workspace",
	Args:  cobra.NoArgs,
	RunE:  runWorkspaceCurrent,
}

var workspaceExportCmd = &cobra.Command{
	Use:   "export <name> <dir>",
	Short: "Write a workspace to <dir>/<name>.zip",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkspaceExport,
}

var workspaceImportCmd = &cobra.Command{
	Use:   "import <file.zip>",
	Short: "Add a workspace from an exported archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceImport,
}

func init() {
	workspaceSaveCmd.Flags().BoolVarP(&wsOverwrite, "overwrite", "o", false, "replace an existing workspace with the same name")
	workspaceImportCmd.Flags().BoolVarP(&wsOverwrite, "overwrite", "o", false, "replace an existing workspace with the same name")
	workspaceImportCmd.Flags().BoolVarP(&wsLoad, "load", "l", false, "load the workspace after importing it")

	workspaceCmd.AddCommand(
		workspaceSaveCmd,
		workspaceLoadCmd,
		workspaceListCmd,
		workspaceDeleteCmd,
		workspaceCurrentCmd,
		workspaceExportCmd,
		workspaceImportCmd,
	)
	rootCmd.AddCommand(workspaceCmd)
}

func runWorkspaceSave(cmd *cobra.Command, args []string) error {
	m, err := app.workspaces.Save(args[0], wsOverwrite)
	if err != nil {
		return err
	}
	printInfo("Saved workspace %s (%d links)", m.Name, len(m.Links))
	return nil
}

func runWorkspaceLoad(cmd *cobra.Command, args []string) error {
	m, err := app.workspaces.Load(args[0])
	if err != nil {
		return explain(err)
	}
	printInfo("Loaded workspace %s (%d links)", m.Name, len(m.Links))
	return nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	list, err := app.workspaces.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		printInfo("No saved workspaces")
		return nil
	}

	current, err := app.workspaces.Current()
	if err != nil {
		return err
	}
	for _, m := range list {
		marker := " "
		if m.Name == current {
			marker = "*"
		}
		fmt.Fprintf(stdout, "%s %s\t%d links\tsaved %s\n", marker, m.Name, len(m.Links), humanize.Time(m.Saved))
	}
	return nil
}

func runWorkspaceDelete(cmd *cobra.Command, args []string) error {
	if err := app.workspaces.Delete(args[0]); err != nil {
		return err
	}
	printInfo("Deleted workspace %s", args[0])
	return nil
}

func runWorkspaceCurrent(cmd *cobra.Command, args []string) error {
	current, err := app.workspaces.Current()
	if err != nil {
		return err
	}
	if current == "" {
		printInfo("Current workspace is not named")
		return nil
	}
	fmt.Fprintln(stdout, current)
	return nil
}

func runWorkspaceExport(cmd *cobra.Command, args []string) error {
	path, err := app.workspaces.Export(args[0], args[1])
	if err != nil {
		return err
	}
	printInfo("Exported workspace %s to %s", args[0], path)
	return nil
}

func runWorkspaceImport(cmd *cobra.Command, args []string) error {
	m, err := app.workspaces.Import(args[0], workspace.ImportOptions{
		Overwrite: wsOverwrite,
		Load:      wsLoad,
	})
	if err != nil {
		return explain(err)
	}

	verb := "Imported"
	if wsLoad {
		verb = "Imported and loaded"
	}
	printInfo("%s workspace %s (%d links)", verb, m.Name, len(m.Links))
	return nil
}

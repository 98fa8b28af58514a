package main

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/circlink/pkg/circlink/device"
)

// Build-time variables set by go build -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Display the version, commit hash, and build date of circlink.`,
	Run:   runVersion,
}

var aboutCmd = &cobra.Command{
	Use:   "about",
	Short: "A bit about circlink",
	Run:   runAbout,
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Look for a connected CircuitPython board",
	Args:  cobra.NoArgs,
	RunE:  runDetect,
}

func init() {
	rootCmd.AddCommand(versionCmd, aboutCmd, detectCmd)
}

// runVersion prints version information.
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Fprintf(stdout, "circlink %s\n", version)
	fmt.Fprintf(stdout, "  commit:  %s\n", commit)
	fmt.Fprintf(stdout, "  built:   %s\n", date)
	fmt.Fprintf(stdout, "  go:      %s\n", runtime.Version())
	fmt.Fprintf(stdout, "  os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func runAbout(cmd *cobra.Command, args []string) {
	fmt.Fprintln(stdout, "circlink mirrors project files onto CircuitPython boards.")
	fmt.Fprintf(stdout, "State is kept in %s\n", app.home)
	fmt.Fprintf(stdout, "Settings are read from %s\n", app.configMgr.Path())
	fmt.Fprintln(stdout, "Happy hackin'!")
}

func runDetect(cmd *cobra.Command, args []string) error {
	dev, err := device.Find()
	if errors.Is(err, device.ErrNotFound) {
		printInfo("No CircuitPython device detected")
		return nil
	}
	if err != nil {
		return err
	}

	printInfo("CircuitPython device detected: %s", dev.Path)
	if dev.Info != "" {
		printInfo("  %s", dev.Info)
	}
	return nil
}

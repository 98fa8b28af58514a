package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/circlink/pkg/circlink/logging"
)

// workerCmd is the body of a detached link process, started by 'start'.
var workerCmd = &cobra.Command{
	Use:    "worker <id>",
	Short:  "Run a link's sync loop (internal)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid link id %q", args[0])
	}

	// A signal still drains the link.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.Get("worker").With("link", id)
	log.Info("worker starting", "pid", os.Getpid())
	if err := app.sup.RunWorker(ctx, id); err != nil {
		log.Error("worker exiting", "error", err)
		return err
	}
	log.Info("worker exiting")
	return nil
}

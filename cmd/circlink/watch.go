package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/circlink/cmd/circlink/tui"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor links live",
	Long: `Show every link with its state and how many board files it owns,
refreshing until you press q. Press l to follow the shared log file.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", tui.DefaultInterval, "refresh interval")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	return tui.Run(tui.Options{
		Links:    app.store,
		Ledger:   app.ledger,
		Interval: watchInterval,
		LogPath:  logPath(),
	})
}

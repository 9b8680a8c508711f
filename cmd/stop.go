package cmd

import (
	"os"

	"popup/internal/fleet"

	"github.com/spf13/cobra"
)

var (
	stopSelector fleet.Selector
	stopForce    bool
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop running instances",
	Long:  `Stop (not terminate) the selected instances. Returns without waiting for them to stop.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s := newSession(cmd.Context())
		defer s.Close()

		if _, err := fleet.Stop(cmd.Context(), s.client, s.cfg.Identity, stopSelector, stopForce, os.Stdout); err != nil {
			fatal("Failed to stop popups", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
	addSelectorFlags(stopCmd, &stopSelector,
		"Stop (not terminate) all of your instances",
		"Stop (not terminate) all instances for this client",
		"Unique resource tag to be stopped")
	stopCmd.Flags().BoolVarP(&stopForce, "force", "f", false, "Force shutdown")
}

package cmd

import (
	"os"
	"time"

	"popup/internal/fleet"
	"popup/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var destroySelector fleet.Selector

// destroyCmd represents the destroy command
var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy a popup group and associated resources",
	Long: `Terminate the selected instances and wait for them to go away, then delete
their security groups, key pairs, local keys and manifests.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s := newSession(cmd.Context())
		defer s.Close()

		destroyer := &fleet.Destroyer{
			Client:            s.client,
			Store:             s.store,
			Backup:            s.backup,
			Identity:          s.cfg.Identity,
			TerminateInterval: time.Duration(s.cfg.Polling.TerminateIntervalSeconds) * time.Second,
			Out:               os.Stdout,
		}
		matches, err := destroyer.Destroy(cmd.Context(), destroySelector)
		if err != nil {
			fatal("Failed to destroy popups", err)
		}
		logging.Logger().Info("Popups destroyed", zap.Strings("instance_ids", logging.TruncateSlice(fleet.InstanceIDs(matches), 20)))
	},
}

func init() {
	rootCmd.AddCommand(destroyCmd)
	addSelectorFlags(destroyCmd, &destroySelector,
		"Delete all of your popups and resources",
		"Delete all of your instances with this client name",
		"Unique resource tag to be deleted")
}

// addSelectorFlags registers the mutually exclusive -a/-c/-t selection flags
func addSelectorFlags(cmd *cobra.Command, sel *fleet.Selector, allHelp, clientHelp, tagHelp string) {
	cmd.Flags().BoolVarP(&sel.All, "all", "a", false, allHelp)
	cmd.Flags().StringVarP(&sel.Client, "client", "c", "", clientHelp)
	cmd.Flags().StringVarP(&sel.Tag, "tag", "t", "", tagHelp)
	cmd.MarkFlagsMutuallyExclusive("all", "client", "tag")
	cmd.MarkFlagsOneRequired("all", "client", "tag")
}

package cmd

import (
	"os"

	"popup/internal/fleet"
	"popup/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var inventoryDetailed bool

// inventoryCmd represents the inventory command
var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "List popups you have running in AWS",
	Long: `List your non-terminated popups. When a key backup is configured, any
missing local key file for a listed popup is restored from it.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s := newSession(cmd.Context())
		defer s.Close()

		owned, err := fleet.Inventory(cmd.Context(), s.client, s.cfg.Identity, inventoryDetailed, os.Stdout)
		if err != nil {
			fatal("Failed to list popups", err)
		}

		if _, err := fleet.RestoreKeys(cmd.Context(), s.store, s.backup, s.cfg.Identity, owned, os.Stdout); err != nil {
			logging.Logger().Warn("Failed to restore keys from backup", zap.Error(err))
		}

		records, err := s.store.Records()
		if err != nil {
			logging.Logger().Warn("Failed to read local manifests", zap.Error(err))
		}
		logging.Logger().Debug("Inventory listed",
			zap.Int("instances", len(owned)),
			zap.Strings("manifests", records))
	},
}

func init() {
	rootCmd.AddCommand(inventoryCmd)

	inventoryCmd.Flags().BoolVarP(&inventoryDetailed, "detailed", "d", false, "Provide additional EC2 specific information")
}

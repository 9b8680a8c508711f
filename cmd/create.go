package cmd

import (
	"fmt"
	"os"

	"popup/internal/logging"
	"popup/internal/provisioning"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	createSize     string
	createClient   string
	createLifetime int
)

// createCmd represents the create command
var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a popup group (instance, keypair, security group)",
	Long: `Create a key pair and a security group, launch one instance with them and
wait for it to come up. The ssh command to reach it is printed when done.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s := newSession(cmd.Context())
		defer s.Close()

		fmt.Println("Creating EC2 instance...")
		prov := provisioning.NewProvisioner(s.client, s.store, s.backup, s.cfg, os.Stdout)
		res, err := prov.Create(cmd.Context(), provisioning.Options{
			Identity: s.cfg.Identity,
			Size:     createSize,
			Client:   createClient,
			Lifetime: createLifetime,
		})
		if err != nil {
			fatal("Failed to create popup", err)
		}

		logging.Logger().Info("Popup created",
			zap.String("popup_id", res.PopupID),
			zap.String("instance_id", res.InstanceID),
			zap.String("manifest", res.RecordPath),
			zap.String("ssh_config", res.SSHConfigPath))
		fmt.Println(res.ConnectionString)
	},
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVarP(&createSize, "size", "s", "micro", "Instance size (micro or small, or a size from the config file)")
	createCmd.Flags().StringVarP(&createClient, "client", "c", "", "Tag the instance with this client's name (an arbitrary string)")
	createCmd.Flags().IntVarP(&createLifetime, "lifetime", "l", 12, "Hours until the instance powers itself off (0 disables)")
}

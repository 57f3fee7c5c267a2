package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultgate/vaultgate/internal/config"
)

var peerIDCmd = &cobra.Command{
	Use:   "peer-id",
	Short: "Print this node's peer ID",
	Long: `Print the peer ID derived from the node's identity seed.

The ID is what other operators put in the peers section of their config
to grant this node access. A fresh identity is generated if the seed
file does not exist yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfigRaw()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		keys, _, err := loadIdentity(cfg.Node.IdentitySeedFile)
		if err != nil {
			return fmt.Errorf("loading node identity: %w", err)
		}
		fmt.Println(keys.ID())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(peerIDCmd)
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vaultgate/vaultgate/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a starter vaultgate.yaml to the current directory.

The generated file carries the defaults plus an example client grant.
Edit the peers section to name the peers allowed to reach this node.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		const path = "vaultgate.yaml"
		if !initForce {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}

		cfg := config.Config{
			Permissions: config.PermissionsConfig{
				Clients: []config.ClientGrant{
					{
						ClientPath: "default",
						Use:        true,
						ReadStore:  true,
					},
				},
			},
		}
		cfg.SetDefaults()

		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/docflow/pkg/auth"
	"github.com/cuemby/docflow/pkg/config"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen NAME",
	Short: "Generate an API key and append it to the keys file",
	Long: `Generate an API key and append it to the keys file. The secret is
printed once and never stored anywhere else. A running daemon picks
the new key up on SIGHUP.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projects, _ := cmd.Flags().GetStringSlice("projects")
		expiresIn, _ := cmd.Flags().GetDuration("expires-in")
		path, _ := cmd.Flags().GetString("file")

		if path == "" {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			path = cfg.KeysFile()
		}

		var expiresAt *time.Time
		if expiresIn > 0 {
			at := time.Now().UTC().Add(expiresIn)
			expiresAt = &at
		}

		key, err := auth.GenerateKey(args[0], projects, expiresAt)
		if err != nil {
			return err
		}
		if err := auth.AppendKey(path, key); err != nil {
			return err
		}

		fmt.Printf("Key ID:   %s\n", key.KeyID)
		fmt.Printf("Secret:   %s\n", key.Secret)
		fmt.Printf("Projects: %s\n", strings.Join(key.AllowedProjects, ", "))
		if key.ExpiresAt != nil {
			fmt.Printf("Expires:  %s\n", key.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Printf("\nAppended to %s\n", path)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringSlice("projects", nil, "Projects the key may write to (default: all)")
	keygenCmd.Flags().Duration("expires-in", 0, "Key lifetime, e.g. 720h (default: no expiry)")
	keygenCmd.Flags().String("file", "", "Keys file to append to (default: from configuration)")
}

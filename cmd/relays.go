package cmd

import (
	"fmt"
	"slices"

	"github.com/inovacc/tillsync/internal/config"
	"github.com/spf13/cobra"
)

var relaysCmd = &cobra.Command{
	Use:   "relays",
	Short: "Manage the relay set",
	Long:  `List, add or remove the relays this device syncs through. A running daemon picks up changes on restart.`,
}

var relaysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured relays",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Relays) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No relays configured.")
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Add one with: tillsync relays add <url>")

			return nil
		}

		for _, u := range cfg.Relays {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), u)
		}

		return nil
	},
}

var relaysAddCmd = &cobra.Command{
	Use:   "add <url>...",
	Short: "Add relays",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, u := range args {
			if err := config.ValidateRelayURL(u); err != nil {
				return err
			}

			if slices.Contains(cfg.Relays, u) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s already configured\n", u)
				continue
			}

			cfg.Relays = append(cfg.Relays, u)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", u)
		}

		return saveConfig()
	},
}

var relaysRemoveCmd = &cobra.Command{
	Use:     "remove <url>...",
	Aliases: []string{"rm"},
	Short:   "Remove relays",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, u := range args {
			i := slices.Index(cfg.Relays, u)
			if i < 0 {
				return fmt.Errorf("relay %s is not configured", u)
			}

			cfg.Relays = slices.Delete(cfg.Relays, i, i+1)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", u)
		}

		return saveConfig()
	},
}

func init() {
	rootCmd.AddCommand(relaysCmd)
	relaysCmd.AddCommand(relaysListCmd, relaysAddCmd, relaysRemoveCmd)
}

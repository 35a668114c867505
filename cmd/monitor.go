package cmd

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/inovacc/tillsync/internal/cli"
	"github.com/inovacc/tillsync/internal/grpcclient"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live view of the sync state and incoming changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := grpcclient.GetClient()
		if err != nil {
			return err
		}

		_, err = tea.NewProgram(cli.NewMonitorModel(cmd.Context(), c), tea.WithAltScreen()).Run()

		return err
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/inovacc/tillsync/internal/cli"
	"github.com/inovacc/tillsync/internal/grpcclient"
	"github.com/inovacc/tillsync/internal/grpcserver"
	"github.com/inovacc/tillsync/internal/model"
	"github.com/spf13/cobra"
)

var (
	putText         bool
	scanInteractive bool
)

var putCmd = &cobra.Command{
	Use:   "put <collection> <id> <json|->",
	Short: "Write a record",
	Long: `Write a record through the local daemon. The payload is a JSON document,
or - to read it from stdin. With --text the payload is stored as a JSON string.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd.InOrStdin(), args[2])
		if err != nil {
			return err
		}

		c, err := grpcclient.GetClient()
		if err != nil {
			return err
		}

		rec, err := c.Mutate(cmd.Context(), args[0], args[1], payload)
		if err != nil {
			return err
		}

		return outputJSON(cmd.OutOrStdout(), grpcserver.ModelToRecord(rec))
	},
}

var getCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Read a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := grpcclient.GetClient()
		if err != nil {
			return err
		}

		rec, err := c.Get(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}

		return outputJSON(cmd.OutOrStdout(), grpcserver.ModelToRecord(rec))
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <collection> <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a record",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := grpcclient.GetClient()
		if err != nil {
			return err
		}

		rec, err := c.Delete(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s at %s\n", rec.Key(), rec.Version)

		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [collection]",
	Short: "List records, or collections when no collection is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := grpcclient.GetClient()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			names, err := c.Collections(cmd.Context())
			if err != nil {
				return err
			}

			for _, name := range names {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
			}

			return nil
		}

		var records []model.Record

		for rec, err := range c.Scan(cmd.Context(), args[0]) {
			if err != nil {
				return err
			}

			if !scanInteractive {
				if err := json.NewEncoder(cmd.OutOrStdout()).Encode(grpcserver.ModelToRecord(rec)); err != nil {
					return err
				}

				continue
			}

			records = append(records, rec)
		}

		if !scanInteractive {
			return nil
		}

		final, err := tea.NewProgram(cli.NewRecordList(args[0], records), tea.WithAltScreen()).Run()
		if err != nil {
			return err
		}

		if sel := final.(cli.RecordListModel).Selected(); sel != nil {
			return outputJSON(cmd.OutOrStdout(), grpcserver.ModelToRecord(*sel))
		}

		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print every change as it is resolved, one JSON object per line",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := grpcclient.GetClient()
		if err != nil {
			return err
		}

		changes, err := c.Watch(cmd.Context())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())

		for change, err := range changes {
			if err != nil {
				return err
			}

			if err := enc.Encode(change); err != nil {
				return err
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(putCmd, getCmd, deleteCmd, scanCmd, watchCmd)

	putCmd.Flags().BoolVar(&putText, "text", false, "Store the payload as a JSON string")
	scanCmd.Flags().BoolVarP(&scanInteractive, "interactive", "i", false, "Browse the records in a list")
}

func readPayload(stdin io.Reader, arg string) (json.RawMessage, error) {
	data := []byte(arg)

	if arg == "-" {
		var err error

		data, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}

	if putText {
		return json.Marshal(string(data))
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON (use --text to store plain text)")
	}

	return data, nil
}


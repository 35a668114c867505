package cmd

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/inovacc/tillsync/internal/relay"
	"github.com/spf13/cobra"
)

var (
	relayAddr      string
	relayMaxEvents int
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Local relay commands",
}

var relayServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a relay for the local network",
	Long: `Run an in-memory Nostr relay. Devices on a shop network can list it
next to the public relays to keep syncing when the internet is down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := relay.NewServer(relayAddr,
			relay.WithMaxEvents(relayMaxEvents),
			relay.WithServerLogger(slog.Default()),
		)

		if err := srv.Start(ctx); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s\n", srv.URL())

		<-ctx.Done()

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Relay stopping with %d events\n", srv.EventCount())

		return srv.Stop()
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.AddCommand(relayServeCmd)

	relayServeCmd.Flags().StringVar(&relayAddr, "addr", ":7447", "Listen address")
	relayServeCmd.Flags().IntVar(&relayMaxEvents, "max-events", relay.DefaultMaxEvents, "Events kept in memory")
}

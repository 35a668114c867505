package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/inovacc/tillsync/internal/application"
	"github.com/inovacc/tillsync/internal/config"
	"github.com/inovacc/tillsync/internal/model"
	"github.com/spf13/cobra"
)

var (
	logLevel   string
	configPath string

	// cfg is loaded before every command runs
	cfg model.Config
)

var rootCmd = &cobra.Command{
	Use:   application.AppName,
	Short: "Offline-first sync for point-of-sale devices",
	Long: `tillsync keeps the records of a business in sync across its tills, tablets
and back-office machines without a central server.

Every device keeps a full local copy and keeps working offline. Changes are
encrypted with a key derived from the company code and exchanged through
public Nostr relays, which only ever see ciphertext.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLevel(logLevel)
		if err != nil {
			return err
		}

		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		if configPath == "" {
			configPath, err = config.Path()
			if err != nil {
				return err
			}
		}

		cfg, err = config.Load(configPath)

		return err
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetRootCmd returns the root command for introspection purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default is tillsync.ini in the application directory)")
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning", "":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func saveConfig() error {
	if err := config.Validate(cfg); err != nil {
		return err
	}

	return config.Save(configPath, cfg)
}

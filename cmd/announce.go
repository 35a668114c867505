package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/inovacc/tillsync/internal/model"
	"github.com/inovacc/tillsync/internal/scope"
	"github.com/inovacc/tillsync/internal/store"
	"github.com/spf13/cobra"
)

var announceName string

var announceCmd = &cobra.Command{
	Use:   "announce",
	Short: "Publish the business owner record so other devices can join",
	Long: `Publish the discovery record of the configured business. It names this
device's owner key and the business name, encrypted for code holders.

The owner key is created on first use and kept in the local cache.`,
	RunE: runAnnounce,
}

func init() {
	rootCmd.AddCommand(announceCmd)
	announceCmd.Flags().StringVar(&announceName, "name", "", "Business name shown to joining devices")
	_ = announceCmd.MarkFlagRequired("name")
}

func runAnnounce(cmd *cobra.Command, _ []string) error {
	s, err := loadScope()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	owner, err := ownerKey(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Sync.AckTimeout+10*time.Second)
	defer cancel()

	pool, err := connectRelays(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	ev, err := scope.Announce(ctx, pool, s, owner, announceName)
	if err != nil {
		return err
	}

	cfg.BusinessName = announceName
	if err := saveConfig(); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Announced %q as owner %s (event %s)\n",
		announceName, scope.ShortKey(scope.OwnerPublicKey(owner)), truncateString(ev.ID, 16))

	return nil
}

// ownerKey loads the owner key from the local cache, creating it if absent.
func ownerKey(ctx context.Context) (*btcec.PrivateKey, error) {
	cache, err := openCache()
	if err != nil {
		return nil, err
	}
	defer func() { _ = cache.Close() }()

	encoded, err := cache.GetMeta(ctx, store.MetaOwnerKey)

	switch {
	case err == nil:
		return scope.DecodeOwnerKey(encoded)
	case !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("failed to read owner key: %w", err)
	}

	priv, err := scope.NewOwnerKey()
	if err != nil {
		return nil, err
	}

	if err := cache.SetMeta(ctx, store.MetaOwnerKey, scope.EncodeOwnerKey(priv)); err != nil {
		return nil, fmt.Errorf("failed to store owner key: %w", err)
	}

	return priv, nil
}

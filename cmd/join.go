package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inovacc/tillsync/internal/auth"
	"github.com/inovacc/tillsync/internal/scope"
	"github.com/inovacc/tillsync/internal/store"
	"github.com/spf13/cobra"
)

var (
	joinOffline bool
	joinQR      string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a business with its company code",
	Long: `Ask for the company code, look up the business owner on the relays and
store the code in the config. The code is read without echo.

Use --offline to store the code without a lookup, for example on a device
that has no network yet.`,
	RunE: runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)
	joinCmd.Flags().BoolVar(&joinOffline, "offline", false, "Store the code without looking up the owner")
	joinCmd.Flags().StringVar(&joinQR, "qr", "", "Scanned barcode payload instead of a typed code")
}

func runJoin(cmd *cobra.Command, _ []string) error {
	res, err := auth.NewResolver().
		WithQR(&joinQR).
		WithEnv(auth.CodeEnv).
		WithPrompt(promptCode).
		Resolve()
	if err != nil {
		return err
	}

	code := res.Code

	s, err := scope.Derive(code)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if !joinOffline {
		owner, err := discoverOwner(cmd.Context(), s)

		switch {
		case err == nil:
			cfg.BusinessName = owner.Name
			_, _ = fmt.Fprintf(out, "Found %q, owner %s\n", owner.Name, scope.ShortKey(owner.PublicKey))

			rememberOwner(cmd.Context(), owner)
		case errors.Is(err, scope.ErrNotFound):
			return fmt.Errorf("no business announced for this code; check the code or ask the owner to run 'tillsync announce': %w", err)
		default:
			return fmt.Errorf("could not reach the business (use --offline to join anyway): %w", err)
		}
	}

	cfg.Code = code

	if err := saveConfig(); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "Joined scope %s\n", truncateString(s.Topic, 16))

	return nil
}

func discoverOwner(ctx context.Context, s *scope.Scope) (*scope.OwnerIdentity, error) {
	budget := time.Duration(cfg.Sync.DiscoveryAttempts)*cfg.Sync.DiscoveryTimeout + 10*time.Second

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	pool, err := connectRelays(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pool.Close() }()

	d := scope.NewDiscoverer(pool,
		scope.WithAttempts(cfg.Sync.DiscoveryAttempts),
		scope.WithAttemptTimeout(cfg.Sync.DiscoveryTimeout),
		scope.WithBackoff(cfg.Sync.DiscoveryBackoff),
	)

	return d.Discover(ctx, s)
}

// rememberOwner caches the owner in the local store so status shows it before
// the daemon has looked it up itself.
func rememberOwner(ctx context.Context, owner *scope.OwnerIdentity) {
	cache, err := openCache()
	if err != nil {
		return
	}
	defer func() { _ = cache.Close() }()

	_ = cache.SetMeta(ctx, store.MetaOwnerPublicKey, owner.PublicKey)
	_ = cache.SetMeta(ctx, store.MetaBusinessName, owner.Name)
}

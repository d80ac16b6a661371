package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/m3rciful/shopfleet/core/auth"
	"github.com/m3rciful/shopfleet/core/bootstrap"
	"github.com/m3rciful/shopfleet/core/buildinfo"
	coreconfig "github.com/m3rciful/shopfleet/core/config"
	coredatabase "github.com/m3rciful/shopfleet/core/database"
	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/revocation"
)

// NewRootCommand builds the shopfleet command tree.
func NewRootCommand(opts Options) *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "shopfleet",
		Short:         "Multi-tenant Telegram storefront service",
		Version:       fmt.Sprintf("%s (%s, %s)", buildinfo.Version, buildinfo.Commit, buildinfo.Date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to the YAML config (default $CONFIG_PATH)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bot fleet and the HTTP server until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				return Run(c.Context(), cfgPath, opts)
			},
		},
		newMigrateCommand(&cfgPath, opts),
		newRevokeCommand(&cfgPath, opts),
	)
	return root
}

// withConfig loads the config and the logger for a one-shot command.
func withConfig(ctx context.Context, cfgPath string, opts Options, fn func(ctx context.Context, cfg *coreconfig.Config) error) error {
	opts.defaults()
	cfg, err := LoadConfig(cfgPath, opts)
	if err != nil {
		return err
	}
	if err := logger.InitLogger(cfg); err != nil {
		return fmt.Errorf("cmd: logger init failed: %w", err)
	}
	defer func() { _ = opts.ShutdownLogger() }()
	return fn(ctx, cfg)
}

func newMigrateCommand(cfgPath *string, opts Options) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply the database migrations, or roll back one step",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(coredatabase.Up), string(coredatabase.Down)},
		RunE: func(c *cobra.Command, args []string) error {
			dir := coredatabase.Up
			if len(args) == 1 {
				dir = coredatabase.Direction(args[0])
			}
			return withConfig(c.Context(), *cfgPath, opts, func(ctx context.Context, cfg *coreconfig.Config) error {
				if cfg.Database.Driver != coreconfig.DriverPostgres {
					return fmt.Errorf("migrate: driver %q has no schema", cfg.Database.Driver)
				}
				return coredatabase.Migrate(ctx, cfg.Database, dir)
			})
		},
	}
}

func newRevokeCommand(cfgPath *string, opts Options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a bearer token in the durable registry",
		Long: "Revoke writes the token to the revoked tokens table. Running servers " +
			"pick it up on their next start; tokens revoked through the API take effect at once.",
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withConfig(c.Context(), *cfgPath, opts, func(ctx context.Context, cfg *coreconfig.Config) error {
				store, err := bootstrap.OpenStorage(ctx, cfg)
				if err != nil {
					return err
				}
				defer store.Close()
				if cfg.Database.Driver == coreconfig.DriverMemory {
					logger.Warn(ctx, logger.CompRevocation, "revoke", slog.String("status", "degraded"),
						slog.String("reason", "memory driver does not persist revocations"))
				}

				svc := auth.NewService(cfg.Auth, nil)
				entry, err := revocation.NewRegistry(svc.ExpiryOf, store).Revoke(ctx, args[0], "cli", reason)
				if err != nil {
					return err
				}
				if entry.TokenHash == "" {
					fmt.Fprintln(c.OutOrStdout(), "token already expired, nothing to revoke")
					return nil
				}
				fmt.Fprintf(c.OutOrStdout(), "revoked %s until %s\n", entry.TokenHash, entry.ExpiresAt.Format("2006-01-02 15:04:05Z07:00"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "revoked by operator", "reason stored with the revocation")
	return cmd
}

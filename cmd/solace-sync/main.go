package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/solaceapp/solace-sync/internal/cache"
	"github.com/solaceapp/solace-sync/internal/config"
	"github.com/solaceapp/solace-sync/internal/logging"
	"github.com/solaceapp/solace-sync/internal/server"
	"github.com/solaceapp/solace-sync/internal/tier"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "solace-sync",
		Short:         "Solace subscription tier reconciliation daemon",
		Long:          `solace-sync keeps the app's subscription tier consistent across the billing provider, the user profile and local caches.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(newServeCmd(), newCachedTierCmd(), newRefreshCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "solace-sync %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

type cachedTierOutput struct {
	Cached    bool       `json:"cached"`
	Tier      tier.Tier  `json:"tier,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Stale     bool       `json:"stale,omitempty"`
}

func newCachedTierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cached-tier",
		Short: "Print the durable cached tier without contacting any service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := cache.NewFile(cfg.DataDir)
			if err != nil {
				return err
			}
			rec, err := store.ReadEntry(cmd.Context())
			if err != nil {
				return err
			}

			out := cachedTierOutput{}
			if rec != nil {
				ts := rec.Timestamp
				out.Timestamp = &ts
				if rec.FreshWithin(time.Now(), tier.DurableMaxAge) {
					out.Cached = true
					out.Tier = rec.Tier
				} else {
					out.Stale = true
				}
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newRefreshCmd() *cobra.Command {
	var (
		userID  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Sign in a user, run a manual refresh and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.UserID = ""

			app, err := server.Build(cfg, Version)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			app.Engine.Bootstrap(ctx)
			if _, err := app.Sessions.SignIn(ctx, userID); err != nil {
				return err
			}
			status, err := app.Sessions.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("refresh: %w", err)
			}

			snap := app.State.Snapshot()
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"identity": snap.Identity,
				"tier":     snap.Tier,
				"sync":     status,
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to reconcile")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "solace-sync",
	})
	return cfg, nil
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx, cfg, Version)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "solace-sync",
	})
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("solace-sync failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

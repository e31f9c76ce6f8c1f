// Package server assembles the sync daemon from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/solaceapp/solace-sync/internal/api"
	"github.com/solaceapp/solace-sync/internal/billing"
	"github.com/solaceapp/solace-sync/internal/cache"
	"github.com/solaceapp/solace-sync/internal/config"
	"github.com/solaceapp/solace-sync/internal/httpclient"
	"github.com/solaceapp/solace-sync/internal/metrics"
	"github.com/solaceapp/solace-sync/internal/profile"
	"github.com/solaceapp/solace-sync/internal/scheduler"
	"github.com/solaceapp/solace-sync/internal/session"
	"github.com/solaceapp/solace-sync/internal/state"
	"github.com/solaceapp/solace-sync/internal/tier"
	"github.com/solaceapp/solace-sync/internal/tiersync"
	"github.com/solaceapp/solace-sync/internal/webhook"
	"github.com/solaceapp/solace-sync/internal/websocket"
)

// App holds the wired components of one daemon process.
type App struct {
	Config   *config.Config
	State    *state.Store
	Engine   *tiersync.Engine
	Sessions *session.Manager
	Periodic *scheduler.Periodic
	Hub      *websocket.Hub
	Billing  tiersync.BillingProvider
	Profiles profile.Store
	Local    *profile.SQLite
	Cache    *cache.File

	handler http.Handler
	closers []func() error
}

// Build wires every component described by cfg. The caller must Close the
// returned App.
func Build(cfg *config.Config, version string) (app *App, err error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	app = &App{Config: cfg, State: state.NewStore()}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if cfg.DNSCacheTTL > 0 {
		httpclient.SetDNSCacheTTL(cfg.DNSCacheTTL)
	}
	client := httpclient.New(cfg.HTTPTimeout)

	app.Local, err = profile.OpenSQLite(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open local profile store: %w", err)
	}
	app.closers = append(app.closers, app.Local.Close)

	if app.Profiles, err = app.buildProfiles(client); err != nil {
		return nil, err
	}
	if app.Billing, err = app.buildBilling(client); err != nil {
		return nil, err
	}

	app.Cache, err = cache.NewFile(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open durable cache: %w", err)
	}

	app.Engine = tiersync.New(tiersync.Config{
		Debounce:        cfg.Sync.Debounce,
		MinSyncInterval: cfg.Sync.MinSyncInterval,
		CacheTTL:        cfg.Sync.CacheTTL,
		BillingTimeout:  cfg.Sync.BillingTimeout,
		ProfileTimeout:  cfg.Sync.ProfileTimeout,
	}, app.Billing, app.Profiles, app.State, app.Cache, tiersync.WithObserver(metrics.Observer{}))
	app.closers = append(app.closers, func() error {
		app.Engine.Close()
		return nil
	})

	app.Periodic, err = scheduler.New(cfg.Sync.PeriodicSpec, app.Engine)
	if err != nil {
		return nil, err
	}

	app.Sessions = session.NewManager(app.State, app.Engine, app.Billing, app.Profiles, app.Periodic)
	app.Hub = websocket.NewHub(func() interface{} { return app.State.Snapshot() }, cfg.AllowedOrigins)

	deps := &api.Deps{
		Engine:       app.Engine,
		Sessions:     app.Sessions,
		State:        app.State,
		Version:      version,
		WebSocket:    app.Hub.HandleWebSocket,
		RefreshRate:  cfg.RefreshRate,
		RefreshBurst: cfg.RefreshBurst,
		TrustProxy:   cfg.TrustProxy,
		Periodic:     app.Periodic,
	}
	if secret := cfg.RevenueCat.WebhookSecret; secret != "" {
		deps.RevenueCat = webhook.NewRevenueCatHandler(secret, cfg.RevenueCat.Entitlement, app.State, app.Engine)
	}
	if secret := cfg.Stripe.WebhookSecret; secret != "" {
		deps.Stripe = webhook.NewStripeHandler(secret, app.Local, app.State, app.Engine)
	}
	app.handler = api.NewRouter(deps)

	log.Info().
		Str("billing", cfg.BillingProvider).
		Str("profiles", cfg.ProfileStore).
		Str("data_dir", cfg.DataDir).
		Bool("revenuecat_webhook", deps.RevenueCat != nil).
		Bool("stripe_webhook", deps.Stripe != nil).
		Msg("Sync daemon assembled")
	return app, nil
}

func (a *App) buildProfiles(client *http.Client) (profile.Store, error) {
	switch a.Config.ProfileStore {
	case config.ProfileSupabase:
		sb, err := profile.NewSupabase(profile.SupabaseConfig{
			ProjectURL: a.Config.Supabase.URL,
			APIKey:     a.Config.Supabase.APIKey,
		}, client)
		if err != nil {
			return nil, fmt.Errorf("configure supabase profiles: %w", err)
		}
		return sb, nil
	case config.ProfilePostgres:
		pg, err := profile.OpenPostgres(a.Config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres profiles: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		return pg, nil
	default:
		return a.Local, nil
	}
}

func (a *App) buildBilling(client *http.Client) (tiersync.BillingProvider, error) {
	switch a.Config.BillingProvider {
	case config.BillingRevenueCat:
		return billing.NewRevenueCat(billing.RevenueCatConfig{
			BaseURL:     a.Config.RevenueCat.BaseURL,
			APIKey:      a.Config.RevenueCat.APIKey,
			Entitlement: a.Config.RevenueCat.Entitlement,
		}, client, a.State), nil
	case config.BillingStripe:
		stripe.SetHTTPClient(client)
		return billing.NewStripe(a.Config.Stripe.APIKey, a.Local, a.State), nil
	default:
		t, err := tier.ParseTier(a.Config.StaticTier)
		if err != nil {
			return nil, fmt.Errorf("static billing tier: %w", err)
		}
		return billing.NewStatic(t), nil
	}
}

// Handler returns the HTTP handler serving the daemon API.
func (a *App) Handler() http.Handler { return a.handler }

// Start restores the cached tier and signs in the configured user, if any.
func (a *App) Start(ctx context.Context) error {
	if t, ok := a.Engine.Bootstrap(ctx); ok {
		metrics.SetCurrentTier(t)
	} else {
		metrics.SetCurrentTier(a.State.Tier())
	}
	if a.Config.UserID == "" {
		return nil
	}
	if _, err := a.Sessions.SignIn(ctx, a.Config.UserID); err != nil {
		return fmt.Errorf("sign in %s: %w", a.Config.UserID, err)
	}
	return nil
}

// Close releases stores and stops background work. It is safe to call on a
// partially built App.
func (a *App) Close() error {
	var errs []error
	if a.Periodic != nil {
		a.Periodic.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

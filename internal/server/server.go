package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/solaceapp/solace-sync/internal/config"
	"github.com/solaceapp/solace-sync/internal/logging"
	"github.com/solaceapp/solace-sync/internal/metrics"
	"github.com/solaceapp/solace-sync/internal/state"
	"github.com/solaceapp/solace-sync/internal/websocket"
)

const shutdownTimeout = 30 * time.Second

// Run serves the daemon until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	log.Info().Str("version", version).Msg("Starting Solace sync daemon")

	app, err := Build(cfg, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("Error releasing resources")
		}
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	return app.Serve(ctx, ln)
}

// Serve runs the HTTP server, hub, state fan-out and config watcher on ln
// until ctx ends or one of them fails.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Hub.Run(ctx) })

	changes, unsubscribe := a.State.Subscribe(16)
	g.Go(func() error {
		defer unsubscribe()
		forwardChanges(ctx, changes, a.Hub)
		return nil
	})

	watcher := config.NewWatcher(a.Config, func(next *config.Config) {
		level := logging.SetLevel(next.LogLevel)
		log.Info().Str("level", level.String()).Msg("Log level updated")
	})
	g.Go(func() error { return watcher.Run(ctx) })

	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("Sync daemon listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := a.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Startup sign-in failed; waiting for an explicit sign-in")
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down sync daemon")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		a.Periodic.Stop()
		return nil
	})

	err := g.Wait()
	log.Info().Msg("Sync daemon stopped")
	return err
}

// broadcaster is the part of the hub the state fan-out needs.
type broadcaster interface {
	Broadcast(msgType string, data interface{})
}

var _ broadcaster = (*websocket.Hub)(nil)

func forwardChanges(ctx context.Context, changes <-chan state.Change, hub broadcaster) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			metrics.SetCurrentTier(change.Current)
			hub.Broadcast(websocket.TypeTierChanged, change)
		}
	}
}

// Package api exposes the sync daemon over HTTP: subscription status, manual
// refresh, session transitions, billing webhooks, metrics and the websocket
// tier stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solaceapp/solace-sync/internal/session"
	"github.com/solaceapp/solace-sync/internal/state"
	"github.com/solaceapp/solace-sync/internal/tier"
	"github.com/solaceapp/solace-sync/internal/tiersync"
)

// Engine is the subset of *tiersync.Engine the handlers read.
type Engine interface {
	Status() tiersync.Status
	GetCachedTier(ctx context.Context) (tier.Tier, bool)
}

// Sessions is implemented by *session.Manager.
type Sessions interface {
	SignIn(ctx context.Context, identity string) (session.SignInResult, error)
	SignOut(ctx context.Context)
	Refresh(ctx context.Context) (tiersync.Status, error)
}

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Engine   Engine
	Sessions Sessions
	State    *state.Store
	Version  string

	// Optional handlers; nil routes answer 404.
	WebSocket  http.HandlerFunc
	RevenueCat http.Handler
	Stripe     http.Handler

	// Periodic reports the periodic check scheduler; nil omits it.
	Periodic PeriodicStatus

	// Manual refresh limit per client; zero values use defaults.
	RefreshRate  float64
	RefreshBurst int
	TrustProxy   bool
}

// PeriodicStatus is implemented by *scheduler.Periodic.
type PeriodicStatus interface {
	Spec() string
	Running() bool
	LastRun() time.Time
}

// NewRouter builds the daemon's HTTP handler.
func NewRouter(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	h := &handlers{deps: deps}

	mux.HandleFunc("GET /healthz", h.healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	if deps.WebSocket != nil {
		mux.HandleFunc("GET /ws", deps.WebSocket)
	}

	mux.HandleFunc("GET /api/subscription", h.subscription)
	mux.HandleFunc("GET /api/subscription/cached", h.cachedTier)

	limiter := NewRateLimiter(deps.RefreshRate, deps.RefreshBurst, 10*time.Minute)
	limiter.TrustProxy = deps.TrustProxy
	mux.Handle("POST /api/subscription/refresh", limiter.Middleware(http.HandlerFunc(h.refresh)))

	mux.HandleFunc("POST /api/session", h.signIn)
	mux.HandleFunc("DELETE /api/session", h.signOut)

	if deps.RevenueCat != nil {
		mux.Handle("POST /webhooks/revenuecat", deps.RevenueCat)
	}
	if deps.Stripe != nil {
		mux.Handle("POST /webhooks/stripe", deps.Stripe)
	}

	return withRecovery(withRequestID(mux))
}

// Package session drives the sign-in, sign-out and manual refresh flows that
// feed the reconciliation engine.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	serrors "github.com/solaceapp/solace-sync/internal/errors"
	"github.com/solaceapp/solace-sync/internal/profile"
	"github.com/solaceapp/solace-sync/internal/tier"
	"github.com/solaceapp/solace-sync/internal/tiersync"
)

const (
	defaultLookupTimeout = 10 * time.Second
)

// Engine is the subset of *tiersync.Engine the session flows use.
type Engine interface {
	Trigger(req tiersync.Request) <-chan struct{}
	RequestSync(ctx context.Context, req tiersync.Request)
	Reset(ctx context.Context) error
	Status() tiersync.Status
}

// LocalState is the subset of *state.Store the session flows use.
type LocalState interface {
	Identity() string
	SetIdentity(identity string)
	SetUserName(name string)
	Tier() tier.Tier
	Reset()
}

// ProfileFetcher loads the profile row for display data.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, identity string) (*profile.Profile, error)
}

// Periodic is the scheduler lifecycle tied to a signed-in session.
type Periodic interface {
	Start() error
	Stop()
}

// Manager serializes session transitions.
type Manager struct {
	mu            sync.Mutex
	state         LocalState
	engine        Engine
	billing       tiersync.BillingProvider
	profiles      ProfileFetcher
	periodic      Periodic
	lookupTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLookupTimeout bounds the billing and profile lookups made at sign-in.
func WithLookupTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lookupTimeout = d
		}
	}
}

func NewManager(state LocalState, engine Engine, billing tiersync.BillingProvider, profiles ProfileFetcher, periodic Periodic, opts ...Option) *Manager {
	m := &Manager{
		state:         state,
		engine:        engine,
		billing:       billing,
		profiles:      profiles,
		periodic:      periodic,
		lookupTimeout: defaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SignInResult reports what sign-in learned.
type SignInResult struct {
	Identity    string     `json:"identity"`
	UserName    string     `json:"user_name,omitempty"`
	BillingTier *tier.Tier `json:"billing_tier,omitempty"`
}

// SignIn establishes identity, loads the profile and requests the initial
// syncs. A different signed-in user is signed out first.
func (m *Manager) SignIn(ctx context.Context, identity string) (SignInResult, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return SignInResult{}, fmt.Errorf("sign in: %w", serrors.ErrNoIdentity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if current := m.state.Identity(); current != "" && current != identity {
		log.Info().Str("previous", current).Str("identity", identity).Msg("Switching users; signing out previous session")
		m.signOutLocked(ctx)
	}
	m.state.SetIdentity(identity)
	result := SignInResult{Identity: identity}

	// Billing login: the provider's answer is authoritative when it arrives.
	var forced *tier.Tier
	if m.billing != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, m.lookupTimeout)
		t, err := m.billing.QueryActiveTier(lookupCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("identity", identity).Msg("Billing lookup at sign-in failed; engine will retry")
		} else if t.Valid() {
			result.BillingTier = &t
			forced = &t
		}
	}
	if forced != nil {
		m.engine.Trigger(tiersync.Request{Source: tier.SourceAuthSync, Forced: forced})
	}

	if m.profiles != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, m.lookupTimeout)
		prof, err := m.profiles.FetchProfile(lookupCtx, identity)
		cancel()
		switch {
		case err != nil:
			log.Warn().Err(err).Str("identity", identity).Msg("Profile fetch at sign-in failed")
		case prof == nil:
			log.Info().Str("identity", identity).Msg("No profile found for user")
		default:
			if prof.UserName != "" {
				m.state.SetUserName(prof.UserName)
				result.UserName = prof.UserName
			}
			log.Debug().Str("identity", identity).Str("profile_tier", string(prof.Tier)).Msg("Profile loaded")
		}
	}
	// An unforced request in the same burst would replace the forced one, so
	// the engine only looks billing up itself when sign-in could not.
	if forced == nil {
		m.engine.Trigger(tiersync.Request{Source: tier.SourceProfileFetch})
	}

	if m.periodic != nil {
		if err := m.periodic.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start periodic subscription checks")
		}
	}

	log.Info().Str("identity", identity).Msg("User signed in")
	return result, nil
}

// SignOut stops periodic checks, resets the engine and returns local state to
// the signed-out defaults.
func (m *Manager) SignOut(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signOutLocked(ctx)
}

func (m *Manager) signOutLocked(ctx context.Context) {
	if m.periodic != nil {
		m.periodic.Stop()
	}
	identity := m.state.Identity()
	// Engine first: once it returns, no run from this session can commit.
	if err := m.engine.Reset(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to clear subscription caches at sign-out")
	}
	m.state.Reset()
	log.Info().Str("identity", identity).Msg("User signed out")
}

// Refresh runs a manual refresh and waits for it. It bypasses the throttle
// and the in-memory cache.
func (m *Manager) Refresh(ctx context.Context) (tiersync.Status, error) {
	if m.state.Identity() == "" {
		return tiersync.Status{}, fmt.Errorf("refresh: %w", serrors.ErrNoIdentity)
	}
	m.engine.RequestSync(ctx, tiersync.Request{Source: tier.SourceManualRefresh})
	if err := ctx.Err(); err != nil {
		return m.engine.Status(), err
	}
	return m.engine.Status(), nil
}

// Current reports the signed-in identity and tier.
func (m *Manager) Current() (string, tier.Tier) {
	return m.state.Identity(), m.state.Tier()
}

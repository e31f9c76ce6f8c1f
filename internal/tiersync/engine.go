// Package tiersync reconciles the user's subscription tier between the
// billing provider, the remote profile record and local process state.
//
// Requests are debounced (trailing edge), executed single-flight, and
// throttled to a minimum interval unless the user asked for the refresh.
// A resolved tier is only propagated when it differs from local state.
package tiersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/solaceapp/solace-sync/internal/debounce"
	syncerrors "github.com/solaceapp/solace-sync/internal/errors"
	"github.com/solaceapp/solace-sync/internal/tier"
)

const (
	DefaultDebounce        = time.Second
	DefaultMinSyncInterval = 10 * time.Second
	DefaultCacheTTL        = 2 * time.Minute
	DefaultBillingTimeout  = 8 * time.Second
	DefaultProfileTimeout  = 10 * time.Second
)

// Config tunes the engine. Zero values take the defaults above.
type Config struct {
	Debounce        time.Duration
	MinSyncInterval time.Duration
	CacheTTL        time.Duration
	BillingTimeout  time.Duration
	ProfileTimeout  time.Duration
	DurableMaxAge   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.MinSyncInterval <= 0 {
		c.MinSyncInterval = DefaultMinSyncInterval
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.BillingTimeout <= 0 {
		c.BillingTimeout = DefaultBillingTimeout
	}
	if c.ProfileTimeout <= 0 {
		c.ProfileTimeout = DefaultProfileTimeout
	}
	if c.DurableMaxAge <= 0 {
		c.DurableMaxAge = tier.DurableMaxAge
	}
	return c
}

// Request asks for a sync. Forced short-circuits the billing lookup when the
// trigger already knows the authoritative tier.
type Request struct {
	Source tier.Source
	Forced *tier.Tier
}

// Outcome describes how a sync attempt ended.
type Outcome string

const (
	OutcomeSkippedInFlight  Outcome = "skipped_in_flight"
	OutcomeSkippedThrottled Outcome = "skipped_throttled"
	OutcomeUnchanged        Outcome = "unchanged"
	OutcomeChanged          Outcome = "changed"
	OutcomeFailed           Outcome = "failed"
	OutcomeDiscarded        Outcome = "discarded_invalid"
	OutcomeSuperseded       Outcome = "superseded"
)

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for throttle and cache age decisions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithObserver registers an observer for engine events.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// Engine is the process-wide tier coordinator. Construct one and share it.
type Engine struct {
	cfg      Config
	billing  BillingProvider
	profiles ProfileStore
	local    LocalState
	cache    DurableCache
	observer Observer
	now      func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	debouncer *debounce.Debouncer[queued]

	// commitMu orders tier commits against Reset.
	commitMu sync.Mutex

	mu             sync.Mutex
	generation     uint64
	runCtx         context.Context
	runCancel      context.CancelFunc
	syncInProgress bool
	lastSync       time.Time
	memCache       *tier.Record
	lastRun        *RunSummary
}

// queued is a request stamped with the session generation it was made in.
type queued struct {
	req Request
	gen uint64
}

// syncRun is what a performSync call captured when it passed the guards.
type syncRun struct {
	ctx      context.Context
	gen      uint64
	identity string
}

// New wires an engine to its collaborators. profiles and cache may be nil,
// in which case the corresponding writes are skipped.
func New(cfg Config, billing BillingProvider, profiles ProfileStore, local LocalState, cache DurableCache, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg.withDefaults(),
		billing:  billing,
		profiles: profiles,
		local:    local,
		cache:    cache,
		observer: nopObserver{},
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	for _, opt := range opts {
		opt(e)
	}
	e.debouncer = debounce.New(e.cfg.Debounce, e.performSync)
	return e
}

// Trigger requests a sync without waiting. The returned channel is closed
// once the burst this request joined has been executed or skipped.
func (e *Engine) Trigger(req Request) <-chan struct{} {
	if req.Forced != nil {
		forced := *req.Forced
		req.Forced = &forced
	}

	event := log.Debug().Str("source", string(req.Source))
	if req.Forced != nil {
		event = event.Str("forced_tier", string(*req.Forced))
	}
	event.Msg("Subscription sync requested")

	e.observer.SyncRequested(req.Source)
	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()
	return e.debouncer.Push(queued{req: req, gen: gen})
}

// RequestSync requests a sync and waits until its burst finishes or ctx is
// done. It never fails; problems are logged.
func (e *Engine) RequestSync(ctx context.Context, req Request) {
	done := e.Trigger(req)
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// GetCachedTier returns the durable cache tier when it is younger than the
// durable max age. It never mutates state and never contacts billing.
func (e *Engine) GetCachedTier(ctx context.Context) (tier.Tier, bool) {
	rec := e.readDurable(ctx, e.now())
	if rec == nil {
		return "", false
	}
	return rec.Tier, true
}

// Bootstrap applies a fresh durable cache record to local state so a cold
// start reflects the last known tier before the first sync completes. It is
// skipped while a sync is running.
func (e *Engine) Bootstrap(ctx context.Context) (tier.Tier, bool) {
	e.mu.Lock()
	if e.syncInProgress {
		e.mu.Unlock()
		return "", false
	}
	e.syncInProgress = true
	gen := e.generation
	e.mu.Unlock()

	defer e.release(gen)

	cached, ok := e.GetCachedTier(ctx)
	if !ok {
		return "", false
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	if !e.isCurrent(gen) {
		return "", false
	}
	if e.local.Tier() != cached {
		e.local.SetTier(cached)
		log.Info().Str("tier", string(cached)).Msg("Applied cached subscription tier at startup")
	}
	return cached, true
}

// ClearCache drops the in-memory billing cache and the durable cache.
func (e *Engine) ClearCache(ctx context.Context) error {
	e.mu.Lock()
	e.memCache = nil
	e.mu.Unlock()

	if e.cache == nil {
		return nil
	}
	if err := e.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear durable cache: %w", err)
	}
	log.Info().Msg("Subscription caches cleared")
	return nil
}

// Reset forgets everything learned for the previous session: the pending
// burst, the throttle window and both caches. A sync that is already running
// finishes without committing its result, and its collaborator calls are
// cancelled.
func (e *Engine) Reset(ctx context.Context) error {
	e.debouncer.Cancel()

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	e.mu.Lock()
	e.generation++
	e.runCancel()
	e.runCtx, e.runCancel = context.WithCancel(e.ctx)
	e.syncInProgress = false
	e.lastSync = time.Time{}
	e.mu.Unlock()

	log.Info().Msg("Subscription sync state reset")
	return e.ClearCache(ctx)
}

func (e *Engine) isCurrent(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation == gen
}

// release clears the in-progress flag unless a Reset already handed it to a
// newer session.
func (e *Engine) release(gen uint64) {
	e.mu.Lock()
	if e.generation == gen {
		e.syncInProgress = false
	}
	e.mu.Unlock()
}

// Close cancels any pending burst and aborts collaborator calls in flight.
func (e *Engine) Close() {
	e.debouncer.Stop()
	e.cancel()
}

func (e *Engine) performSync(q queued) {
	req := q.req
	start := e.now()
	runID := ulid.Make().String()
	logger := log.With().
		Str("sync_id", runID).
		Str("source", string(req.Source)).
		Logger()

	if !req.Source.Valid() || (req.Forced != nil && !req.Forced.Valid()) {
		logger.Error().Msg("Discarding sync request with invalid source or forced tier")
		e.finish(runID, req, OutcomeDiscarded, "", start)
		return
	}

	e.mu.Lock()
	if q.gen != e.generation {
		e.mu.Unlock()
		logger.Info().Msg("Sync requested before session reset, discarding")
		e.finish(runID, req, OutcomeSuperseded, "", start)
		return
	}
	if e.syncInProgress {
		e.mu.Unlock()
		logger.Info().Msg("Sync already in progress, skipping")
		e.finish(runID, req, OutcomeSkippedInFlight, "", start)
		return
	}
	if !req.Source.BypassesThrottle() && !e.lastSync.IsZero() && start.Sub(e.lastSync) < e.cfg.MinSyncInterval {
		since := start.Sub(e.lastSync)
		e.mu.Unlock()
		logger.Info().Dur("since_last_sync", since).Msg("Too soon since last sync, skipping")
		e.finish(runID, req, OutcomeSkippedThrottled, "", start)
		return
	}
	e.syncInProgress = true
	e.lastSync = start
	run := syncRun{ctx: e.runCtx, gen: e.generation, identity: e.local.Identity()}
	e.mu.Unlock()

	outcome := OutcomeFailed
	var resolved tier.Tier
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Subscription sync panicked; keeping current state")
			outcome = OutcomeFailed
		}
		e.release(run.gen)
		e.finish(runID, req, outcome, resolved, start)
	}()

	logger.Info().Msg("Starting subscription sync")
	outcome, resolved = e.reconcile(run, req, logger)
}

func (e *Engine) reconcile(run syncRun, req Request, logger zerolog.Logger) (Outcome, tier.Tier) {
	var resolved tier.Tier
	if req.Forced != nil {
		resolved = *req.Forced
		logger.Info().Str("tier", string(resolved)).Msg("Using forced tier")
	} else {
		resolved = e.resolveFromBilling(run, req.Source.ForcesFreshLookup(), logger)
	}

	e.commitMu.Lock()
	if !e.isCurrent(run.gen) {
		e.commitMu.Unlock()
		logger.Info().Str("tier", string(resolved)).Msg("Session changed during sync, discarding result")
		return OutcomeSuperseded, resolved
	}
	current := e.local.Tier()
	if current == resolved {
		e.commitMu.Unlock()
		logger.Info().Str("tier", string(resolved)).Msg("No tier change needed")
		return OutcomeUnchanged, resolved
	}

	// Local state first so the UI does not wait on the network write.
	e.local.SetTier(resolved)
	e.commitMu.Unlock()
	logger.Info().
		Str("from", string(current)).
		Str("to", string(resolved)).
		Msg("Updated local subscription tier")

	e.writeProfile(run, resolved, logger)

	rec := tier.Record{Tier: resolved, Timestamp: e.now()}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	if !e.isCurrent(run.gen) {
		logger.Info().Msg("Session changed during sync, not caching result")
		return OutcomeSuperseded, resolved
	}

	e.mu.Lock()
	e.memCache = &rec
	e.mu.Unlock()

	if e.cache != nil {
		if err := e.cache.WriteEntry(run.ctx, rec); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist subscription cache")
		}
	}

	logger.Info().Str("tier", string(resolved)).Msg("Subscription tier synced")
	return OutcomeChanged, resolved
}

// resolveFromBilling never returns an empty tier: when the provider fails it
// falls back to the in-memory cache (even stale), then a fresh durable
// record, then the current local tier.
func (e *Engine) resolveFromBilling(run syncRun, forceFresh bool, logger zerolog.Logger) tier.Tier {
	now := e.now()

	e.mu.Lock()
	var cached *tier.Record
	if e.memCache != nil {
		c := *e.memCache
		cached = &c
	}
	e.mu.Unlock()

	if !forceFresh && cached != nil && cached.FreshWithin(now, e.cfg.CacheTTL) {
		logger.Debug().Str("tier", string(cached.Tier)).Msg("Using cached billing status")
		return cached.Tier
	}

	fresh, err := e.queryBilling(run.ctx)
	e.observer.BillingQueried(err)
	if err == nil {
		e.mu.Lock()
		if e.generation == run.gen {
			e.memCache = &tier.Record{Tier: fresh, Timestamp: now}
		}
		e.mu.Unlock()
		logger.Info().Str("tier", string(fresh)).Msg("Billing provider returned tier")
		return fresh
	}

	logger.Warn().Err(err).
		Bool("retryable", syncerrors.IsRetryable(err)).
		Msg("Billing provider query failed")

	if cached != nil {
		logger.Info().
			Str("tier", string(cached.Tier)).
			Dur("age", cached.Age(now)).
			Msg("Using cached billing status after provider error")
		return cached.Tier
	}

	if rec := e.readDurable(run.ctx, now); rec != nil {
		logger.Info().
			Str("tier", string(rec.Tier)).
			Dur("age", rec.Age(now)).
			Msg("Using durable subscription cache after provider error")
		return rec.Tier
	}

	current := e.local.Tier()
	logger.Warn().Str("tier", string(current)).Msg("No cached billing status; keeping current local tier")
	return current
}

func (e *Engine) queryBilling(parent context.Context) (t tier.Tier, err error) {
	if e.billing == nil {
		return "", syncerrors.WrapBilling("query_active_tier", "", errors.New("no billing provider configured"))
	}

	ctx, cancel := context.WithTimeout(parent, e.cfg.BillingTimeout)
	defer cancel()

	t, err = e.billing.QueryActiveTier(ctx)
	if err != nil {
		return "", err
	}
	if !t.Valid() {
		return "", syncerrors.WrapBilling("query_active_tier", "", fmt.Errorf("%w: %q", tier.ErrUnknownTier, string(t)))
	}
	return t, nil
}

func (e *Engine) writeProfile(run syncRun, t tier.Tier, logger zerolog.Logger) {
	identity := run.identity
	if identity == "" {
		logger.Info().Msg("No authenticated user, skipping profile update")
		return
	}
	if e.profiles == nil {
		logger.Debug().Msg("No profile store configured, skipping profile update")
		return
	}

	ctx, cancel := context.WithTimeout(run.ctx, e.cfg.ProfileTimeout)
	defer cancel()

	err := e.profiles.WriteTier(ctx, identity, t)
	e.observer.ProfileWritten(err)
	if err != nil {
		logger.Error().Err(err).
			Str("identity", identity).
			Msg("Failed to update profile subscription tier; local state kept")
		return
	}
	logger.Info().Str("identity", identity).Str("tier", string(t)).Msg("Updated profile subscription tier")
}

func (e *Engine) readDurable(ctx context.Context, now time.Time) *tier.Record {
	if e.cache == nil {
		return nil
	}
	rec, err := e.cache.ReadEntry(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read subscription cache")
		return nil
	}
	if rec == nil || !rec.FreshWithin(now, e.cfg.DurableMaxAge) {
		return nil
	}
	return rec
}

func (e *Engine) finish(runID string, req Request, outcome Outcome, resolved tier.Tier, start time.Time) {
	elapsed := e.now().Sub(start)

	e.mu.Lock()
	e.lastRun = &RunSummary{
		ID:        runID,
		Source:    req.Source,
		Outcome:   outcome,
		Tier:      resolved,
		StartedAt: start,
		Duration:  elapsed,
	}
	e.mu.Unlock()

	e.observer.SyncFinished(req.Source, outcome, resolved, elapsed)
}

package tiersync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/solaceapp/solace-sync/internal/errors"
	"github.com/solaceapp/solace-sync/internal/tier"
)

const testDebounce = 15 * time.Millisecond

type harness struct {
	engine   *Engine
	billing  *fakeBilling
	profiles *fakeProfiles
	local    *fakeLocal
	cache    *fakeCache
	clock    *fakeClock
	obs      *recordingObserver
}

func newHarness(t *testing.T, current tier.Tier, identity string) *harness {
	t.Helper()

	h := &harness{
		billing:  &fakeBilling{tier: tier.Free},
		profiles: &fakeProfiles{},
		local:    &fakeLocal{tier: current, identity: identity},
		cache:    &fakeCache{},
		clock:    newFakeClock(),
		obs:      &recordingObserver{},
	}
	h.engine = New(Config{Debounce: testDebounce}, h.billing, h.profiles, h.local, h.cache,
		WithClock(h.clock.Now),
		WithObserver(h.obs),
	)
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) sync(t *testing.T, source tier.Source, forced *tier.Tier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.engine.RequestSync(ctx, Request{Source: source, Forced: forced})
	require.NoError(t, ctx.Err(), "sync did not finish in time")
}

func (h *harness) lastOutcome(t *testing.T) Outcome {
	t.Helper()
	runs := h.obs.runs()
	require.NotEmpty(t, runs)
	return runs[len(runs)-1].outcome
}

func TestForcedTierEqualToCurrentNeverWrites(t *testing.T) {
	h := newHarness(t, tier.Premium, "user-1")

	for i := 0; i < 3; i++ {
		h.sync(t, tier.SourceManualRefresh, tier.Premium.Ptr())
		assert.Equal(t, OutcomeUnchanged, h.lastOutcome(t))
	}

	assert.Empty(t, h.profiles.recorded())
	assert.Zero(t, h.local.setCount())
	assert.Empty(t, h.cache.recorded())
	assert.Zero(t, h.billing.callCount(), "forced tier skips the billing lookup")
}

func TestBurstExecutesOnceWithLastRequest(t *testing.T) {
	h := newHarness(t, tier.Free, "user-1")

	requests := []Request{
		{Source: tier.SourcePeriodicCheck, Forced: tier.Free.Ptr()},
		{Source: tier.SourceBillingEvent, Forced: tier.Premium.Ptr()},
		{Source: tier.SourceProfileFetch},
		{Source: tier.SourceAuthSync, Forced: tier.Free.Ptr()},
		{Source: tier.SourceManualRefresh, Forced: tier.Premium.Ptr()},
	}

	var done []<-chan struct{}
	for _, req := range requests {
		done = append(done, h.engine.Trigger(req))
	}
	for _, ch := range done {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("burst did not complete")
		}
	}

	runs := h.obs.runs()
	require.Len(t, runs, 1)
	assert.Equal(t, tier.SourceManualRefresh, runs[0].source)
	assert.Equal(t, OutcomeChanged, runs[0].outcome)
	assert.Equal(t, tier.Premium, h.local.Tier())
	assert.Zero(t, h.billing.callCount())
	assert.Equal(t, 5, h.obs.requestedCount())
	assert.Len(t, h.profiles.recorded(), 1)
}

func TestConcurrentRequestDuringSlowSyncIsDropped(t *testing.T) {
	h := newHarness(t, tier.Free, "user-1")
	h.billing.set(tier.Premium, nil)
	h.billing.delay = 300 * time.Millisecond
	h.billing.started = make(chan struct{}, 1)

	first := h.engine.Trigger(Request{Source: tier.SourceManualRefresh})
	select {
	case <-h.billing.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first sync never reached the billing provider")
	}

	h.sync(t, tier.SourceManualRefresh, nil)
	assert.Equal(t, OutcomeSkippedInFlight, h.lastOutcome(t))

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first sync did not finish")
	}

	assert.Equal(t, 1, h.billing.callCount())
	runs := h.obs.runs()
	require.Len(t, runs, 2)
	assert.Equal(t, OutcomeSkippedInFlight, runs[0].outcome)
	assert.Equal(t, OutcomeChanged, runs[1].outcome)
	assert.False(t, h.engine.Status().SyncInProgress)
}

func TestManualRefreshBypassesThrottle(t *testing.T) {
	h := newHarness(t, tier.Free, "")
	h.billing.set(tier.Premium, nil)

	h.sync(t, tier.SourceManualRefresh, nil)
	assert.Equal(t, OutcomeChanged, h.lastOutcome(t))
	h.sync(t, tier.SourceManualRefresh, nil)
	assert.Equal(t, OutcomeUnchanged, h.lastOutcome(t))

	assert.Equal(t, 2, h.billing.callCount(), "manual refresh ignores the in-memory cache")
}

func TestPeriodicChecksWithinMinIntervalAreThrottled(t *testing.T) {
	h := newHarness(t, tier.Free, "")
	h.billing.set(tier.Premium, nil)

	h.sync(t, tier.SourcePeriodicCheck, nil)
	assert.Equal(t, OutcomeChanged, h.lastOutcome(t))

	h.clock.Advance(5 * time.Second)
	h.sync(t, tier.SourcePeriodicCheck, nil)
	assert.Equal(t, OutcomeSkippedThrottled, h.lastOutcome(t))
	assert.Equal(t, 1, h.billing.callCount())

	// Throttled attempts do not move the interval forward.
	h.clock.Advance(6 * time.Second)
	h.sync(t, tier.SourcePeriodicCheck, nil)
	assert.Equal(t, OutcomeUnchanged, h.lastOutcome(t))
}

func TestInMemoryCacheAvoidsBillingCallsWithinTTL(t *testing.T) {
	h := newHarness(t, tier.Free, "")
	h.billing.set(tier.Premium, nil)

	h.sync(t, tier.SourcePeriodicCheck, nil)
	require.Equal(t, 1, h.billing.callCount())

	h.billing.set(tier.Free, nil)
	h.clock.Advance(11 * time.Second)
	h.sync(t, tier.SourcePeriodicCheck, nil)
	assert.Equal(t, OutcomeUnchanged, h.lastOutcome(t))
	assert.Equal(t, 1, h.billing.callCount())

	h.clock.Advance(DefaultCacheTTL)
	h.sync(t, tier.SourcePeriodicCheck, nil)
	assert.Equal(t, 2, h.billing.callCount())
	assert.Equal(t, OutcomeChanged, h.lastOutcome(t))
	assert.Equal(t, tier.Free, h.local.Tier())
}

func TestBillingFailureFallsBackToStaleMemoryCache(t *testing.T) {
	h := newHarness(t, tier.Free, "user-1")
	h.billing.set(tier.Premium, nil)

	h.sync(t, tier.SourceManualRefresh, nil)
	require.Equal(t, tier.Premium, h.local.Tier())

	h.billing.set("", syncerrors.WrapBilling("query_active_tier", "revenuecat", errors.New("network down")))
	h.clock.Advance(time.Hour)
	h.sync(t, tier.SourceManualRefresh, nil)

	status := h.engine.Status()
	require.NotNil(t, status.LastRun)
	assert.Equal(t, tier.Premium, status.LastRun.Tier)
	assert.Equal(t, OutcomeUnchanged, status.LastRun.Outcome)
	assert.Equal(t, tier.Premium, h.local.Tier())
	assert.Equal(t, 2, h.billing.callCount())
}

func TestBillingFailureFallsBackToFreshDurableCache(t *testing.T) {
	h := newHarness(t, tier.Free, "user-1")
	h.billing.set("", errors.New("timeout"))
	h.cache.rec = &tier.Record{Tier: tier.Premium, Timestamp: h.clock.Now().Add(-2 * time.Hour)}

	h.sync(t, tier.SourceAuthSync, nil)

	assert.Equal(t, tier.Premium, h.local.Tier())
	assert.Equal(t, []profileWrite{{identity: "user-1", tier: tier.Premium}}, h.profiles.recorded())
}

func TestBillingFailureWithoutCacheKeepsLocalTier(t *testing.T) {
	h := newHarness(t, tier.Premium, "user-1")
	h.billing.set("", errors.New("unreachable"))
	h.cache.rec = &tier.Record{Tier: tier.Free, Timestamp: h.clock.Now().Add(-30 * time.Hour)}

	h.sync(t, tier.SourceProfileFetch, nil)

	assert.Equal(t, OutcomeUnchanged, h.lastOutcome(t))
	assert.Equal(t, tier.Premium, h.local.Tier(), "a failing provider must never downgrade")
	assert.Empty(t, h.profiles.recorded())
}

func TestInvalidTierFromProviderIsTreatedAsFailure(t *testing.T) {
	h := newHarness(t, tier.Premium, "")
	h.billing.set(tier.Tier("gold"), nil)

	h.sync(t, tier.SourceManualRefresh, nil)

	assert.Equal(t, OutcomeUnchanged, h.lastOutcome(t))
	require.Len(t, h.obs.billing, 1)
	assert.ErrorIs(t, h.obs.billing[0], tier.ErrUnknownTier)
	assert.Nil(t, h.engine.Status().CachedStatus)
}

func TestGetCachedTierHonoursDurableMaxAge(t *testing.T) {
	h := newHarness(t, tier.Free, "")
	ctx := context.Background()

	_, ok := h.engine.GetCachedTier(ctx)
	assert.False(t, ok, "empty cache is absent")

	h.cache.rec = &tier.Record{Tier: tier.Premium, Timestamp: h.clock.Now().Add(-10 * time.Hour)}
	got, ok := h.engine.GetCachedTier(ctx)
	require.True(t, ok)
	assert.Equal(t, tier.Premium, got)

	h.cache.rec = &tier.Record{Tier: tier.Premium, Timestamp: h.clock.Now().Add(-30 * time.Hour)}
	_, ok = h.engine.GetCachedTier(ctx)
	assert.False(t, ok)

	h.cache.readErr = errors.New("corrupt")
	_, ok = h.engine.GetCachedTier(ctx)
	assert.False(t, ok)

	assert.Zero(t, h.billing.callCount())
	assert.Zero(t, h.local.setCount())
}

func TestUpgradePropagatesEverywhere(t *testing.T) {
	h := newHarness(t, tier.Free, "user-123")
	h.billing.set(tier.Premium, nil)

	h.sync(t, tier.SourcePeriodicCheck, nil)

	assert.Equal(t, tier.Premium, h.local.Tier())
	assert.Equal(t, []profileWrite{{identity: "user-123", tier: tier.Premium}}, h.profiles.recorded())

	writes := h.cache.recorded()
	require.Len(t, writes, 1)
	assert.Equal(t, tier.Premium, writes[0].Tier)
	assert.Equal(t, h.clock.Now(), writes[0].Timestamp)

	status := h.engine.Status()
	require.NotNil(t, status.CachedStatus)
	assert.Equal(t, tier.Premium, status.CachedStatus.Tier)
	require.NotNil(t, status.LastSync)
	assert.Equal(t, OutcomeChanged, status.LastRun.Outcome)
	assert.NotEmpty(t, status.LastRun.ID)
}

func TestProfileWriteFailureKeepsLocalChange(t *testing.T) {
	h := newHarness(t, tier.Free, "user-1")
	h.billing.set(tier.Premium, nil)
	h.profiles.err = syncerrors.WrapProfile("write_tier", "supabase", errors.New("503"))

	h.sync(t, tier.SourceManualRefresh, nil)

	assert.Equal(t, OutcomeChanged, h.lastOutcome(t))
	assert.Equal(t, tier.Premium, h.local.Tier())
	assert.Len(t, h.cache.recorded(), 1, "durable cache is written regardless")
	require.Len(t, h.obs.profile, 1)
	assert.ErrorIs(t, h.obs.profile[0], syncerrors.ErrProfileWrite)
}

func TestNoIdentitySkipsProfileWrite(t *testing.T) {
	h := newHarness(t, tier.Free, "")

	h.sync(t, tier.SourceBillingEvent, tier.Premium.Ptr())

	assert.Equal(t, tier.Premium, h.local.Tier())
	assert.Empty(t, h.profiles.recorded())
	assert.Len(t, h.cache.recorded(), 1)
}

func TestPanicInsideSyncReleasesGuard(t *testing.T) {
	h := newHarness(t, tier.Free, "")
	h.billing.setPanics(true)

	h.sync(t, tier.SourceManualRefresh, nil)
	assert.Equal(t, OutcomeFailed, h.lastOutcome(t))
	assert.False(t, h.engine.Status().SyncInProgress)

	h.billing.setPanics(false)
	h.billing.set(tier.Premium, nil)
	h.sync(t, tier.SourceManualRefresh, nil)
	assert.Equal(t, OutcomeChanged, h.lastOutcome(t))
}

func TestInvalidRequestsAreDiscarded(t *testing.T) {
	h := newHarness(t, tier.Free, "")

	h.sync(t, tier.Source("webhook"), nil)
	assert.Equal(t, OutcomeDiscarded, h.lastOutcome(t))

	h.sync(t, tier.SourceBillingEvent, tier.Tier("gold").Ptr())
	assert.Equal(t, OutcomeDiscarded, h.lastOutcome(t))

	assert.Zero(t, h.local.setCount())
	assert.Nil(t, h.engine.Status().LastSync, "discarded requests do not count as syncs")
}

func TestRequestSyncReturnsWhenContextEnds(t *testing.T) {
	billing := &fakeBilling{tier: tier.Premium}
	local := &fakeLocal{tier: tier.Free}
	e := New(Config{Debounce: time.Hour}, billing, nil, local, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	e.RequestSync(ctx, Request{Source: tier.SourceManualRefresh})
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, e.Status().BurstPending)

	e.Close()
	assert.False(t, e.Status().BurstPending)
	assert.Zero(t, billing.callCount())
	assert.Equal(t, tier.Free, local.Tier())
}

func TestBootstrapAppliesFreshDurableCache(t *testing.T) {
	h := newHarness(t, tier.Free, "user-1")
	ctx := context.Background()

	h.cache.rec = &tier.Record{Tier: tier.Premium, Timestamp: h.clock.Now().Add(-time.Hour)}
	got, ok := h.engine.Bootstrap(ctx)
	require.True(t, ok)
	assert.Equal(t, tier.Premium, got)
	assert.Equal(t, tier.Premium, h.local.Tier())
	assert.Empty(t, h.profiles.recorded())

	h.cache.rec = &tier.Record{Tier: tier.Free, Timestamp: h.clock.Now().Add(-25 * time.Hour)}
	_, ok = h.engine.Bootstrap(ctx)
	assert.False(t, ok)
	assert.Equal(t, tier.Premium, h.local.Tier())
}

func TestClearCacheDropsBothCaches(t *testing.T) {
	h := newHarness(t, tier.Free, "")
	h.billing.set(tier.Premium, nil)
	h.sync(t, tier.SourceManualRefresh, nil)
	require.NotNil(t, h.engine.Status().CachedStatus)

	require.NoError(t, h.engine.ClearCache(context.Background()))

	assert.Nil(t, h.engine.Status().CachedStatus)
	assert.Equal(t, 1, h.cache.cleared)
	_, ok := h.engine.GetCachedTier(context.Background())
	assert.False(t, ok)
}

func TestResetDropsPendingBurstAndThrottleWindow(t *testing.T) {
	h := newHarness(t, tier.Free, "user-1")
	h.billing.set(tier.Premium, nil)
	h.sync(t, tier.SourcePeriodicCheck, nil)
	require.Equal(t, tier.Premium, h.local.Tier())
	require.NotNil(t, h.engine.Status().LastSync)

	pending := h.engine.Trigger(Request{Source: tier.SourceAuthSync, Forced: tier.Premium.Ptr()})
	require.NoError(t, h.engine.Reset(context.Background()))

	select {
	case <-pending:
	case <-time.After(2 * time.Second):
		t.Fatal("dropped burst never released its waiter")
	}

	st := h.engine.Status()
	assert.Nil(t, st.LastSync)
	assert.Nil(t, st.CachedStatus)
	assert.False(t, st.BurstPending)
	assert.Equal(t, 1, h.cache.cleared)
	assert.Len(t, h.obs.runs(), 1, "dropped burst never ran")

	// The next periodic check is not throttled by the previous session.
	h.local.SetTier(tier.Free)
	h.billing.set(tier.Free, nil)
	h.sync(t, tier.SourcePeriodicCheck, nil)
	assert.Equal(t, OutcomeUnchanged, h.lastOutcome(t))
	assert.Equal(t, 2, h.billing.callCount())
}

func TestResetDiscardsInFlightResult(t *testing.T) {
	h := newHarness(t, tier.Free, "user-1")
	h.billing.set(tier.Premium, nil)
	h.billing.delay = time.Second
	h.billing.started = make(chan struct{}, 1)

	done := h.engine.Trigger(Request{Source: tier.SourceManualRefresh})
	select {
	case <-h.billing.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sync never reached the billing provider")
	}

	require.NoError(t, h.engine.Reset(context.Background()))
	assert.False(t, h.engine.Status().SyncInProgress, "reset frees the guard for the next session")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight sync did not finish")
	}

	assert.Equal(t, OutcomeSuperseded, h.lastOutcome(t))
	assert.Equal(t, tier.Free, h.local.Tier())
	assert.Zero(t, h.local.setCount())
	assert.Empty(t, h.profiles.recorded())
	assert.Empty(t, h.cache.recorded())
	assert.Nil(t, h.engine.Status().CachedStatus)
}

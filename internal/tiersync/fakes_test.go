package tiersync

import (
	"context"
	"sync"
	"time"

	"github.com/solaceapp/solace-sync/internal/tier"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeBilling struct {
	mu      sync.Mutex
	tier    tier.Tier
	err     error
	panics  bool
	delay   time.Duration
	calls   int
	started chan struct{}
}

func (f *fakeBilling) QueryActiveTier(ctx context.Context) (tier.Tier, error) {
	f.mu.Lock()
	f.calls++
	t, err, delay, panics, started := f.tier, f.err, f.delay, f.panics, f.started
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if panics {
		panic("billing sdk exploded")
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return t, err
}

func (f *fakeBilling) set(t tier.Tier, err error) {
	f.mu.Lock()
	f.tier, f.err = t, err
	f.mu.Unlock()
}

func (f *fakeBilling) setPanics(v bool) {
	f.mu.Lock()
	f.panics = v
	f.mu.Unlock()
}

func (f *fakeBilling) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type profileWrite struct {
	identity string
	tier     tier.Tier
}

type fakeProfiles struct {
	mu     sync.Mutex
	err    error
	writes []profileWrite
}

func (f *fakeProfiles) WriteTier(_ context.Context, identity string, t tier.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, profileWrite{identity: identity, tier: t})
	return f.err
}

func (f *fakeProfiles) recorded() []profileWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]profileWrite(nil), f.writes...)
}

type fakeLocal struct {
	mu       sync.Mutex
	tier     tier.Tier
	identity string
	sets     int
}

func (f *fakeLocal) Tier() tier.Tier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tier
}

func (f *fakeLocal) SetTier(t tier.Tier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tier = t
	f.sets++
}

func (f *fakeLocal) Identity() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

func (f *fakeLocal) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

type fakeCache struct {
	mu      sync.Mutex
	rec     *tier.Record
	readErr error
	writes  []tier.Record
	cleared int
}

func (f *fakeCache) ReadEntry(context.Context) (*tier.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if f.rec == nil {
		return nil, nil
	}
	rec := *f.rec
	return &rec, nil
}

func (f *fakeCache) WriteEntry(_ context.Context, rec tier.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec = &rec
	f.writes = append(f.writes, rec)
	return nil
}

func (f *fakeCache) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec = nil
	f.cleared++
	return nil
}

func (f *fakeCache) recorded() []tier.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tier.Record(nil), f.writes...)
}

type finishedRun struct {
	source  tier.Source
	outcome Outcome
	tier    tier.Tier
}

type recordingObserver struct {
	mu        sync.Mutex
	requested int
	finished  []finishedRun
	billing   []error
	profile   []error
}

func (o *recordingObserver) SyncRequested(tier.Source) {
	o.mu.Lock()
	o.requested++
	o.mu.Unlock()
}

func (o *recordingObserver) SyncFinished(source tier.Source, outcome Outcome, resolved tier.Tier, _ time.Duration) {
	o.mu.Lock()
	o.finished = append(o.finished, finishedRun{source: source, outcome: outcome, tier: resolved})
	o.mu.Unlock()
}

func (o *recordingObserver) BillingQueried(err error) {
	o.mu.Lock()
	o.billing = append(o.billing, err)
	o.mu.Unlock()
}

func (o *recordingObserver) ProfileWritten(err error) {
	o.mu.Lock()
	o.profile = append(o.profile, err)
	o.mu.Unlock()
}

func (o *recordingObserver) requestedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requested
}

func (o *recordingObserver) runs() []finishedRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]finishedRun(nil), o.finished...)
}

package tiersync

import (
	"time"

	"github.com/solaceapp/solace-sync/internal/tier"
)

// RunSummary describes the most recent performSync attempt.
type RunSummary struct {
	ID        string        `json:"id"`
	Source    tier.Source   `json:"source"`
	Outcome   Outcome       `json:"outcome"`
	Tier      tier.Tier     `json:"tier,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Status is a point-in-time view of the engine for debugging endpoints.
type Status struct {
	SyncInProgress bool          `json:"sync_in_progress"`
	BurstPending   bool          `json:"burst_pending"`
	LastSync       *time.Time    `json:"last_sync,omitempty"`
	SinceLastSync  time.Duration `json:"since_last_sync_ns,omitempty"`
	CachedStatus   *tier.Record  `json:"cached_status,omitempty"`
	LastRun        *RunSummary   `json:"last_run,omitempty"`
}

// Status returns a copy of the engine's bookkeeping.
func (e *Engine) Status() Status {
	now := e.now()
	pending := e.debouncer.Pending()

	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		SyncInProgress: e.syncInProgress,
		BurstPending:   pending,
	}
	if !e.lastSync.IsZero() {
		last := e.lastSync
		st.LastSync = &last
		st.SinceLastSync = now.Sub(last)
	}
	if e.memCache != nil {
		rec := *e.memCache
		st.CachedStatus = &rec
	}
	if e.lastRun != nil {
		run := *e.lastRun
		st.LastRun = &run
	}
	return st
}

package tiersync

import (
	"context"
	"time"

	"github.com/solaceapp/solace-sync/internal/tier"
)

// BillingProvider reports the tier implied by the current identity's active
// entitlements. The context carries the query deadline.
type BillingProvider interface {
	QueryActiveTier(ctx context.Context) (tier.Tier, error)
}

// ProfileStore persists the reconciled tier on the remote profile record.
type ProfileStore interface {
	WriteTier(ctx context.Context, identity string, t tier.Tier) error
}

// LocalState is the in-process state the UI reads. The engine is the only
// caller of SetTier.
type LocalState interface {
	Tier() tier.Tier
	SetTier(t tier.Tier)
	Identity() string
}

// DurableCache stores a single tier snapshot that survives restarts.
// ReadEntry returns (nil, nil) when nothing is stored.
type DurableCache interface {
	ReadEntry(ctx context.Context) (*tier.Record, error)
	WriteEntry(ctx context.Context, rec tier.Record) error
	Clear(ctx context.Context) error
}

// Observer receives engine events; the metrics package implements it.
type Observer interface {
	SyncRequested(source tier.Source)
	SyncFinished(source tier.Source, outcome Outcome, resolved tier.Tier, elapsed time.Duration)
	BillingQueried(err error)
	ProfileWritten(err error)
}

type nopObserver struct{}

func (nopObserver) SyncRequested(tier.Source)                                   {}
func (nopObserver) SyncFinished(tier.Source, Outcome, tier.Tier, time.Duration) {}
func (nopObserver) BillingQueried(error)                                        {}
func (nopObserver) ProfileWritten(error)                                        {}

// Package tier defines the subscription tier vocabulary shared by the
// reconciliation engine and its collaborators.
package tier

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tier is the subscription level of a user.
type Tier string

const (
	Free    Tier = "free"
	Premium Tier = "premium"
)

// DurableMaxAge is the age at which a persisted record stops being trusted.
const DurableMaxAge = 24 * time.Hour

var (
	ErrUnknownTier   = errors.New("unknown subscription tier")
	ErrUnknownSource = errors.New("unknown sync source")
)

// ParseTier converts a stored or user-supplied value into a Tier.
func ParseTier(value string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(value))) {
	case Free:
		return Free, nil
	case Premium:
		return Premium, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, value)
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t == Free || t == Premium
}

func (t Tier) String() string {
	return string(t)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, string(t))
	}
	return []byte(t), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Ptr returns a pointer to a copy of t, handy for optional forced tiers.
func (t Tier) Ptr() *Tier {
	return &t
}

// Source identifies what asked for a sync.
type Source string

const (
	SourceBillingEvent  Source = "billing_event"
	SourceProfileFetch  Source = "profile_fetch"
	SourceAuthSync      Source = "auth_sync"
	SourceManualRefresh Source = "manual_refresh"
	SourcePeriodicCheck Source = "periodic_check"
)

// AllSources lists every trigger in a stable order.
func AllSources() []Source {
	return []Source{
		SourceBillingEvent,
		SourceProfileFetch,
		SourceAuthSync,
		SourceManualRefresh,
		SourcePeriodicCheck,
	}
}

// ParseSource converts a trigger name into a Source.
func ParseSource(value string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(value)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, value)
	}
	return s, nil
}

// Valid reports whether s is one of the known triggers.
func (s Source) Valid() bool {
	switch s {
	case SourceBillingEvent, SourceProfileFetch, SourceAuthSync, SourceManualRefresh, SourcePeriodicCheck:
		return true
	}
	return false
}

// BypassesThrottle reports whether the minimum sync interval is skipped.
// Only user-initiated refreshes do.
func (s Source) BypassesThrottle() bool {
	return s == SourceManualRefresh
}

// ForcesFreshLookup reports whether the in-memory billing cache is ignored.
func (s Source) ForcesFreshLookup() bool {
	return s == SourceManualRefresh
}

func (s Source) String() string {
	return string(s)
}

// Record is a tier observed at a point in time.
type Record struct {
	Tier      Tier      `json:"tier"`
	Timestamp time.Time `json:"timestamp"`
}

// Age returns how old the record is relative to now. Records stamped in the
// future report zero age.
func (r Record) Age(now time.Time) time.Duration {
	age := now.Sub(r.Timestamp)
	if age < 0 {
		return 0
	}
	return age
}

// FreshWithin reports whether the record is younger than ttl.
func (r Record) FreshWithin(now time.Time, ttl time.Duration) bool {
	return r.Tier.Valid() && r.Age(now) < ttl
}

package billing

import (
	"context"
	"sync"

	"github.com/solaceapp/solace-sync/internal/tier"
)

// Static answers with a fixed tier. It backs offline and development runs.
type Static struct {
	mu   sync.RWMutex
	tier tier.Tier
	err  error
}

func NewStatic(t tier.Tier) *Static {
	return &Static{tier: t}
}

func (s *Static) Name() string { return "static" }

// Set changes the answer. A non-nil err makes every query fail.
func (s *Static) Set(t tier.Tier, err error) {
	s.mu.Lock()
	s.tier = t
	s.err = err
	s.mu.Unlock()
}

func (s *Static) QueryActiveTier(ctx context.Context) (tier.Tier, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return "", s.err
	}
	return s.tier, nil
}

// Package scheduler issues periodic_check sync requests while a user is
// signed in.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/solaceapp/solace-sync/internal/tier"
	"github.com/solaceapp/solace-sync/internal/tiersync"
)

// DefaultSpec runs a periodic check every ten minutes.
const DefaultSpec = "@every 10m"

const stopTimeout = 5 * time.Second

// Requester schedules a sync. *tiersync.Engine satisfies it.
type Requester interface {
	Trigger(req tiersync.Request) <-chan struct{}
}

// Periodic owns a cron runner that can be started and stopped repeatedly.
type Periodic struct {
	spec   string
	engine Requester

	mu      sync.Mutex
	cron    *cron.Cron
	lastRun time.Time
}

// New validates spec (standard five-field cron or a descriptor such as
// "@every 10m").
func New(spec string, engine Requester) (*Periodic, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid periodic check schedule %q: %w", spec, err)
	}
	if engine == nil {
		return nil, fmt.Errorf("periodic check requires a sync requester")
	}
	return &Periodic{spec: spec, engine: engine}, nil
}

func (p *Periodic) Spec() string { return p.spec }

// Start begins issuing checks. Starting a running scheduler is a no-op.
func (p *Periodic) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}

	c := cron.New(cron.WithLogger(cronLogger{}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{})))
	if _, err := c.AddFunc(p.spec, p.tick); err != nil {
		return fmt.Errorf("schedule periodic check: %w", err)
	}
	c.Start()
	p.cron = c
	log.Info().Str("schedule", p.spec).Msg("Periodic subscription check started")
	return nil
}

// Stop halts the runner and waits briefly for an in-progress tick.
func (p *Periodic) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return
	}

	done := c.Stop()
	select {
	case <-done.Done():
	case <-time.After(stopTimeout):
		log.Warn().Msg("Timed out waiting for periodic check to stop")
	}
	log.Info().Msg("Periodic subscription check stopped")
}

func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cron != nil
}

// LastRun returns when the last check fired, zero if never.
func (p *Periodic) LastRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

// Run blocks until ctx is cancelled, then stops the runner.
func (p *Periodic) Run(ctx context.Context) error {
	<-ctx.Done()
	p.Stop()
	return nil
}

func (p *Periodic) tick() {
	p.mu.Lock()
	p.lastRun = time.Now()
	p.mu.Unlock()
	p.engine.Trigger(tiersync.Request{Source: tier.SourcePeriodicCheck})
}

// cronLogger routes cron's internal logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

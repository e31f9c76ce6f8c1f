package webhook

import (
	"context"
	"sync"

	"github.com/solaceapp/solace-sync/internal/tiersync"
)

type staticIdentity string

func (s staticIdentity) Identity() string { return string(s) }

type recordingRequester struct {
	mu       sync.Mutex
	requests []tiersync.Request
}

func (r *recordingRequester) Trigger(req tiersync.Request) <-chan struct{} {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	done := make(chan struct{})
	close(done)
	return done
}

func (r *recordingRequester) all() []tiersync.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tiersync.Request(nil), r.requests...)
}

type fakeDirectory struct {
	mu      sync.Mutex
	links   map[string]string // customer -> identity
	linkErr error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{links: make(map[string]string)}
}

func (d *fakeDirectory) LinkStripeCustomer(_ context.Context, identity, customerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.linkErr != nil {
		return d.linkErr
	}
	d.links[customerID] = identity
	return nil
}

func (d *fakeDirectory) IdentityForCustomer(_ context.Context, customerID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[customerID], nil
}

// Package state holds the in-process values the app shell renders: the
// signed-in identity, the display name and the current subscription tier.
package state

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/solaceapp/solace-sync/internal/tier"
)

// Change is delivered to subscribers whenever the tier changes.
type Change struct {
	Previous tier.Tier `json:"previous"`
	Current  tier.Tier `json:"current"`
	Identity string    `json:"identity,omitempty"`
	At       time.Time `json:"at"`
}

// Snapshot is a consistent copy of the store.
type Snapshot struct {
	Identity string    `json:"identity,omitempty"`
	UserName string    `json:"user_name,omitempty"`
	Tier     tier.Tier `json:"tier"`
}

type subscriber struct {
	ch      chan Change
	dropped int
}

// Store is safe for concurrent use. The tier is never persisted; it starts
// as free and is set by the reconciliation engine.
type Store struct {
	mu       sync.RWMutex
	identity string
	userName string
	tier     tier.Tier
	subs     map[int]*subscriber
	nextID   int
}

// NewStore returns a store for a signed-out user on the free tier.
func NewStore() *Store {
	return &Store{
		tier: tier.Free,
		subs: make(map[int]*subscriber),
	}
}

func (s *Store) Tier() tier.Tier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tier
}

// SetTier records a new tier and notifies subscribers. Only the
// reconciliation engine calls this.
func (s *Store) SetTier(t tier.Tier) {
	s.mu.Lock()
	prev := s.tier
	if prev == t {
		s.mu.Unlock()
		return
	}
	s.tier = t
	change := Change{Previous: prev, Current: t, Identity: s.identity, At: time.Now()}
	s.notifyLocked(change)
	s.mu.Unlock()
}

func (s *Store) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Store) SetIdentity(identity string) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
}

func (s *Store) UserName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userName
}

func (s *Store) SetUserName(name string) {
	s.mu.Lock()
	s.userName = name
	s.mu.Unlock()
}

// Reset returns the store to its signed-out defaults.
func (s *Store) Reset() {
	s.mu.Lock()
	prev := s.tier
	identity := s.identity
	s.identity = ""
	s.userName = ""
	s.tier = tier.Free
	if prev != tier.Free {
		s.notifyLocked(Change{Previous: prev, Current: tier.Free, Identity: identity, At: time.Now()})
	}
	s.mu.Unlock()
	log.Debug().Msg("Local state reset")
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Identity: s.identity, UserName: s.userName, Tier: s.tier}
}

// Subscribe registers an observer. Notifications never block the writer:
// when the buffer is full the change is dropped for that observer. The
// returned function unsubscribes and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Change, buffer)}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (s *Store) notifyLocked(change Change) {
	for id, sub := range s.subs {
		select {
		case sub.ch <- change:
		default:
			sub.dropped++
			log.Warn().Int("subscriber", id).Int("dropped", sub.dropped).Msg("Tier subscriber is slow; dropping change")
		}
	}
}

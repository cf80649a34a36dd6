package authflow

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wikiforge/discourse-connect/pkg/host"
)

// sessionEntry pairs a state with its expiry.
type sessionEntry struct {
	state   AuthState
	expires time.Time
}

// LRUSessionStore is an in-memory SessionStore with bounded capacity and a
// per-entry TTL. Eviction of a pending handshake is safe: the callback then
// sees no state and fails the attempt, which the browser retries.
type LRUSessionStore struct {
	cache *lru.Cache[string, sessionEntry]
	ttl   time.Duration
	clock host.Clock
}

// NewLRUSessionStore creates an LRUSessionStore. clock may be nil.
func NewLRUSessionStore(capacity int, ttl time.Duration, clock host.Clock) (*LRUSessionStore, error) {
	if clock == nil {
		clock = host.SystemClock{}
	}
	cache, err := lru.New[string, sessionEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &LRUSessionStore{cache: cache, ttl: ttl, clock: clock}, nil
}

// GetAuthState returns the stored state, treating expired entries as absent.
func (s *LRUSessionStore) GetAuthState(_ context.Context, sessionID string) (*AuthState, error) {
	entry, ok := s.cache.Get(sessionID)
	if !ok {
		return nil, nil
	}
	if s.clock.Now().After(entry.expires) {
		s.cache.Remove(sessionID)
		return nil, nil
	}
	state := entry.state
	return &state, nil
}

// SetAuthState stores a copy of the state with a fresh TTL.
func (s *LRUSessionStore) SetAuthState(_ context.Context, sessionID string, state *AuthState) error {
	s.cache.Add(sessionID, sessionEntry{state: *state, expires: s.clock.Now().Add(s.ttl)})
	return nil
}

// ClearAuthState drops the state for a session.
func (s *LRUSessionStore) ClearAuthState(_ context.Context, sessionID string) error {
	s.cache.Remove(sessionID)
	return nil
}

// PurgeExpired removes expired entries and returns how many were dropped.
// Run periodically; Get already ignores expired entries, this only reclaims
// space.
func (s *LRUSessionStore) PurgeExpired() int {
	now := s.clock.Now()
	purged := 0
	for _, key := range s.cache.Keys() {
		if entry, ok := s.cache.Peek(key); ok && now.After(entry.expires) {
			s.cache.Remove(key)
			purged++
		}
	}
	return purged
}

// Len reports the number of live entries, counting not-yet-purged expired
// ones.
func (s *LRUSessionStore) Len() int {
	return s.cache.Len()
}

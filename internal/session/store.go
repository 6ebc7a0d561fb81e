// Package session holds paused runs' resume tokens in memory between one
// Executor.Execute call and the next, keyed by an opaque session ID the
// caller supplies (spec §6 "Session resume token").
package session

import (
	"sync"
	"time"

	"github.com/agentloom/loom/internal/executor"
)

// minCleanupInterval is the smallest allowed TTL to prevent degenerate ticker intervals.
const minCleanupInterval = time.Millisecond

// entry is one paused run's resume token plus bookkeeping for TTL eviction.
type entry struct {
	state    executor.SessionState
	lastUsed time.Time
}

// Store is a thread-safe in-memory registry of paused runs' resume tokens,
// evicted on an inactivity TTL (same TTL-eviction goroutine and
// RWMutex-guarded map shape as a chat-session store, keyed here by
// session ID -> executor.SessionState instead of ID -> chat history).
// NOT designed for multi-replica deployments: a paused run can
// only be resumed against the same process that paused it, matching the
// single-process architecture this store was adapted from.
type Store struct {
	mu    sync.RWMutex
	paused map[string]*entry
	ttl   time.Duration
	done  chan struct{}
}

// NewStore creates a new Store with the given inactivity TTL. A background
// goroutine periodically evicts sessions that were paused and never
// resumed within the TTL. Call Close when the store is no longer needed.
func NewStore(ttl time.Duration) *Store {
	if ttl < minCleanupInterval {
		ttl = minCleanupInterval
	}
	s := &Store{
		paused: make(map[string]*entry),
		ttl:    ttl,
		done:   make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Put records a paused run's resume token under id, overwriting any
// previous token for the same id (e.g. a run paused twice at different
// points before ever being resumed).
func (s *Store) Put(id string, state executor.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[id] = &entry{state: state, lastUsed: time.Now()}
}

// Take atomically retrieves and removes the resume token for id, so a
// session token is consumed exactly once — a second resume attempt against
// the same id finds nothing, matching the executor's single-resume
// semantics (a resumed run that pauses again gets a fresh token via Put).
func (s *Store) Take(id string) (executor.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.paused[id]
	if !ok {
		return executor.SessionState{}, false
	}
	delete(s.paused, id)
	return e.state, true
}

// Peek returns the resume token for id without consuming it, for callers
// that only need to inspect where a run is paused (e.g. a status check).
func (s *Store) Peek(id string) (executor.SessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.paused[id]
	if !ok {
		return executor.SessionState{}, false
	}
	return e.state, true
}

// Delete explicitly discards a paused session's token (e.g. the caller
// abandons the run instead of resuming it).
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paused, id)
}

// Count returns the number of paused sessions currently held.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.paused)
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (s *Store) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			cutoff := time.Now().Add(-s.ttl)
			for id, e := range s.paused {
				if e.lastUsed.Before(cutoff) {
					delete(s.paused, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

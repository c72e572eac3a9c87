// Package ratelimit provides per-key token-bucket limiters with periodic
// cleanup of idle keys. The engine keys limiters by conversation id to bound
// submission storms.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Store maintains per-key rate limiters and performs periodic cleanup.
type Store struct {
	mu              sync.Mutex
	limit           rate.Limit
	burst           int
	clients         map[string]*entry
	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Submission pacing per conversation: a burst covers quick consecutive
// messages while typing, the sustained rate caps a runaway retry loop. Idle
// conversations drop out of the map after the cleanup cutoff.
const (
	submissionLimitPerMinute = 60
	submissionBurst          = 10
	submissionCleanupPeriod  = time.Minute
)

// NewSubmissionStore returns a store tuned for pacing message submissions
// keyed by conversation id.
func NewSubmissionStore() *Store {
	return NewStore(submissionLimitPerMinute, submissionBurst, submissionCleanupPeriod)
}

// NewStore creates a store allowing limitPerMinute events per minute per key
// with the given burst capacity.
func NewStore(limitPerMinute int, burst int, cleanupInterval time.Duration) *Store {
	if limitPerMinute <= 0 {
		limitPerMinute = 60
	}
	s := &Store{
		limit:           rate.Every(time.Minute / time.Duration(limitPerMinute)),
		burst:           burst,
		clients:         map[string]*entry{},
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			s.mu.Lock()
			for k, v := range s.clients {
				if v.lastSeen.Before(cutoff) {
					delete(s.clients, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.clients[key]; ok {
		e.lastSeen = time.Now()
		return e.limiter
	}
	limiter := rate.NewLimiter(s.limit, s.burst)
	s.clients[key] = &entry{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

// Allow checks whether an event for the given key is permitted.
func (s *Store) Allow(key string) bool {
	return s.getLimiter(key).Allow()
}

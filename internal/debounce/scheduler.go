package debounce

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler runs at most one pending callback per key. Arming a key that
// already has a pending callback cancels the old one first.
type Scheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]*entry
	gen     uint64
	stopped bool
}

type entry struct {
	timer *clock.Timer
	gen   uint64
}

// New creates a scheduler on the given clock. A nil clock means wall time.
func New(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{
		clock:   c,
		pending: make(map[string]*entry),
	}
}

// Clock returns the time source used for timers.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Arm schedules fn to run after delay under key, replacing any pending
// callback for the same key. It is a no-op after Stop.
func (s *Scheduler) Arm(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, ok := s.pending[key]; ok {
		old.timer.Stop()
	}

	s.gen++
	gen := s.gen
	e := &entry{gen: gen}
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(key, gen, fn) })
	s.pending[key] = e
}

// fire runs fn only if the entry that scheduled it is still current. A timer
// that was replaced after it already fired loses the race here.
func (s *Scheduler) fire(key string, gen uint64, fn func()) {
	s.mu.Lock()
	e, ok := s.pending[key]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	fn()
}

// Cancel drops the pending callback for key. Reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.pending, key)
	return true
}

// CancelPrefix drops every pending callback whose key starts with prefix and
// returns how many were dropped.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, e := range s.pending {
		if strings.HasPrefix(key, prefix) {
			e.timer.Stop()
			delete(s.pending, key)
			n++
		}
	}
	return n
}

// Pending reports whether key has a callback waiting to fire.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Len returns the number of pending callbacks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels everything and rejects further Arm calls.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, key)
	}
	s.stopped = true
}

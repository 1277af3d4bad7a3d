// Package debounce coalesces bursts of change events into a single emission
// per key.
package debounce

import (
	"sync"
	"time"
)

// DefaultWindow is the quiet period applied when no window is configured.
const DefaultWindow = time.Second

// entry is a pending emission: the armed timer and the latest work closure.
type entry struct {
	timer *time.Timer
	work  func()
}

// Scheduler debounces work by key. Scheduling a key that already has a
// pending timer cancels it and restarts the window with the new closure:
// the decision that something changed is never lost, only the emission is
// coalesced, and the last scheduled work wins. Each key's timer is
// independent; no ordering is guaranteed across keys.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*entry
	stopped bool

	window time.Duration
	onFire func(key string)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWindow sets the debounce window.
func WithWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithOnFire sets an optional hook invoked after a key's work has run,
// used for metrics.
func WithOnFire(fn func(key string)) Option {
	return func(s *Scheduler) {
		s.onFire = fn
	}
}

// NewScheduler creates a Scheduler with the given options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		pending: make(map[string]*entry),
		window:  DefaultWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule arms (or re-arms) the timer for key. When the window elapses
// with no further Schedule calls for the same key, the most recently
// scheduled work runs exactly once and the entry is discarded.
func (s *Scheduler) Schedule(key string, work func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	if e, ok := s.pending[key]; ok {
		e.timer.Stop()
		e.work = work
		e.timer = time.AfterFunc(s.window, func() { s.fire(key) })
		return
	}

	s.pending[key] = &entry{
		work:  work,
		timer: time.AfterFunc(s.window, func() { s.fire(key) }),
	}
}

// Flush runs the pending work for key immediately, if any.
func (s *Scheduler) Flush(key string) {
	s.fire(key)
}

func (s *Scheduler) fire(key string) {
	s.mu.Lock()
	e, ok := s.pending[key]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	e.timer.Stop()
	work := e.work
	s.mu.Unlock()

	work()
	if s.onFire != nil {
		s.onFire(key)
	}
}

// Pending returns the number of keys with an armed timer.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending timer and rejects further scheduling. Pending
// work is dropped, not flushed; shutdown must not emit stale notifications.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, key)
	}
}

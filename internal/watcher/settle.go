package watcher

import (
	"sync"
	"time"
)

// Settler runs each scheduled function once its own settle delay has passed.
// Unlike a resetting debounce, a new schedule for the same file does not
// push back an earlier one, so a producer that rewrites a frame faster than
// the delay still gets its frames delivered.
type Settler struct {
	delay   time.Duration
	timers  map[uint64]*time.Timer
	next    uint64
	stopped bool
	mu      sync.Mutex
}

// NewSettler creates a settler with the specified delay
func NewSettler(delay time.Duration) *Settler {
	if delay < 0 {
		delay = 0
	}
	return &Settler{
		delay:  delay,
		timers: make(map[uint64]*time.Timer),
	}
}

// After schedules fn to run on its own goroutine after the settle delay.
// It returns false once the settler has been stopped.
func (s *Settler) After(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	id := s.next
	s.next++
	s.timers[id] = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()

		if live {
			fn()
		}
	})
	return true
}

// Pending returns the number of scheduled functions that have not fired
func (s *Settler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all pending timers. Their functions never run.
func (s *Settler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for _, timer := range s.timers {
		timer.Stop()
	}
	s.timers = make(map[uint64]*time.Timer)
}

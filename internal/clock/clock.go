// Package clock abstracts wall-clock time so that debounce and retry
// timing can be tested without real waits.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and timer channels.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type system struct{}

// System returns the wall-clock backed Clock used in production.
func System() Clock {
	return system{}
}

func (system) Now() time.Time {
	return time.Now()
}

func (system) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Manual is a Clock advanced explicitly by tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

// NewManual returns a Manual clock frozen at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{
		at: m.now.Add(d),
		ch: make(chan time.Time, 1),
	}
	if d <= 0 {
		t.ch <- m.now
		return t.ch
	}
	m.timers = append(m.timers, t)
	return t.ch
}

// Advance moves the clock forward and fires every timer whose deadline
// has been reached.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now

	var remaining []*manualTimer
	var due []*manualTimer
	for _, t := range m.timers {
		if t.at.After(now) {
			remaining = append(remaining, t)
		} else {
			due = append(due, t)
		}
	}
	m.timers = remaining
	m.mu.Unlock()

	for _, t := range due {
		t.ch <- now
	}
}

// Package netmon tracks connectivity and is the process-wide source of
// truth for whether the sync engine may drain.
//
// Raw online/offline signals are reported by collaborators (the app's
// platform hooks, the reconciliation channel, submission outcomes) and
// are debounced: a transition is published only after the raw signal
// holds stable for the debounce window, so a flapping link does not
// thrash the sync engine.
package netmon

import (
	"sync"
	"time"

	"github.com/partolog/outbox.go/internal/clock"
	"github.com/partolog/outbox.go/pkg/logger"
)

// DefaultDebounce is the stability window applied to raw signals.
const DefaultDebounce = 500 * time.Millisecond

// Options configures a Monitor. The zero value is usable.
type Options struct {
	// Debounce is the stability window; 0 means DefaultDebounce.
	Debounce time.Duration

	// InitialOnline is the state assumed before the first report.
	InitialOnline bool

	Clock  clock.Clock
	Logger logger.Logger
}

// Monitor is the debounced connectivity observable. Consumers read
// state via Online and Subscribe; only the monitor's own transition
// detection mutates it.
type Monitor struct {
	clk      clock.Clock
	log      logger.Logger
	debounce time.Duration

	mu      sync.Mutex
	raw     bool
	stable  bool
	gen     int
	subs    map[int]chan bool
	nextSub int
	closed  bool
}

// New returns a Monitor with the given options.
func New(opts Options) *Monitor {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	return &Monitor{
		clk:      opts.Clock,
		log:      opts.Logger,
		debounce: opts.Debounce,
		raw:      opts.InitialOnline,
		stable:   opts.InitialOnline,
		subs:     make(map[int]chan bool),
	}
}

// Online returns the current debounced connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stable
}

// Report feeds a raw connectivity signal. The stable state changes only
// after the raw signal holds for the debounce window; an opposite
// report within the window cancels the pending transition.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	if m.closed || online == m.raw {
		m.mu.Unlock()
		return
	}

	m.raw = online
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.log.Debug("connectivity signal", "online", online)

	// The timer is armed before the goroutine starts so a test
	// clock advanced right after Report still fires it.
	timer := m.clk.After(m.debounce)
	go func() {
		<-timer
		m.commit(gen)
	}()
}

// commit publishes the transition started at gen unless a newer signal
// superseded it.
func (m *Monitor) commit(gen int) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.raw == m.stable {
		m.mu.Unlock()
		return
	}

	m.stable = m.raw
	state := m.stable

	// Sends stay under the lock so a concurrent cancel cannot close
	// a channel mid-send; they are non-blocking against the buffer.
	for _, ch := range m.subs {
		select {
		case ch <- state:
		default:
			m.log.Warn("dropping connectivity transition, subscriber is slow")
		}
	}
	m.mu.Unlock()

	m.log.Info("connectivity transition", "online", state)
}

// Subscribe registers for debounced transitions. The returned cancel
// function removes the subscription and closes the channel, so a range
// loop over it terminates. The channel is buffered, and a subscriber
// that falls behind misses intermediate transitions rather than
// blocking the monitor.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan bool, 4)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if ch, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}

// Close stops the monitor; further reports are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

package netmon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partolog/outbox.go/internal/clock"
)

func awaitTransition(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connectivity transition")
		return false
	}
}

func TestStableTransitionIsReported(t *testing.T) {
	clk := clock.NewManual(time.UnixMilli(1700000000000))
	m := New(Options{Debounce: 500 * time.Millisecond, Clock: clk})
	defer m.Close()

	ch, cancel := m.Subscribe()
	defer cancel()

	assert.False(t, m.Online())

	m.Report(true)
	assert.False(t, m.Online(), "transition must not be visible before the debounce window")

	clk.Advance(500 * time.Millisecond)
	assert.True(t, awaitTransition(t, ch))
	assert.True(t, m.Online())
}

func TestFlappingIsSuppressed(t *testing.T) {
	clk := clock.NewManual(time.UnixMilli(1700000000000))
	m := New(Options{Debounce: 500 * time.Millisecond, Clock: clk})
	defer m.Close()

	ch, cancel := m.Subscribe()
	defer cancel()

	// The link flaps within the window: no transition may surface.
	m.Report(true)
	clk.Advance(200 * time.Millisecond)
	m.Report(false)
	clk.Advance(time.Second)

	select {
	case v := <-ch:
		t.Fatalf("unexpected transition to %v", v)
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, m.Online())

	// A signal that holds goes through.
	m.Report(true)
	clk.Advance(500 * time.Millisecond)
	assert.True(t, awaitTransition(t, ch))
}

func TestRedundantReportsAreIgnored(t *testing.T) {
	clk := clock.NewManual(time.UnixMilli(1700000000000))
	m := New(Options{Debounce: 500 * time.Millisecond, Clock: clk, InitialOnline: true})
	defer m.Close()

	ch, cancel := m.Subscribe()
	defer cancel()

	m.Report(true) // already online
	clk.Advance(time.Second)

	select {
	case v := <-ch:
		t.Fatalf("unexpected transition to %v", v)
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, m.Online())
}

func TestSubscribeCancel(t *testing.T) {
	clk := clock.NewManual(time.UnixMilli(1700000000000))
	m := New(Options{Debounce: time.Millisecond, Clock: clk})
	defer m.Close()

	ch, cancel := m.Subscribe()
	cancel()

	// The closed channel ends a range loop instead of delivering
	// transitions.
	_, ok := <-ch
	require.False(t, ok)

	m.Report(true)
	clk.Advance(time.Millisecond)

	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)

	_, ok = <-ch
	require.False(t, ok)

	cancel()
}

func TestDefaultDebounce(t *testing.T) {
	m := New(Options{})
	defer m.Close()
	assert.Equal(t, DefaultDebounce, m.debounce)
}

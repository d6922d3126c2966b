package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partolog/outbox.go/pkg/bridge"
	"github.com/partolog/outbox.go/pkg/event"
	"github.com/partolog/outbox.go/pkg/eventid"
	"github.com/partolog/outbox.go/pkg/logger"
	"github.com/partolog/outbox.go/pkg/netmon"
	"github.com/partolog/outbox.go/pkg/recon"
	"github.com/partolog/outbox.go/pkg/retry"
	"github.com/partolog/outbox.go/pkg/store"
)

// submitCall is one observed delivery attempt.
type submitCall struct {
	ID       eventid.ID
	Kind     event.Kind
	Subject  string
	Attempts int
}

// recordingSubmitter records every Submit call and delegates the
// outcome to fn. A nil fn acknowledges everything.
type recordingSubmitter struct {
	mu    sync.Mutex
	calls []submitCall
	fn    func(ctx context.Context, ev *event.Event) (Ack, error)
}

func (r *recordingSubmitter) Submit(ctx context.Context, ev *event.Event) (Ack, error) {
	r.mu.Lock()
	r.calls = append(r.calls, submitCall{
		ID:       ev.ID,
		Kind:     ev.Kind,
		Subject:  ev.SubjectID,
		Attempts: ev.Attempts,
	})
	fn := r.fn
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, ev)
	}
	return Ack{}, nil
}

func (r *recordingSubmitter) snapshot() []submitCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]submitCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type testRig struct {
	engine  *Engine
	store   *store.Store
	monitor *netmon.Monitor
	cache   *bridge.MemoryCache
	sub     *recordingSubmitter
}

// newTestRig starts an engine against a fresh on-disk queue. The
// monitor begins offline; tests flip it with reportOnline.
func newTestRig(t *testing.T, sub *recordingSubmitter, opts ...func(*Config)) *testRig {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mon := netmon.New(netmon.Options{Debounce: time.Millisecond})
	t.Cleanup(mon.Close)

	cache := bridge.NewMemoryCache()

	cfg := Config{
		Store:              st,
		Submitter:          sub,
		Monitor:            mon,
		Bridge:             bridge.New(cache, logger.Nop()),
		Retryer:            retry.NewFixedDelay(time.Millisecond, 0),
		SubmitTimeout:      time.Second,
		RetryCheckInterval: 2 * time.Millisecond,
		Logger:             logger.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	eng, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Close() })

	return &testRig{engine: eng, store: st, monitor: mon, cache: cache, sub: sub}
}

// reportOnline flips connectivity and waits for the debounced state to
// commit.
func (r *testRig) reportOnline(t *testing.T, online bool) {
	t.Helper()
	r.monitor.Report(online)
	require.Eventually(t, func() bool { return r.monitor.Online() == online },
		time.Second, time.Millisecond)
}

func (r *testRig) awaitDrained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := r.engine.Status()
		return s.PendingCount == 0 && !s.IsSyncing
	}, 5*time.Second, 2*time.Millisecond)
}

func startPayload(contractionID string) event.ContractionPayload {
	return event.ContractionPayload{
		ContractionID: contractionID,
		StartedAt:     time.Now(),
		Intensity:     4,
	}
}

func endPayload(contractionID string, at time.Time) event.ContractionPayload {
	return event.ContractionPayload{
		ContractionID: contractionID,
		EndedAt:       &at,
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	st := &store.Store{}
	mon := netmon.New(netmon.Options{})
	br := bridge.New(bridge.NewMemoryCache(), logger.Nop())
	sub := &recordingSubmitter{}

	for name, cfg := range map[string]Config{
		"missing store":     {Submitter: sub, Monitor: mon, Bridge: br},
		"missing submitter": {Store: st, Monitor: mon, Bridge: br},
		"missing monitor":   {Store: st, Submitter: sub, Bridge: br},
		"missing bridge":    {Store: st, Submitter: sub, Monitor: mon},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestOfflineEnqueueThenOnlineDrains(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, &recordingSubmitter{})

	start, err := rig.engine.Enqueue(ctx, event.KindStartContraction, "session-1", startPayload("c1"))
	require.NoError(t, err)
	end, err := rig.engine.Enqueue(ctx, event.KindEndContraction, "session-1", endPayload("c1", time.Now()))
	require.NoError(t, err)
	require.Negative(t, eventid.Compare(start.ID, end.ID))

	// The optimistic effect is visible immediately, before any
	// network activity.
	c, ok := rig.cache.Contraction("c1")
	require.True(t, ok)
	assert.True(t, c.Placeholder)
	assert.NotNil(t, c.EndedAt)

	// Offline: nothing is submitted, both events wait in the queue.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rig.sub.count())
	st := rig.engine.Status()
	assert.False(t, st.IsOnline)
	assert.Equal(t, 2, st.PendingCount)

	rig.reportOnline(t, true)
	rig.awaitDrained(t)

	calls := rig.sub.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, start.ID, calls[0].ID)
	assert.Equal(t, end.ID, calls[1].ID)

	st = rig.engine.Status()
	assert.True(t, st.IsOnline)
	assert.Zero(t, st.PendingCount)
	assert.Zero(t, st.FailedCount)
}

func TestPermanentRejectionRevertsOnce(t *testing.T) {
	ctx := context.Background()
	sub := &recordingSubmitter{
		fn: func(ctx context.Context, ev *event.Event) (Ack, error) {
			return Ack{}, Permanent("intensity out of range")
		},
	}
	rig := newTestRig(t, sub)
	rig.reportOnline(t, true)

	ev, err := rig.engine.Enqueue(ctx, event.KindStartContraction, "session-1", startPayload("c1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rig.engine.Status().FailedCount == 1
	}, 5*time.Second, 2*time.Millisecond)

	stored, err := rig.store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusFailed, stored.Status)
	assert.Equal(t, "intensity out of range", stored.FailReason)

	// The optimistic insert was rolled back.
	_, ok := rig.cache.Contraction("c1")
	assert.False(t, ok)

	// A failed event is never offered to the submitter again.
	rig.engine.Sync()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rig.sub.count())
}

func TestTransientFailuresRetryUntilSuccess(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	failures := 3
	sub := &recordingSubmitter{}
	sub.fn = func(ctx context.Context, ev *event.Event) (Ack, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return Ack{}, Transient(errors.New("connection reset"))
		}
		return Ack{}, nil
	}
	rig := newTestRig(t, sub)
	rig.reportOnline(t, true)

	ev, err := rig.engine.Enqueue(ctx, event.KindStartContraction, "session-1", startPayload("c1"))
	require.NoError(t, err)

	rig.awaitDrained(t)
	require.Eventually(t, func() bool { return rig.sub.count() == 4 },
		5*time.Second, 2*time.Millisecond)

	calls := rig.sub.snapshot()
	require.Len(t, calls, 4)
	for i, call := range calls {
		// Retries reuse the identifier, so the server can
		// deduplicate, and each carries the prior attempt count.
		assert.Equal(t, ev.ID, call.ID)
		assert.Equal(t, i, call.Attempts)
	}

	// Synced events leave the queue entirely.
	_, err = rig.store.Get(ctx, ev.ID)
	assert.ErrorIs(t, err, store.ErrUnknownEvent)
	assert.Zero(t, rig.engine.Status().FailedCount)
}

func TestTransientExhaustionKeepsOptimisticEffect(t *testing.T) {
	ctx := context.Background()
	sub := &recordingSubmitter{
		fn: func(ctx context.Context, ev *event.Event) (Ack, error) {
			return Ack{}, Transient(errors.New("server unavailable"))
		},
	}
	rig := newTestRig(t, sub, func(cfg *Config) { cfg.MaxAttempts = 2 })
	rig.reportOnline(t, true)

	ev, err := rig.engine.Enqueue(ctx, event.KindStartContraction, "session-1", startPayload("c1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rig.engine.Status().FailedCount == 1
	}, 5*time.Second, 2*time.Millisecond)
	assert.Equal(t, 2, rig.sub.count())

	stored, err := rig.store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailReason, "gave up after 2 attempts")

	// The mutation was never rejected, only undeliverable, so the
	// optimistic copy survives for the user to retry or discard.
	_, ok := rig.cache.Contraction("c1")
	assert.True(t, ok)
}

func TestCausalOrderWithinSubject(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	headFailures := 2
	var headID eventid.ID
	sub := &recordingSubmitter{}
	sub.fn = func(ctx context.Context, ev *event.Event) (Ack, error) {
		mu.Lock()
		defer mu.Unlock()
		if ev.ID == headID && headFailures > 0 {
			headFailures--
			return Ack{}, Transient(errors.New("flaky link"))
		}
		return Ack{}, nil
	}
	rig := newTestRig(t, sub)

	start, err := rig.engine.Enqueue(ctx, event.KindStartContraction, "session-1", startPayload("c1"))
	require.NoError(t, err)
	mu.Lock()
	headID = start.ID
	mu.Unlock()
	end, err := rig.engine.Enqueue(ctx, event.KindEndContraction, "session-1", endPayload("c1", time.Now()))
	require.NoError(t, err)

	// An independent subject must not be held up by session-1's
	// backoff.
	other, err := rig.engine.Enqueue(ctx, event.KindPlanSession, "session-2",
		event.SessionPayload{SessionID: "session-2", PlannedFor: time.Now()})
	require.NoError(t, err)

	rig.reportOnline(t, true)
	rig.awaitDrained(t)

	calls := rig.sub.snapshot()
	lastStart, firstEnd := -1, -1
	sawOther := false
	for i, call := range calls {
		switch call.ID {
		case start.ID:
			lastStart = i
		case end.ID:
			if firstEnd == -1 {
				firstEnd = i
			}
		case other.ID:
			sawOther = true
		}
	}
	require.GreaterOrEqual(t, lastStart, 0)
	require.GreaterOrEqual(t, firstEnd, 0)
	assert.Greater(t, firstEnd, lastStart,
		"end_contraction attempted before start_contraction settled")
	assert.True(t, sawOther)
	assert.Zero(t, rig.engine.Status().FailedCount)
}

func TestSubmitTimeoutCountsAsTransient(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	slow := true
	sub := &recordingSubmitter{}
	sub.fn = func(ctx context.Context, ev *event.Event) (Ack, error) {
		mu.Lock()
		s := slow
		slow = false
		mu.Unlock()
		if s {
			<-ctx.Done()
			return Ack{}, ctx.Err()
		}
		return Ack{}, nil
	}
	rig := newTestRig(t, sub, func(cfg *Config) { cfg.SubmitTimeout = 5 * time.Millisecond })
	rig.reportOnline(t, true)

	_, err := rig.engine.Enqueue(ctx, event.KindStartContraction, "session-1", startPayload("c1"))
	require.NoError(t, err)

	rig.awaitDrained(t)
	assert.Equal(t, 2, rig.sub.count())
	assert.Zero(t, rig.engine.Status().FailedCount)
}

func TestCancelRevertsPendingEvent(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, &recordingSubmitter{})

	ev, err := rig.engine.Enqueue(ctx, event.KindStartContraction, "session-1", startPayload("c1"))
	require.NoError(t, err)
	_, ok := rig.cache.Contraction("c1")
	require.True(t, ok)

	require.NoError(t, rig.engine.Cancel(ctx, ev.ID))

	_, ok = rig.cache.Contraction("c1")
	assert.False(t, ok)
	assert.Zero(t, rig.engine.Status().PendingCount)

	err = rig.engine.Cancel(ctx, ev.ID)
	assert.ErrorIs(t, err, store.ErrUnknownEvent)
}

func TestEnqueueRejectsInvalidMutations(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, &recordingSubmitter{})

	_, err := rig.engine.Enqueue(ctx, event.Kind("murmur"), "session-1", startPayload("c1"))
	assert.ErrorIs(t, err, event.ErrUnknownKind)

	// Ending a contraction that was never started has no cache entry
	// to patch; the mutation is refused before it is persisted.
	_, err = rig.engine.Enqueue(ctx, event.KindEndContraction, "session-1", endPayload("ghost", time.Now()))
	assert.Error(t, err)
	assert.Zero(t, rig.engine.Status().PendingCount)
}

func TestEnqueueRollsBackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, &recordingSubmitter{})

	// With the queue unavailable the optimistic effect must not
	// survive the failed Enqueue.
	require.NoError(t, rig.store.Close())

	_, err := rig.engine.Enqueue(ctx, event.KindStartContraction, "session-1", startPayload("c1"))
	require.Error(t, err)

	_, ok := rig.cache.Contraction("c1")
	assert.False(t, ok)
}

func TestStatusUpdatesStream(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, &recordingSubmitter{})

	updates, cancel := rig.engine.StatusUpdates()
	defer cancel()

	var mu sync.Mutex
	var seen []SyncStatus
	go func() {
		for s := range updates {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		}
	}()

	_, err := rig.engine.Enqueue(ctx, event.KindStartContraction, "session-1", startPayload("c1"))
	require.NoError(t, err)

	contains := func(match func(SyncStatus) bool) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			for _, s := range seen {
				if match(s) {
					return true
				}
			}
			return false
		}
	}

	require.Eventually(t, contains(func(s SyncStatus) bool {
		return !s.IsOnline && s.PendingCount == 1
	}), time.Second, 2*time.Millisecond)

	rig.reportOnline(t, true)

	require.Eventually(t, contains(func(s SyncStatus) bool {
		return s.IsOnline && s.PendingCount == 0 && !s.IsSyncing
	}), 5*time.Second, 2*time.Millisecond)

	cancel()
}

func TestConnectivityLossPausesDraining(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	fail := true
	sub := &recordingSubmitter{}
	sub.fn = func(ctx context.Context, ev *event.Event) (Ack, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return Ack{}, Transient(errors.New("connection reset"))
		}
		return Ack{}, nil
	}
	rig := newTestRig(t, sub)
	rig.reportOnline(t, true)

	_, err := rig.engine.Enqueue(ctx, event.KindStartContraction, "session-1", startPayload("c1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rig.sub.count() >= 1 },
		time.Second, 2*time.Millisecond)

	rig.reportOnline(t, false)
	before := rig.sub.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, rig.sub.count())

	mu.Lock()
	fail = false
	mu.Unlock()

	rig.reportOnline(t, true)
	rig.awaitDrained(t)
	assert.Zero(t, rig.engine.Status().PendingCount)
}

func TestDeletedSubjectFailsQueuedMutations(t *testing.T) {
	ctx := context.Background()
	refetch := func(ctx context.Context, entityKind, entityID string) (bool, error) {
		return false, nil
	}
	rig := newTestRig(t, &recordingSubmitter{}, func(cfg *Config) { cfg.Refetch = refetch })

	ev, err := rig.engine.Enqueue(ctx, event.KindPlanSession, "session-9",
		event.SessionPayload{SessionID: "session-9", PlannedFor: time.Now()})
	require.NoError(t, err)
	_, ok := rig.cache.Session("session-9")
	require.True(t, ok)

	rig.engine.handleInvalidation(ctx, recon.Invalidation{
		EntityKind: bridge.EntitySession,
		EntityID:   "session-9",
	})

	stored, err := rig.store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusFailed, stored.Status)
	assert.Equal(t, "subject deleted upstream", stored.FailReason)

	// Server wins: the optimistic session is gone.
	_, ok = rig.cache.Session("session-9")
	assert.False(t, ok)
}

func TestPlaceholderReconciledWithServerIDs(t *testing.T) {
	ctx := context.Background()
	sub := &recordingSubmitter{
		fn: func(ctx context.Context, ev *event.Event) (Ack, error) {
			return Ack{ServerIDs: map[string]string{bridge.EntityContraction: "srv-77"}}, nil
		},
	}
	rig := newTestRig(t, sub)
	rig.reportOnline(t, true)

	_, err := rig.engine.Enqueue(ctx, event.KindStartContraction, "session-1", startPayload("c1"))
	require.NoError(t, err)
	rig.awaitDrained(t)

	require.Eventually(t, func() bool {
		c, ok := rig.cache.Contraction("srv-77")
		return ok && !c.Placeholder
	}, time.Second, 2*time.Millisecond)
	_, ok := rig.cache.Contraction("c1")
	assert.False(t, ok)
}

func TestRestartResumesQueuedWork(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.db")

	st, err := store.Open(path, logger.Nop())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		ev, err := event.New(event.KindPostUpdate, "session-1", event.UpdatePayload{
			UpdateID: fmt.Sprintf("u%d", i),
			Text:     "contraction logged",
			PostedAt: time.Now(),
		})
		require.NoError(t, err)
		require.NoError(t, st.Append(ctx, ev))
	}
	require.NoError(t, st.Close())

	// A new process opens the same file and drains what the old one
	// left behind.
	st, err = store.Open(path, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mon := netmon.New(netmon.Options{Debounce: time.Millisecond, InitialOnline: true})
	t.Cleanup(mon.Close)

	sub := &recordingSubmitter{}
	eng, err := New(Config{
		Store:              st,
		Submitter:          sub,
		Monitor:            mon,
		Bridge:             bridge.New(bridge.NewMemoryCache(), logger.Nop()),
		Retryer:            retry.NewFixedDelay(time.Millisecond, 0),
		RetryCheckInterval: 2 * time.Millisecond,
		Logger:             logger.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() { _ = eng.Close() })

	require.Eventually(t, func() bool {
		return eng.Status().PendingCount == 0
	}, 5*time.Second, 2*time.Millisecond)

	calls := sub.snapshot()
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.Negative(t, eventid.Compare(calls[i-1].ID, calls[i].ID))
	}
}

func TestStartTwiceFails(t *testing.T) {
	rig := newTestRig(t, &recordingSubmitter{})
	err := rig.engine.Start(context.Background())
	assert.Error(t, err)
}

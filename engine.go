package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/partolog/outbox.go/internal/clock"
	"github.com/partolog/outbox.go/pkg/bridge"
	"github.com/partolog/outbox.go/pkg/event"
	"github.com/partolog/outbox.go/pkg/eventid"
	"github.com/partolog/outbox.go/pkg/logger"
	"github.com/partolog/outbox.go/pkg/netmon"
	"github.com/partolog/outbox.go/pkg/recon"
	"github.com/partolog/outbox.go/pkg/retry"
	"github.com/partolog/outbox.go/pkg/store"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxAttempts        = 5
	DefaultSubmitTimeout      = 30 * time.Second
	DefaultRetryCheckInterval = 5 * time.Second
)

// Config wires an Engine. Store, Submitter, Monitor and Bridge are
// required; everything else defaults.
type Config struct {
	// Store is the durable queue, opened (and thereby recovered)
	// before the engine starts draining. The engine does not close
	// it.
	Store *store.Store

	// Submitter delivers events to the remote authority.
	Submitter Submitter

	// Monitor gates draining on connectivity.
	Monitor *netmon.Monitor

	// Bridge applies and reverts optimistic effects.
	Bridge *bridge.Bridge

	// Recon is the optional push channel; when set, the engine
	// consumes its invalidations.
	Recon *recon.Channel

	// Refetch fetches authoritative entity state after an
	// invalidation. Optional.
	Refetch RefetchFunc

	// Retryer paces resubmission after transient failures. Defaults
	// to exponential backoff with jitter, capped at 30 seconds. Only
	// its delay is used; the attempt cap is MaxAttempts.
	Retryer retry.Retryer

	// MaxAttempts is the number of transient failures tolerated
	// before an event is escalated to Failed.
	MaxAttempts int

	// SubmitTimeout bounds each submission attempt; expiry counts as
	// a transient failure.
	SubmitTimeout time.Duration

	// RetryCheckInterval is how often the engine re-checks for
	// events whose backoff has elapsed.
	RetryCheckInterval time.Duration

	Logger logger.Logger
	Clock  clock.Clock
}

// Engine drains the durable queue against the remote authority.
//
// At most one drain pass runs at a time; a drain request arriving
// while a pass is active coalesces into a single follow-up pass.
// Within a subject events are submitted strictly in identifier order,
// and the next event is not attempted until its predecessor reached
// Synced or Failed. Independent subjects drain concurrently.
type Engine struct {
	store     *store.Store
	submitter Submitter
	monitor   *netmon.Monitor
	bridge    *bridge.Bridge
	recon     *recon.Channel
	refetch   RefetchFunc
	retryer   retry.Retryer
	log       logger.Logger
	clk       clock.Clock

	maxAttempts        int
	submitTimeout      time.Duration
	retryCheckInterval time.Duration

	hub     *statusHub
	trigger chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup

	// drainMu enforces the one-drain-at-a-time invariant.
	drainMu sync.Mutex

	mu      sync.Mutex
	syncing bool
	started bool

	closeOnce sync.Once
}

// New validates cfg and returns an unstarted Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("outbox: Config.Store is required")
	}
	if cfg.Submitter == nil {
		return nil, errors.New("outbox: Config.Submitter is required")
	}
	if cfg.Monitor == nil {
		return nil, errors.New("outbox: Config.Monitor is required")
	}
	if cfg.Bridge == nil {
		return nil, errors.New("outbox: Config.Bridge is required")
	}

	if cfg.Retryer == nil {
		cfg.Retryer = retry.NewExponentialBackoff()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.RetryCheckInterval <= 0 {
		cfg.RetryCheckInterval = DefaultRetryCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}

	return &Engine{
		store:              cfg.Store,
		submitter:          cfg.Submitter,
		monitor:            cfg.Monitor,
		bridge:             cfg.Bridge,
		recon:              cfg.Recon,
		refetch:            cfg.Refetch,
		retryer:            cfg.Retryer,
		log:                cfg.Logger,
		clk:                cfg.Clock,
		maxAttempts:        cfg.MaxAttempts,
		submitTimeout:      cfg.SubmitTimeout,
		retryCheckInterval: cfg.RetryCheckInterval,
		hub:                newStatusHub(),
		trigger:            make(chan struct{}, 1),
		closeCh:            make(chan struct{}),
	}, nil
}

// Start launches the drain, retry and reconciliation loops. The queue
// must be readable: Start fails rather than run against an unavailable
// store, so the engine never proceeds as if the queue were empty.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("outbox: engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if _, _, err := e.store.Counts(ctx); err != nil {
		return fmt.Errorf("outbox: queue unavailable: %w", err)
	}

	// Subscribe before the loops start so no transition is missed.
	onlineCh, cancelOnline := e.monitor.Subscribe()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancelOnline()
		e.monitorLoop(ctx, onlineCh)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drainLoop(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.retryLoop(ctx)
	}()

	if e.recon != nil {
		e.recon.Start(ctx)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.reconLoop(ctx)
		}()
	}

	e.publishStatus(ctx)

	if e.monitor.Online() {
		e.requestDrain()
	}

	return nil
}

// Close stops all loops and the reconciliation channel. The store and
// monitor are owned by the caller and stay open.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closeCh)
	})
	e.wg.Wait()

	if e.recon != nil {
		return e.recon.Close()
	}
	return nil
}

// Enqueue captures a user-initiated mutation: it assigns the
// identifier, applies the optimistic effect, persists the event, and
// nudges the drain loop if online. Failures below the engine surface
// as returned errors, never panics; a persistence failure rolls the
// optimistic effect back so cache and queue stay consistent.
func (e *Engine) Enqueue(ctx context.Context, kind event.Kind, subjectID string, payload any) (*event.Event, error) {
	ev, err := event.New(kind, subjectID, payload)
	if err != nil {
		return nil, err
	}

	if err := e.bridge.Apply(ev); err != nil {
		return nil, fmt.Errorf("apply optimistic effect: %w", err)
	}

	if err := e.store.Append(ctx, ev); err != nil {
		if rerr := e.bridge.Revert(ev); rerr != nil {
			e.log.Error("failed to roll back optimistic effect", "event", ev.ID, "error", rerr)
		}
		return nil, fmt.Errorf("persist event: %w", err)
	}

	e.log.Debug("event enqueued", "event", ev.ID, "kind", kind, "subject", subjectID)
	e.publishStatus(ctx)

	if e.monitor.Online() {
		e.requestDrain()
	}

	return ev.Clone(), nil
}

// Cancel removes a still-pending, unclaimed event and reverts its
// optimistic effect. Once an event has been claimed it can no longer
// be cancelled; a compensating mutation must be enqueued instead.
func (e *Engine) Cancel(ctx context.Context, id eventid.ID) error {
	ev, err := e.store.Remove(ctx, id)
	if err != nil {
		return err
	}

	if err := e.bridge.Revert(ev); err != nil {
		e.log.Error("cancelled event had no optimistic effect to revert", "event", id, "error", err)
	}

	e.publishStatus(ctx)
	return nil
}

// Sync requests a drain pass explicitly.
func (e *Engine) Sync() {
	e.requestDrain()
}

// Status returns a fresh snapshot of the sync state.
func (e *Engine) Status() SyncStatus {
	return e.computeStatus(context.Background())
}

// StatusUpdates subscribes to status snapshots. The stream emits
// whenever the queue or connectivity changes; the cancel function
// releases the subscription and closes the channel, so a range loop
// over the stream terminates.
func (e *Engine) StatusUpdates() (<-chan SyncStatus, func()) {
	return e.hub.subscribe()
}

// Events enumerates queued events, optionally scoped to a subject, for
// UI surfaces that list pending and failed changes.
func (e *Engine) Events(ctx context.Context, subjectID string) ([]*event.Event, error) {
	return e.store.List(ctx, subjectID)
}

func (e *Engine) requestDrain() {
	select {
	case e.trigger <- struct{}{}:
	default:
		// A pass is already queued; it will pick up this work.
	}
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closeCh:
		return true
	default:
		return false
	}
}

func (e *Engine) monitorLoop(ctx context.Context, onlineCh <-chan bool) {
	for {
		select {
		case <-e.closeCh:
			return
		case <-ctx.Done():
			return
		case online := <-onlineCh:
			e.publishStatus(ctx)
			if online {
				e.requestDrain()
			}
		}
	}
}

func (e *Engine) retryLoop(ctx context.Context) {
	for {
		select {
		case <-e.closeCh:
			return
		case <-ctx.Done():
			return
		case <-e.clk.After(e.retryCheckInterval):
		}

		if !e.monitor.Online() {
			continue
		}

		pending, _, err := e.store.Counts(ctx)
		if err != nil {
			e.log.Error("queue unavailable during retry check", "error", err)
			continue
		}
		if pending > 0 {
			e.requestDrain()
		}
	}
}

func (e *Engine) drainLoop(ctx context.Context) {
	for {
		select {
		case <-e.closeCh:
			return
		case <-ctx.Done():
			return
		case <-e.trigger:
			e.drain(ctx)
		}
	}
}

// drain runs one pass: claim eligible events, submit them grouped by
// subject, repeat until the queue is empty, connectivity is lost, or
// everything left is blocked on backoff.
func (e *Engine) drain(ctx context.Context) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	if !e.monitor.Online() {
		return
	}

	e.setSyncing(true)
	e.publishStatus(ctx)
	defer func() {
		e.setSyncing(false)
		e.publishStatus(ctx)
	}()

	for {
		batch, err := e.store.ClaimNextBatch(ctx, e.clk.Now(), "")
		if err != nil {
			e.log.Error("failed to claim events", "error", err)
			return
		}
		if len(batch) == 0 {
			return
		}

		subjects := groupBySubject(batch)
		e.log.Debug("drain pass claimed events", "events", len(batch), "subjects", len(subjects))

		var wg sync.WaitGroup
		for _, events := range subjects {
			wg.Add(1)
			go func(events []*event.Event) {
				defer wg.Done()
				e.drainSubject(ctx, events)
			}(events)
		}
		wg.Wait()

		if e.isClosed() || ctx.Err() != nil || !e.monitor.Online() {
			return
		}
	}
}

// drainSubject submits one subject's events strictly in order. A
// transient failure stops the subject; later events are released back
// to pending untouched so causal order holds.
func (e *Engine) drainSubject(ctx context.Context, events []*event.Event) {
	for i, ev := range events {
		if e.isClosed() || ctx.Err() != nil || !e.monitor.Online() {
			e.release(ctx, events[i:])
			return
		}

		if !e.submitOne(ctx, ev) {
			e.release(ctx, events[i+1:])
			return
		}
	}
}

// submitOne delivers a single claimed event and translates the outcome
// into a status transition. It reports whether the subject may advance
// past this event.
func (e *Engine) submitOne(ctx context.Context, ev *event.Event) bool {
	sctx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	ack, err := e.submitter.Submit(sctx, ev.Clone())
	cancel()

	switch {
	case err == nil:
		if err := e.store.MarkSynced(ctx, ev.ID); err != nil {
			e.log.Error("failed to purge synced event", "event", ev.ID, "error", err)
		}
		if err := e.bridge.Reconcile(ev, ack.ServerIDs); err != nil {
			e.log.Error("failed to reconcile placeholders", "event", ev.ID, "error", err)
		}
		e.log.Debug("event synced", "event", ev.ID, "kind", ev.Kind)
		e.publishStatus(ctx)
		return true

	case IsPermanent(err):
		if merr := e.store.MarkFailed(ctx, ev.ID, reason(err)); merr != nil {
			e.log.Error("failed to persist rejection", "event", ev.ID, "error", merr)
		}
		if rerr := e.bridge.Revert(ev); rerr != nil {
			e.log.Error("failed to revert rejected event", "event", ev.ID, "error", rerr)
		}
		e.log.Warn("mutation rejected by server", "event", ev.ID, "kind", ev.Kind, "reason", reason(err))
		e.publishStatus(ctx)
		// A failed head no longer blocks its subject.
		return true

	default:
		attempts := ev.Attempts + 1
		if attempts >= e.maxAttempts {
			msg := fmt.Sprintf("gave up after %d attempts: %v", attempts, err)
			if merr := e.store.MarkFailed(ctx, ev.ID, msg); merr != nil {
				e.log.Error("failed to persist escalation", "event", ev.ID, "error", merr)
			}
			// The optimistic effect is kept: the mutation itself was
			// never rejected, only undeliverable.
			e.log.Warn("event escalated to failed", "event", ev.ID, "attempts", attempts)
			e.publishStatus(ctx)
			return true
		}

		delay, retryAgain := e.retryer.NextDelay(ev.Attempts, err)
		if !retryAgain {
			delay = 0
		}
		if merr := e.store.MarkRetry(ctx, ev.ID, e.clk.Now().Add(delay)); merr != nil {
			e.log.Error("failed to persist retry", "event", ev.ID, "error", merr)
		}
		e.log.Debug("transient delivery failure, backing off",
			"event", ev.ID, "attempt", attempts, "retry_in", delay, "error", err)
		e.publishStatus(ctx)
		return false
	}
}

// release returns claimed but unsubmitted events to pending without
// counting an attempt.
func (e *Engine) release(ctx context.Context, events []*event.Event) {
	for _, ev := range events {
		if err := e.store.Release(ctx, ev.ID); err != nil {
			e.log.Error("failed to release claimed event", "event", ev.ID, "error", err)
		}
	}
}

func (e *Engine) reconLoop(ctx context.Context) {
	for {
		select {
		case <-e.closeCh:
			return
		case <-ctx.Done():
			return
		case inv, ok := <-e.recon.Invalidations():
			if !ok {
				return
			}
			e.handleInvalidation(ctx, inv)
		}
	}
}

// handleInvalidation supersedes the optimistic copy of a changed
// entity. Server state wins: when a refetch reveals the subject itself
// was deleted upstream, its still-queued mutations are failed and
// their optimistic effects reverted.
func (e *Engine) handleInvalidation(ctx context.Context, inv recon.Invalidation) {
	e.log.Debug("invalidation received", "entity_kind", inv.EntityKind, "entity_id", inv.EntityID)
	e.bridge.Invalidate(inv.EntityKind, inv.EntityID)

	if e.refetch == nil {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	found, err := e.refetch(rctx, inv.EntityKind, inv.EntityID)
	cancel()
	if err != nil {
		e.log.Error("refetch failed", "entity_kind", inv.EntityKind, "entity_id", inv.EntityID, "error", err)
		return
	}

	if !found && inv.EntityKind == bridge.EntitySession {
		e.failSubject(ctx, inv.EntityID)
	}
}

func (e *Engine) failSubject(ctx context.Context, subjectID string) {
	events, err := e.store.List(ctx, subjectID)
	if err != nil {
		e.log.Error("failed to list events for deleted subject", "subject", subjectID, "error", err)
		return
	}

	for _, ev := range events {
		if ev.Terminal() {
			continue
		}
		if err := e.store.MarkFailed(ctx, ev.ID, "subject deleted upstream"); err != nil {
			e.log.Error("failed to fail orphaned event", "event", ev.ID, "error", err)
			continue
		}
		if err := e.bridge.Revert(ev); err != nil {
			e.log.Error("failed to revert orphaned event", "event", ev.ID, "error", err)
		}
		e.log.Warn("event failed, subject deleted upstream", "event", ev.ID, "subject", subjectID)
	}

	e.publishStatus(ctx)
}

func (e *Engine) setSyncing(v bool) {
	e.mu.Lock()
	e.syncing = v
	e.mu.Unlock()
}

func (e *Engine) computeStatus(ctx context.Context) SyncStatus {
	pending, failed, err := e.store.Counts(ctx)
	if err != nil {
		e.log.Error("queue unavailable while computing status", "error", err)
		// Keep the last known counts rather than pretending the
		// queue is empty.
		last := e.hub.current()
		pending, failed = last.PendingCount, last.FailedCount
	}

	e.mu.Lock()
	syncing := e.syncing
	e.mu.Unlock()

	return SyncStatus{
		IsOnline:     e.monitor.Online(),
		PendingCount: pending,
		FailedCount:  failed,
		IsSyncing:    syncing,
	}
}

func (e *Engine) publishStatus(ctx context.Context) {
	e.hub.publish(e.computeStatus(ctx))
}

// groupBySubject splits a claimed batch into per-subject sequences,
// preserving the batch's ascending identifier order within each.
func groupBySubject(batch []*event.Event) map[string][]*event.Event {
	subjects := make(map[string][]*event.Event)
	for _, ev := range batch {
		subjects[ev.SubjectID] = append(subjects[ev.SubjectID], ev)
	}
	return subjects
}

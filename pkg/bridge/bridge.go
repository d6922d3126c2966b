// Package bridge applies a mutation's effect to the local read-model
// the moment it is enqueued, and undoes that effect if the mutation is
// ultimately rejected as invalid.
//
// The projection it maintains is derived state. Once an event reaches
// a terminal status, or reconciliation refreshes an entity, the cached
// copy is superseded by the authoritative one.
package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/partolog/outbox.go/pkg/event"
	"github.com/partolog/outbox.go/pkg/eventid"
	"github.com/partolog/outbox.go/pkg/logger"
)

// Entity kinds used in reconciliation messages and server id maps.
const (
	EntityContraction = "contraction"
	EntitySession     = "session"
	EntityUpdate      = "update"
)

// ErrNoUndo is returned by Revert when no optimistic effect is
// recorded for the event, which indicates the effect was already
// reverted or discarded.
var ErrNoUndo = errors.New("no optimistic effect recorded for event")

// Bridge projects mutations into a Cache and keeps an undo log so a
// permanently rejected mutation can be rolled back.
type Bridge struct {
	cache Cache
	log   logger.Logger

	mu   sync.Mutex
	undo map[eventid.ID]func()
}

// New returns a Bridge over cache.
func New(cache Cache, log logger.Logger) *Bridge {
	if log == nil {
		log = logger.Nop()
	}
	return &Bridge{
		cache: cache,
		log:   log,
		undo:  make(map[eventid.ID]func()),
	}
}

// Apply writes the event's optimistic effect into the cache. It runs
// synchronously at enqueue time, before the event reaches the network,
// and records the inverse operation for a later Revert.
func (b *Bridge) Apply(ev *event.Event) error {
	undo, err := b.project(ev)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.undo[ev.ID] = undo
	b.mu.Unlock()

	b.log.Debug("applied optimistic effect", "event", ev.ID, "kind", ev.Kind)
	return nil
}

// Revert undoes the optimistic effect of a permanently rejected event.
// It must be called at most once per event, and never for an event
// that reached Synced or is merely retrying.
func (b *Bridge) Revert(ev *event.Event) error {
	b.mu.Lock()
	undo, ok := b.undo[ev.ID]
	delete(b.undo, ev.ID)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoUndo, ev.ID)
	}

	undo()
	b.log.Info("reverted optimistic effect", "event", ev.ID, "kind", ev.Kind)
	return nil
}

// Discard drops the undo record of a confirmed event. The optimistic
// effect stays in the cache until reconciliation replaces it.
func (b *Bridge) Discard(ev *event.Event) {
	b.mu.Lock()
	delete(b.undo, ev.ID)
	b.mu.Unlock()
}

// Reconcile swaps a placeholder record's identifier for the
// server-assigned one after a successful submission, keyed by entity
// kind. Used when no independent refresh is imminent.
func (b *Bridge) Reconcile(ev *event.Event, serverIDs map[string]string) error {
	b.Discard(ev)

	if len(serverIDs) == 0 {
		return nil
	}

	switch ev.Kind {
	case event.KindStartContraction:
		var p event.ContractionPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		serverID, ok := serverIDs[EntityContraction]
		if !ok || serverID == p.ContractionID {
			return nil
		}
		if c, found := b.cache.Contraction(p.ContractionID); found {
			b.cache.DeleteContraction(p.ContractionID)
			c.ID = serverID
			c.Placeholder = false
			b.cache.PutContraction(c)
		}

	case event.KindPlanSession:
		serverID, ok := serverIDs[EntitySession]
		if !ok || serverID == ev.SubjectID {
			return nil
		}
		if s, found := b.cache.Session(ev.SubjectID); found {
			b.cache.DeleteSession(ev.SubjectID)
			s.ID = serverID
			s.Placeholder = false
			b.cache.PutSession(s)
		}

	case event.KindPostUpdate:
		var p event.UpdatePayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		serverID, ok := serverIDs[EntityUpdate]
		if !ok || serverID == p.UpdateID {
			return nil
		}
		if u, found := b.cache.Update(p.UpdateID); found {
			b.cache.DeleteUpdate(p.UpdateID)
			u.ID = serverID
			u.Placeholder = false
			b.cache.PutUpdate(u)
		}
	}

	return nil
}

// Invalidate drops the cached copy of an entity reported changed by
// the server, forcing the next read through the authoritative path.
func (b *Bridge) Invalidate(entityKind, entityID string) {
	switch entityKind {
	case EntityContraction:
		b.cache.DeleteContraction(entityID)
	case EntitySession:
		b.cache.DeleteSession(entityID)
	case EntityUpdate:
		b.cache.DeleteUpdate(entityID)
	default:
		b.log.Warn("invalidation for unknown entity kind", "kind", entityKind, "id", entityID)
	}
}

// project computes the cache write for ev and returns its inverse.
func (b *Bridge) project(ev *event.Event) (func(), error) {
	switch ev.Kind {
	case event.KindStartContraction:
		var p event.ContractionPayload
		if err := ev.DecodePayload(&p); err != nil {
			return nil, err
		}
		b.cache.PutContraction(Contraction{
			ID:          p.ContractionID,
			SubjectID:   ev.SubjectID,
			StartedAt:   p.StartedAt,
			Intensity:   p.Intensity,
			Note:        p.Note,
			Placeholder: true,
		})
		return func() { b.cache.DeleteContraction(p.ContractionID) }, nil

	case event.KindEndContraction, event.KindUpdateContraction:
		var p event.ContractionPayload
		if err := ev.DecodePayload(&p); err != nil {
			return nil, err
		}
		prev, found := b.cache.Contraction(p.ContractionID)
		if !found {
			return nil, fmt.Errorf("contraction %s not in cache", p.ContractionID)
		}

		next := prev
		if ev.Kind == event.KindEndContraction {
			next.EndedAt = p.EndedAt
		}
		if p.Intensity != 0 {
			next.Intensity = p.Intensity
		}
		if p.Note != "" {
			next.Note = p.Note
		}
		b.cache.PutContraction(next)
		return func() { b.cache.PutContraction(prev) }, nil

	case event.KindDeleteContraction:
		var p event.ContractionPayload
		if err := ev.DecodePayload(&p); err != nil {
			return nil, err
		}
		prev, found := b.cache.Contraction(p.ContractionID)
		if !found {
			return nil, fmt.Errorf("contraction %s not in cache", p.ContractionID)
		}
		next := prev
		next.Deleted = true
		b.cache.PutContraction(next)
		return func() { b.cache.PutContraction(prev) }, nil

	case event.KindPlanSession:
		var p event.SessionPayload
		if err := ev.DecodePayload(&p); err != nil {
			return nil, err
		}
		b.cache.PutSession(Session{
			ID:          ev.SubjectID,
			PlannedFor:  p.PlannedFor,
			Placeholder: true,
		})
		return func() { b.cache.DeleteSession(ev.SubjectID) }, nil

	case event.KindCompleteSession:
		var p event.SessionPayload
		if err := ev.DecodePayload(&p); err != nil {
			return nil, err
		}
		prev, found := b.cache.Session(ev.SubjectID)
		if !found {
			return nil, fmt.Errorf("session %s not in cache", ev.SubjectID)
		}
		next := prev
		next.CompletedAt = p.CompletedAt
		b.cache.PutSession(next)
		return func() { b.cache.PutSession(prev) }, nil

	case event.KindPostUpdate:
		var p event.UpdatePayload
		if err := ev.DecodePayload(&p); err != nil {
			return nil, err
		}
		b.cache.PutUpdate(StatusUpdate{
			ID:          p.UpdateID,
			SubjectID:   ev.SubjectID,
			Text:        p.Text,
			PostedAt:    p.PostedAt,
			Placeholder: true,
		})
		return func() { b.cache.DeleteUpdate(p.UpdateID) }, nil

	default:
		return nil, fmt.Errorf("%w: %q", event.ErrUnknownKind, ev.Kind)
	}
}

// Package event defines the mutation event: the durable record of a
// single user-intended change, uniquely and chronologically identified.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/partolog/outbox.go/pkg/eventid"
)

// Kind identifies what a mutation does. The set is closed: the sync
// engine refuses to enqueue unknown kinds.
type Kind string

const (
	KindStartContraction  Kind = "start_contraction"
	KindEndContraction    Kind = "end_contraction"
	KindUpdateContraction Kind = "update_contraction"
	KindDeleteContraction Kind = "delete_contraction"
	KindPlanSession       Kind = "plan_session"
	KindCompleteSession   Kind = "complete_session"
	KindPostUpdate        Kind = "post_update"
)

// Valid reports whether k is a known mutation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStartContraction, KindEndContraction, KindUpdateContraction,
		KindDeleteContraction, KindPlanSession, KindCompleteSession,
		KindPostUpdate:
		return true
	}
	return false
}

// Status is the delivery state of an event.
//
// Lifecycle: Pending (persisted, optimistic effect applied) -> InFlight
// (claimed by a drain pass) -> Synced (confirmed, removed) or back to
// Pending on a transient failure, or Failed on a permanent rejection.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
)

// ErrUnknownKind is returned when constructing an event with a kind
// outside the closed set.
var ErrUnknownKind = errors.New("unknown mutation kind")

// Event is one user-intended change.
//
// The identifier is assigned at creation and is the primary ordering
// key; events for the same subject are delivered in ID order relative
// to each other. The identifier also serves as the idempotency key for
// remote submission, so a retried event is never double-applied.
type Event struct {
	ID        eventid.ID
	Kind      Kind
	SubjectID string

	// Payload is the kind-specific data, CBOR-encoded.
	Payload cbor.RawMessage

	Status   Status
	Attempts int

	// FailReason is set when the event transitions to Failed.
	FailReason string

	// CreatedAt is the local wall-clock creation time, kept for
	// display. Ordering uses the timestamp embedded in ID instead.
	CreatedAt time.Time

	// NextAttemptAt gates retry eligibility after a transient
	// failure. Zero means eligible immediately.
	NextAttemptAt time.Time
}

// New builds a Pending event for subject with a freshly assigned
// identifier. payload is any CBOR-encodable kind-specific value.
func New(kind Kind, subjectID string, payload any) (*Event, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if subjectID == "" {
		return nil, errors.New("subject id must not be empty")
	}

	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", kind, err)
	}

	return &Event{
		ID:        eventid.New(),
		Kind:      kind,
		SubjectID: subjectID,
		Payload:   raw,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}, nil
}

// MarshalPayload CBOR-encodes a kind-specific payload value.
func MarshalPayload(payload any) (cbor.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return cbor.Marshal(payload)
}

// DecodePayload decodes the event's payload into v.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("event has no payload")
	}
	if err := cbor.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Clone returns a deep copy. Store and engine hand out copies so no
// two components share a mutable event record.
func (e *Event) Clone() *Event {
	clone := *e
	if e.Payload != nil {
		clone.Payload = append(cbor.RawMessage(nil), e.Payload...)
	}
	return &clone
}

// Terminal reports whether the event has reached a final state.
func (e *Event) Terminal() bool {
	return e.Status == StatusSynced || e.Status == StatusFailed
}

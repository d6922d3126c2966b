package outbox

import (
	"context"

	"github.com/partolog/outbox.go/pkg/event"
)

// Ack is the remote authority's acknowledgment of one mutation.
type Ack struct {
	// ServerIDs maps entity kinds (bridge.EntityContraction and
	// friends) to the identifiers the server assigned, so the
	// bridge can reconcile optimistic placeholders.
	ServerIDs map[string]string
}

// Submitter delivers one mutation event to the remote authority.
//
// The event's ID is the idempotency key: the same event must always be
// submitted with the same ID, and the server treats it as a
// deduplication key. Implementations return a PermanentError for
// domain-invariant rejections; every other failure is retried.
type Submitter interface {
	Submit(ctx context.Context, ev *event.Event) (Ack, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, ev *event.Event) (Ack, error)

func (f SubmitterFunc) Submit(ctx context.Context, ev *event.Event) (Ack, error) {
	return f(ctx, ev)
}

// RefetchFunc fetches the authoritative copy of an entity after an
// invalidation. found reports whether the entity still exists
// upstream; a deleted subject fails its pending mutations.
type RefetchFunc func(ctx context.Context, entityKind, entityID string) (found bool, err error)

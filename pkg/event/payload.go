package event

import "time"

// Payload shapes for each mutation kind. Local identifiers
// (ContractionID, UpdateID) are client-assigned placeholders until the
// server acknowledges the mutation with its own identifiers.

// ContractionPayload carries contraction mutations: start, end, update
// and delete all share this shape, using the fields relevant to them.
type ContractionPayload struct {
	ContractionID string     `cbor:"contraction_id"`
	StartedAt     time.Time  `cbor:"started_at,omitempty"`
	EndedAt       *time.Time `cbor:"ended_at,omitempty"`
	Intensity     int        `cbor:"intensity,omitempty"`
	Note          string     `cbor:"note,omitempty"`
}

// SessionPayload carries plan-session and complete-session mutations.
// The session is the subject: SessionID matches the event's SubjectID.
type SessionPayload struct {
	SessionID   string     `cbor:"session_id"`
	PlannedFor  time.Time  `cbor:"planned_for,omitempty"`
	CompletedAt *time.Time `cbor:"completed_at,omitempty"`
}

// UpdatePayload carries a posted free-text status update.
type UpdatePayload struct {
	UpdateID string    `cbor:"update_id"`
	Text     string    `cbor:"text"`
	PostedAt time.Time `cbor:"posted_at"`
}

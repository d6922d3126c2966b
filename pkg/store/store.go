// Package store is the durable local queue of pending mutation events.
//
// The queue survives process restarts: events are persisted to SQLite
// the instant they are enqueued, and an interrupted drain pass is
// recovered on the next open by reverting claimed rows to pending.
// Enumeration order is always ascending by event identifier, so events
// for the same subject are never reordered relative to each other.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/partolog/outbox.go/pkg/event"
	"github.com/partolog/outbox.go/pkg/eventid"
	"github.com/partolog/outbox.go/pkg/logger"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrDuplicateID is returned when appending an event whose
	// identifier already exists. Given the generator's entropy this
	// indicates a programming defect, but it is always checked.
	ErrDuplicateID = errors.New("duplicate event id")

	// ErrUnknownEvent is returned by mark operations for an
	// identifier that is not in the queue.
	ErrUnknownEvent = errors.New("unknown event id")

	// ErrNotPending is returned by Remove when the event has already
	// been claimed or reached a terminal state. Such events can only
	// be resolved through a compensating mutation or explicit user
	// action on a failure.
	ErrNotPending = errors.New("event is no longer pending")

	// ErrStorage wraps failures of the persistence layer itself. The
	// queue never reports itself empty when the store is unavailable.
	ErrStorage = errors.New("event store unavailable")
)

// Store is the durable event queue. All operations are atomic with
// respect to each other: SQLite is opened with a single writer
// connection and claim runs in a transaction.
type Store struct {
	db  *sql.DB
	log logger.Logger
}

// Open creates or opens the queue database at path.
//
// The database is configured with WAL mode, NORMAL synchronous mode, a
// 5-second busy timeout and foreign key enforcement, and the schema is
// applied idempotently. Any rows left in_flight by a crashed drain pass
// are reverted to pending before Open returns, so no event is silently
// lost between claim and completion.
func Open(path string, log logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect %s: %v", ErrStorage, path, err)
	}

	// SQLite supports one writer at a time; a single connection
	// avoids SQLITE_BUSY under concurrent marks.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", ErrStorage, err)
	}

	s := &Store{db: db, log: log}

	if err := s.recover(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStorage, pragma, err)
		}
	}

	return nil
}

// recover reverts rows claimed by a previous process back to pending.
func (s *Store) recover() error {
	res, err := s.db.Exec(
		`UPDATE outbox_events SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return fmt.Errorf("%w: recover in-flight events: %v", ErrStorage, err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("recovered interrupted drain", "events", n)
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append persists a new pending event. It fails with ErrDuplicateID if
// the identifier already exists.
func (s *Store) Append(ctx context.Context, ev *event.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox_events
		   (id, kind, subject_id, payload, status, attempts, fail_reason, created_at, next_attempt_at)
		 VALUES (?, ?, ?, ?, 'pending', 0, '', ?, 0)`,
		string(ev.ID), string(ev.Kind), ev.SubjectID, []byte(ev.Payload),
		ev.CreatedAt.UnixMilli())
	if err != nil {
		if isDuplicate(err) {
			s.log.Error("append collision", "id", ev.ID)
			return fmt.Errorf("%w: %s", ErrDuplicateID, ev.ID)
		}
		return fmt.Errorf("%w: append %s: %v", ErrStorage, ev.ID, err)
	}
	return nil
}

// isDuplicate reports whether err is a uniqueness violation on the
// identifier. Other constraint failures (CHECK, NOT NULL) stay
// ErrStorage so they are not mistaken for id collisions.
func isDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// ClaimNextBatch returns all pending events eligible at now in
// ascending identifier order, atomically transitioning them to
// in_flight. subjectID scopes the claim to one subject; empty claims
// across all subjects.
//
// Per-subject causal order is preserved: when a subject's earliest
// outstanding event is ineligible (backing off until NextAttemptAt, or
// already claimed), none of that subject's later events are claimed.
func (s *Store) ClaimNextBatch(ctx context.Context, now time.Time, subjectID string) ([]*event.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin claim: %v", ErrStorage, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := `SELECT id, kind, subject_id, payload, status, attempts, fail_reason, created_at, next_attempt_at
	            FROM outbox_events
	           WHERE status IN ('pending', 'in_flight')`
	args := []any{}
	if subjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY id ASC`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query pending: %v", ErrStorage, err)
	}

	var claimed []*event.Event
	blocked := map[string]bool{}

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}

		if blocked[ev.SubjectID] {
			continue
		}

		// An in_flight row means another claim already owns the
		// subject's head.
		if ev.Status == event.StatusInFlight {
			blocked[ev.SubjectID] = true
			continue
		}

		if ev.NextAttemptAt.After(now) {
			blocked[ev.SubjectID] = true
			continue
		}

		claimed = append(claimed, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan pending: %v", ErrStorage, err)
	}

	if len(claimed) == 0 {
		return nil, nil
	}

	ids := make([]any, len(claimed))
	marks := make([]string, len(claimed))
	for i, ev := range claimed {
		ids[i] = string(ev.ID)
		marks[i] = "?"
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'in_flight' WHERE id IN (`+strings.Join(marks, ", ")+`)`,
		ids...)
	if err != nil {
		return nil, fmt.Errorf("%w: claim events: %v", ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit claim: %v", ErrStorage, err)
	}

	for _, ev := range claimed {
		ev.Status = event.StatusInFlight
	}

	return claimed, nil
}

// MarkSynced removes a confirmed event permanently.
func (s *Store) MarkSynced(ctx context.Context, id eventid.ID) error {
	return s.exec(ctx, id, `DELETE FROM outbox_events WHERE id = ?`, string(id))
}

// MarkFailed transitions an event to failed, persisting the reason.
// The event is retained and never retried automatically.
func (s *Store) MarkFailed(ctx context.Context, id eventid.ID, reason string) error {
	return s.exec(ctx, id,
		`UPDATE outbox_events SET status = 'failed', fail_reason = ? WHERE id = ?`,
		reason, string(id))
}

// MarkRetry transitions an in_flight event back to pending after a
// transient failure, incrementing its attempt counter. The event is
// not eligible for claiming again before nextAttemptAt.
func (s *Store) MarkRetry(ctx context.Context, id eventid.ID, nextAttemptAt time.Time) error {
	return s.exec(ctx, id,
		`UPDATE outbox_events
		    SET status = 'pending', attempts = attempts + 1, next_attempt_at = ?
		  WHERE id = ? AND status = 'in_flight'`,
		nextAttemptAt.UnixMilli(), string(id))
}

// Release returns a claimed event to pending without counting an
// attempt. Used when a drain pass stops early, for example on a lost
// connection, before the event was actually submitted.
func (s *Store) Release(ctx context.Context, id eventid.ID) error {
	return s.exec(ctx, id,
		`UPDATE outbox_events SET status = 'pending' WHERE id = ? AND status = 'in_flight'`,
		string(id))
}

// Remove deletes a still-pending, unclaimed event and returns it.
// Once an event has left the pending state it can only be resolved by
// the sync lifecycle, never removed silently.
func (s *Store) Remove(ctx context.Context, id eventid.ID) (*event.Event, error) {
	ev, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Status != event.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, ev.Status)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_events WHERE id = ? AND status = 'pending'`, string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: remove %s: %v", ErrStorage, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, id)
	}

	return ev, nil
}

// Get returns a copy of a single event.
func (s *Store) Get(ctx context.Context, id eventid.ID) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, subject_id, payload, status, attempts, fail_reason, created_at, next_attempt_at
		   FROM outbox_events WHERE id = ?`, string(id))

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, id)
	}
	return ev, err
}

// List enumerates events in ascending identifier order, optionally
// scoped to one subject. The returned events are copies.
func (s *Store) List(ctx context.Context, subjectID string) ([]*event.Event, error) {
	query := `SELECT id, kind, subject_id, payload, status, attempts, fail_reason, created_at, next_attempt_at
	            FROM outbox_events`
	args := []any{}
	if subjectID != "" {
		query += ` WHERE subject_id = ?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStorage, err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStorage, err)
	}

	return events, nil
}

// Counts returns the number of undelivered (pending or in_flight) and
// failed events, for the status surface.
func (s *Store) Counts(ctx context.Context) (pending, failed int, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status IN ('pending', 'in_flight')),
		   COUNT(*) FILTER (WHERE status = 'failed')
		 FROM outbox_events`)
	if err := row.Scan(&pending, &failed); err != nil {
		return 0, 0, fmt.Errorf("%w: counts: %v", ErrStorage, err)
	}
	return pending, failed, nil
}

func (s *Store) exec(ctx context.Context, id eventid.ID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: mark %s: %v", ErrStorage, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*event.Event, error) {
	var (
		ev            event.Event
		id            string
		kind          string
		status        string
		payload       []byte
		createdAt     int64
		nextAttemptAt int64
	)

	err := row.Scan(&id, &kind, &ev.SubjectID, &payload, &status,
		&ev.Attempts, &ev.FailReason, &createdAt, &nextAttemptAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan event: %v", ErrStorage, err)
	}

	ev.ID = eventid.ID(id)
	ev.Kind = event.Kind(kind)
	ev.Status = event.Status(status)
	ev.Payload = payload
	ev.CreatedAt = time.UnixMilli(createdAt)
	if nextAttemptAt > 0 {
		ev.NextAttemptAt = time.UnixMilli(nextAttemptAt)
	}

	return &ev, nil
}

// Package eventid generates and validates the identifiers assigned to
// every mutation event.
//
// An identifier is a ULID: 48 bits of millisecond Unix timestamp followed
// by 80 bits of random entropy, rendered as a fixed 26-character string
// over the Crockford base-32 alphabet. Identifiers created at different
// millisecond timestamps compare in timestamp order as plain strings,
// which makes the identifier the queue's ordering key.
package eventid

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/partolog/outbox.go/internal/rand"
)

// ID is a 26-character, lexicographically sortable event identifier.
type ID string

// Alphabet is the Crockford base-32 alphabet used by identifiers.
// I, L, O and U are excluded.
const Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// EncodedLen is the rendered length of an ID.
const EncodedLen = 26

// ErrInvalidID is returned when a string is not a well-formed identifier.
var ErrInvalidID = errors.New("invalid event id")

// entropy is monotonic within a millisecond, so identifiers minted by
// this process sort in generation order even under bursts. Across
// processes only the timestamp ordering invariant holds.
var entropy = &ulid.LockedMonotonicReader{
	MonotonicReader: ulid.Monotonic(rand.Reader{}, 0),
}

// New returns a fresh ID for the current wall-clock time.
//
// It never blocks: entropy comes from the process-local pool in
// internal/rand rather than the operating system.
func New() ID {
	return NewAt(time.Now())
}

// NewAt returns a fresh ID whose embedded timestamp is t.
func NewAt(t time.Time) ID {
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return ID(id.String())
}

// NewBatch returns n distinct IDs sorted ascending as strings.
// For n <= 0 the returned slice is empty.
//
// The monotonic entropy source already yields IDs in generation order,
// but the batch is sorted anyway to keep the ascending guarantee
// independent of how the IDs were produced.
func NewBatch(n int) []ID {
	if n <= 0 {
		return []ID{}
	}

	ids := make([]ID, n)
	for i := range ids {
		ids[i] = New()
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// IsValid reports whether s is exactly 26 characters drawn from the
// base-32 alphabet. The check is case-insensitive.
func IsValid(s string) bool {
	if len(s) != EncodedLen {
		return false
	}
	for _, c := range strings.ToUpper(s) {
		if !strings.ContainsRune(Alphabet, c) {
			return false
		}
	}
	return true
}

// Compare returns -1, 0 or 1 ordering a relative to b.
// Comparison is case-insensitive lexicographic, which for valid IDs
// equals timestamp order across distinct milliseconds.
func Compare(a, b ID) int {
	return strings.Compare(normalize(a), normalize(b))
}

// Timestamp decodes the leading 48 bits of id into the embedded
// millisecond wall-clock time. It fails with ErrInvalidID if id does
// not pass IsValid, or if the timestamp field overflows 48 bits: an id
// whose first character is above '7' is drawn from the right alphabet
// but can never have been generated.
func Timestamp(id ID) (time.Time, error) {
	if !IsValid(string(id)) {
		return time.Time{}, ErrInvalidID
	}

	parsed, err := ulid.ParseStrict(normalize(id))
	if err != nil {
		return time.Time{}, ErrInvalidID
	}

	return time.UnixMilli(int64(parsed.Time())), nil
}

func normalize(id ID) string {
	return strings.ToUpper(string(id))
}

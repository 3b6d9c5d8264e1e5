package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID returns a time-sortable ULID encoded as a 26-character string.
// Envelope ids are ULIDs so brokers that key by id keep publish order.
func NewEventID() string {
	return NewEventIDAt(time.Now())
}

// NewEventIDAt returns a ULID for the given instant.
func NewEventIDAt(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(at), entropy)
	return id.String()
}

// NewCorrelationID returns a random UUIDv4 for request/reply matching.
func NewCorrelationID() string {
	return uuid.NewString()
}

// EventTime extracts the timestamp encoded in an event id.
func EventTime(id string) (time.Time, bool) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

// Package ulid wraps oklog/ulid/v2 for the one thing the worker needs:
// a sortable, collision-resistant fallback consumer name when the host
// identity (os.Hostname) is unavailable.
package ulid

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULID is a generated identifier.
type ULID struct {
	ulid.ULID
}

// New generates a new ULID seeded from the current timestamp.
func New() ULID {
	return ULID{ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)}
}

// String returns the canonical string representation.
func (u ULID) String() string {
	return u.ULID.String()
}

// Package ids issues ULIDs: 26-character, lexicographically sortable by time.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns an identifier stamped with the current time.
func New() string { return NewAt(time.Now()) }

// NewAt returns an identifier stamped with t, so records created for past
// events still sort by when they happened. Ids issued within the same
// millisecond increase monotonically.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Time reports the timestamp embedded in id.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}

package idgen

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

// New returns a lexicographically sortable, time-ordered id. Sortability
// is a convenience for humans and indexes, not a correctness requirement.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		// Only possible when the entropy source fails, which crypto/rand
		// treats as unrecoverable as well.
		panic(err)
	}
	return id.String()
}

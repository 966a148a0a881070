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

func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewThreadID returns a fresh conversation identifier. Thread ids are opaque
// to listeners; ULIDs keep them time-sortable in the audit archive.
func NewThreadID() string {
	return newULID()
}

// NewMessageID returns a unique identifier for one in-flight message.
func NewMessageID() string {
	return newULID()
}

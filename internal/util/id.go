package util

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a random hex id for object keys and tool call ids.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewSortableID returns a ULID stamped with now. Ids minted in the same
// millisecond by this process still sort in creation order.
func NewSortableID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		// Monotonic entropy overflowed within one millisecond.
		id = ulid.MustNew(ulid.Timestamp(now), rand.Reader)
	}
	return id.String()
}

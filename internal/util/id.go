package util

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu   sync.Mutex
	idMono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	idMono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// NewID returns a ULID stamped with at. IDs generated within the same
// millisecond remain lexicographically increasing.
func NewID(at time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(at.UTC()), idMono)
	if err != nil {
		// Only possible when at moves backwards within one millisecond and
		// entropy overflows; fall back to fresh entropy.
		return ulid.MustNew(ulid.Timestamp(at.UTC()), cryptoRand.Reader).String()
	}
	return id.String()
}

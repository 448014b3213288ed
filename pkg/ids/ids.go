package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entity prefixes. IDs are ULIDs, so sorting by ID sorts by creation time.
const (
	PodPrefix      = "pod_"
	ServerPrefix   = "server_"
	SnapshotPrefix = "snap_"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a prefixed monotonic ID, e.g. "pod_01J9ZQ3X...".
func New(prefix string) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return prefix + strings.ToLower(id.String())
}

func NewPodID() string      { return New(PodPrefix) }
func NewServerID() string   { return New(ServerPrefix) }
func NewSnapshotID() string { return New(SnapshotPrefix) }

// HasPrefix reports whether id carries the given entity prefix and a
// plausible ULID payload.
func HasPrefix(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	raw := strings.TrimPrefix(id, prefix)
	_, err := ulid.ParseStrict(strings.ToUpper(raw))
	return err == nil
}

// Package identity maps opaque host-issued application handles to
// stable limit identifiers. A handle is only safely comparable to
// another handle obtained live in the same process; its hash is salted
// per process run and is never usable as a persistent primary key.
package identity

import (
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"strconv"
)

// processSalt makes Handle.Hash deliberately unstable across process
// launches. Code that persists a hash must treat it as an opaque
// episode key for the current day, never as a durable identity.
var processSalt = func() []byte {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to generate identity salt: %v", err))
	}
	return buf
}()

// Handle is an opaque application identity token issued by the host.
type Handle struct {
	token string
}

// HandleFromToken wraps a raw host token. The token is treated as a
// capability value; timegate never interprets its contents.
func HandleFromToken(token string) Handle {
	return Handle{token: token}
}

// IsZero reports whether the handle is empty.
func (h Handle) IsZero() bool {
	return h.token == ""
}

// Equal reports whether two handles identify the same application.
// Only meaningful when both handles were obtained in this process.
func (h Handle) Equal(other Handle) bool {
	return h.token == other.token
}

// Hash returns the per-process hash of the handle, used to key
// ephemeral unlock episodes. The value differs between process runs.
func (h Handle) Hash() string {
	hasher := fnv.New64a()
	_, _ = hasher.Write(processSalt)
	_, _ = hasher.Write([]byte(h.token))
	return strconv.FormatUint(hasher.Sum64(), 16)
}

package session

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// generateKey creates an opaque, sortable session key. The "env_" prefix
// distinguishes session keys from pairing and training keys on the wire.
func generateKey() string {
	return "env_" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Package lock provides a keyed mutex with a TTL. A holder that crashes
// without releasing loses the key once the TTL lapses.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ErrLocked is returned by TryLock when the key is held by someone else.
var ErrLocked = errors.New("lock: key is held")

// Locker acquires keyed leases without blocking.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held key. Release is safe to call more than once and never
// releases a key that has since been acquired by another holder.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// SyncKey is the in-flight pass key for (uid, provider).
func SyncKey(uid, provider string) string {
	return "sync:" + uid + ":" + provider
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

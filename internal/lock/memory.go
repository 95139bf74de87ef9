package lock

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryLocker keeps leases in a process-local go-cache.
type MemoryLocker struct {
	mu sync.Mutex
	c  *gocache.Cache
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{c: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (m *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token := newToken()

	m.mu.Lock()
	defer m.mu.Unlock()
	// Add fails while an unexpired entry exists.
	if err := m.c.Add(key, token, ttl); err != nil {
		return nil, ErrLocked
	}
	return &memoryLease{owner: m, key: key, token: token}, nil
}

func (m *MemoryLocker) release(key, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.c.Get(key); ok && v.(string) == token {
		m.c.Delete(key)
	}
}

type memoryLease struct {
	owner *MemoryLocker
	key   string
	token string
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Release(ctx context.Context) error {
	l.owner.release(l.key, l.token)
	return nil
}

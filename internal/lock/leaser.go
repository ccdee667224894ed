package redlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is an exclusive, expiring hold on a key.
type Lease interface {
	Key() string
	Unlock(ctx context.Context) error
	Extend(ctx context.Context, extension time.Duration) error
}

// Leaser hands out leases. A wait of zero tries exactly once.
type Leaser interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error)
}

// RedisLeaser issues leases shared by every process pointed at the same Redis.
type RedisLeaser struct {
	client redis.UniversalClient
	holder string
}

func NewRedisLeaser(client redis.UniversalClient, holder string) *RedisLeaser {
	return &RedisLeaser{client: client, holder: holder}
}

func (r *RedisLeaser) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error) {
	locker := NewLocker(r.client, "lease:"+key, fmt.Sprintf("%s:%s", r.holder, uuid.NewString()))
	var err error
	if wait > 0 {
		err = locker.WaitLock(ctx, ttl, wait)
	} else {
		err = locker.Lock(ctx, ttl)
	}
	if err != nil {
		return nil, err
	}
	return locker, nil
}

// MemoryLeaser keeps leases in process memory. It backs single node
// deployments and tests.
type MemoryLeaser struct {
	mu     sync.Mutex
	leases map[string]memoryEntry
	now    func() time.Time
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{leases: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryLeaser) tryAcquire(key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if current, ok := m.leases[key]; ok && now.Before(current.expiresAt) {
		return &HeldError{Key: key}
	}
	m.leases[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryLeaser) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error) {
	token := uuid.NewString()
	if wait <= 0 {
		if err := m.tryAcquire(key, token, ttl); err != nil {
			return nil, err
		}
		return &memoryLease{owner: m, key: key, token: token}, nil
	}

	if err := retryAcquire(ctx, key, wait, func() error { return m.tryAcquire(key, token, ttl) }); err != nil {
		return nil, err
	}
	return &memoryLease{owner: m, key: key, token: token}, nil
}

type memoryLease struct {
	owner *MemoryLeaser
	key   string
	token string
}

func (l *memoryLease) Key() string {
	return l.key
}

func (l *memoryLease) Unlock(_ context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	current, ok := l.owner.leases[l.key]
	if !ok || current.token != l.token {
		return fmt.Errorf("%s: %w", l.key, ErrNotHolder)
	}
	delete(l.owner.leases, l.key)
	return nil
}

func (l *memoryLease) Extend(_ context.Context, extension time.Duration) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	current, ok := l.owner.leases[l.key]
	if !ok || current.token != l.token || !l.owner.now().Before(current.expiresAt) {
		return fmt.Errorf("%s: %w", l.key, ErrNotHolder)
	}
	current.expiresAt = l.owner.now().Add(extension)
	l.owner.leases[l.key] = current
	return nil
}

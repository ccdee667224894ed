package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carenote/carenote/model"
)

type memoryEntry struct {
	holder       string
	leaseExpires time.Time
	result       *model.StageResult
	evictAt      time.Time
	done         chan struct{}
}

// MemoryStore keeps leases and results in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:    opts.withDefaults(),
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// entry returns the live entry for fingerprint, dropping it if evicted. Callers hold mu.
func (m *MemoryStore) entry(fingerprint string, now time.Time) *memoryEntry {
	e, ok := m.entries[fingerprint]
	if !ok {
		return nil
	}
	if e.result != nil && !now.Before(e.evictAt) {
		delete(m.entries, fingerprint)
		return nil
	}
	return e
}

func (m *MemoryStore) AcquireOrJoin(_ context.Context, fingerprint, holder string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	e := m.entry(fingerprint, now)
	if e != nil && e.result != nil {
		return resolved(fingerprint, e.result), nil
	}

	if e != nil && now.Before(e.leaseExpires) {
		if e.holder == holder {
			return &Claim{Role: RoleLeader, Fingerprint: fingerprint, Holder: holder}, nil
		}
		return &Claim{
			Role:        RoleFollower,
			Fingerprint: fingerprint,
			Holder:      holder,
			wait:        m.waiter(e),
		}, nil
	}

	// No entry or an expired lease: take over and wake anyone waiting on the old leader.
	if e != nil {
		close(e.done)
	}
	m.entries[fingerprint] = &memoryEntry{
		holder:       holder,
		leaseExpires: now.Add(m.opts.LeaseTTL),
		done:         make(chan struct{}),
	}
	return &Claim{Role: RoleLeader, Fingerprint: fingerprint, Holder: holder}, nil
}

// waiter blocks until the leader publishes or gives the work up. The lease
// deadline is re-read every time it passes, so a leader that keeps extending
// keeps its followers waiting.
func (m *MemoryStore) waiter(e *memoryEntry) func(ctx context.Context) (*model.StageResult, error) {
	return func(ctx context.Context) (*model.StageResult, error) {
		for {
			m.mu.Lock()
			remaining := e.leaseExpires.Sub(m.now())
			m.mu.Unlock()
			if remaining <= 0 {
				return m.settled(e)
			}

			timer := time.NewTimer(remaining)
			select {
			case <-e.done:
				timer.Stop()
				return m.settled(e)
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}
}

// settled reports the outcome of an entry whose lease is over.
func (m *MemoryStore) settled(e *memoryEntry) (*model.StageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.result != nil {
		return e.result, nil
	}
	return nil, ErrAbandoned
}

func (m *MemoryStore) Lookup(_ context.Context, fingerprint string) (*model.StageResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(fingerprint, m.now())
	if e == nil || e.result == nil {
		return nil, false, nil
	}
	return e.result, true, nil
}

func (m *MemoryStore) Publish(_ context.Context, fingerprint, holder string, result *model.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	e := m.entry(fingerprint, now)
	if e == nil || e.holder != holder || e.result != nil {
		return ErrNotHolder
	}
	e.result = result
	e.evictAt = now.Add(m.opts.Retention)
	close(e.done)
	return nil
}

func (m *MemoryStore) Release(_ context.Context, fingerprint, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(fingerprint, m.now())
	if e == nil || e.holder != holder || e.result != nil {
		return ErrNotHolder
	}
	delete(m.entries, fingerprint)
	close(e.done)
	return nil
}

func (m *MemoryStore) Extend(_ context.Context, fingerprint, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	e := m.entry(fingerprint, now)
	if e == nil || e.holder != holder || e.result != nil || !now.Before(e.leaseExpires) {
		return ErrNotHolder
	}
	e.leaseExpires = now.Add(m.opts.LeaseTTL)
	return nil
}

// Sweep drops results past their retention window and returns how many went.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for fp, e := range m.entries {
		if e.result != nil && !now.Before(e.evictAt) {
			delete(m.entries, fp)
			n++
		}
	}
	return n
}

// Len returns how many fingerprints the store currently tracks.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// SweepInterval is a quarter of the retention window, kept between 100ms
// and ten minutes.
func (m *MemoryStore) SweepInterval() time.Duration {
	interval := m.opts.Retention / 4
	if interval < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	if interval > 10*time.Minute {
		return 10 * time.Minute
	}
	return interval
}

// Run sweeps on interval until ctx is done. A non-positive interval uses
// SweepInterval.
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.SweepInterval()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				logrus.WithField("evicted", n).Debug("dedup results past retention dropped")
			}
		}
	}
}

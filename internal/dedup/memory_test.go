package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carenote/carenote/model"
)

func result(fp string) *model.StageResult {
	return &model.StageResult{
		ConsultationID: "c1",
		Capability:     model.CapabilityTranscription,
		Status:         model.StageStatusSuccess,
		Fingerprint:    fp,
		Payload:        []byte(`{"text":"hello"}`),
	}
}

func TestMemoryStore_LeaderThenFollower(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{LeaseTTL: time.Minute})

	leader, err := store.AcquireOrJoin(ctx, "fp1", "worker-a")
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, leader.Role)

	follower, err := store.AcquireOrJoin(ctx, "fp1", "worker-b")
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, follower.Role)

	done := make(chan *model.StageResult, 1)
	go func() {
		r, err := follower.Wait(ctx)
		assert.NoError(t, err)
		done <- r
	}()

	require.NoError(t, store.Publish(ctx, "fp1", "worker-a", result("fp1")))

	select {
	case r := <-done:
		assert.Equal(t, "fp1", r.Fingerprint)
	case <-time.After(time.Second):
		t.Fatal("follower was not woken by publish")
	}

	// Later callers get the cached result without becoming leader.
	again, err := store.AcquireOrJoin(ctx, "fp1", "worker-c")
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, again.Role)
	r, err := again.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fp1", r.Fingerprint)
}

func TestMemoryStore_ReentrantLeader(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})

	_, err := store.AcquireOrJoin(ctx, "fp", "worker-a")
	require.NoError(t, err)
	claim, err := store.AcquireOrJoin(ctx, "fp", "worker-a")
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, claim.Role)

	_, err = claim.Wait(ctx)
	assert.Error(t, err)
}

func TestMemoryStore_ReleaseWakesFollowersWithAbandoned(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{LeaseTTL: time.Minute})

	_, err := store.AcquireOrJoin(ctx, "fp", "worker-a")
	require.NoError(t, err)
	follower, err := store.AcquireOrJoin(ctx, "fp", "worker-b")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := follower.Wait(ctx)
		errCh <- err
	}()

	require.NoError(t, store.Release(ctx, "fp", "worker-a"))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAbandoned)
	case <-time.After(time.Second):
		t.Fatal("follower was not woken by release")
	}

	// The follower may now lead.
	claim, err := store.AcquireOrJoin(ctx, "fp", "worker-b")
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, claim.Role)
}

func TestMemoryStore_ExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{LeaseTTL: time.Second})
	now := time.Now()
	store.now = func() time.Time { return now }

	_, err := store.AcquireOrJoin(ctx, "fp", "crashed-worker")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	claim, err := store.AcquireOrJoin(ctx, "fp", "worker-b")
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, claim.Role)

	// The crashed worker can no longer publish or extend.
	assert.ErrorIs(t, store.Publish(ctx, "fp", "crashed-worker", result("fp")), ErrNotHolder)
	assert.ErrorIs(t, store.Extend(ctx, "fp", "crashed-worker"), ErrNotHolder)
	assert.NoError(t, store.Extend(ctx, "fp", "worker-b"))
}

func TestMemoryStore_RetentionEviction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{Retention: time.Hour})
	now := time.Now()
	store.now = func() time.Time { return now }

	_, err := store.AcquireOrJoin(ctx, "fp", "worker-a")
	require.NoError(t, err)
	require.NoError(t, store.Publish(ctx, "fp", "worker-a", result("fp")))

	_, ok, err := store.Lookup(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, store.Sweep())

	_, ok, err = store.Lookup(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)

	claim, err := store.AcquireOrJoin(ctx, "fp", "worker-b")
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, claim.Role)
}

func TestMemoryStore_PublishTwiceRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})

	_, err := store.AcquireOrJoin(ctx, "fp", "worker-a")
	require.NoError(t, err)
	require.NoError(t, store.Publish(ctx, "fp", "worker-a", result("fp")))
	assert.ErrorIs(t, store.Publish(ctx, "fp", "worker-a", result("fp")), ErrNotHolder)
	assert.ErrorIs(t, store.Release(ctx, "fp", "worker-a"), ErrNotHolder)
}

func TestMemoryStore_ConcurrentDuplicatesElectOneLeader(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{LeaseTTL: time.Minute})

	var leaders int32
	var invocations int32
	var wg sync.WaitGroup
	results := make(chan *model.StageResult, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holder := "worker-" + string(rune('a'+i))
			claim, err := store.AcquireOrJoin(ctx, "fp", holder)
			require.NoError(t, err)
			if claim.Role == RoleLeader {
				atomic.AddInt32(&leaders, 1)
				atomic.AddInt32(&invocations, 1)
				time.Sleep(20 * time.Millisecond)
				r := result("fp")
				require.NoError(t, store.Publish(ctx, "fp", holder, r))
				results <- r
				return
			}
			r, err := claim.Wait(ctx)
			require.NoError(t, err)
			results <- r
		}(i)
	}
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), leaders)
	assert.Equal(t, int32(1), invocations)
	count := 0
	for r := range results {
		assert.Equal(t, "fp", r.Fingerprint)
		count++
	}
	assert.Equal(t, 20, count)
}

func TestMemoryStore_FollowerWaitsWhileLeaderExtends(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := NewMemoryStore(Options{LeaseTTL: 100 * time.Millisecond})

	_, err := store.AcquireOrJoin(ctx, "fp", "worker-a")
	require.NoError(t, err)
	follower, err := store.AcquireOrJoin(ctx, "fp", "worker-b")
	require.NoError(t, err)
	require.Equal(t, RoleFollower, follower.Role)

	type waited struct {
		r   *model.StageResult
		err error
	}
	done := make(chan waited, 1)
	go func() {
		r, err := follower.Wait(ctx)
		done <- waited{r, err}
	}()

	// Keep the lease alive well past the first TTL, then publish.
	deadline := time.Now().Add(350 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, store.Extend(ctx, "fp", "worker-a"))
		select {
		case w := <-done:
			t.Fatalf("follower returned while the lease was held: %v", w.err)
		default:
		}
	}
	require.NoError(t, store.Publish(ctx, "fp", "worker-a", result("fp")))

	select {
	case w := <-done:
		require.NoError(t, w.err)
		assert.Equal(t, "fp", w.r.Fingerprint)
	case <-time.After(time.Second):
		t.Fatal("follower was not woken by publish")
	}
}

func TestMemoryStore_FollowerAbandonedWhenLeaseLapses(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{LeaseTTL: 50 * time.Millisecond})

	_, err := store.AcquireOrJoin(ctx, "fp", "worker-a")
	require.NoError(t, err)
	follower, err := store.AcquireOrJoin(ctx, "fp", "worker-b")
	require.NoError(t, err)

	start := time.Now()
	_, err = follower.Wait(ctx)
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestMemoryStore_RunDropsAgedResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore(Options{Retention: 50 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, store.SweepInterval())

	for _, fp := range []string{"fp1", "fp2"} {
		_, err := store.AcquireOrJoin(ctx, fp, "worker-a")
		require.NoError(t, err)
		require.NoError(t, store.Publish(ctx, fp, "worker-a", result(fp)))
	}
	require.Equal(t, 2, store.Len())

	go store.Run(ctx, 0)
	assert.Eventually(t, func() bool { return store.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryStore_SweepIntervalBounds(t *testing.T) {
	assert.Equal(t, 10*time.Minute, NewMemoryStore(Options{Retention: 24 * time.Hour}).SweepInterval())
	assert.Equal(t, 15*time.Minute/4, NewMemoryStore(Options{Retention: 15 * time.Minute}).SweepInterval())
}

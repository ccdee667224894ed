package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carenote/carenote/internal/cache"
)

func newRedisStore(t *testing.T, opts Options) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, cache.NewCache(client, cache.WithNamespace(ResultNamespace)), opts), mr
}

func TestRedisStore_LeaderPublishFollowerReads(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, Options{LeaseTTL: time.Minute, Retention: time.Hour, PollInterval: 50 * time.Millisecond})

	leader, err := store.AcquireOrJoin(ctx, "fp", "worker-a")
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, leader.Role)
	assert.True(t, mr.Exists(leaseKeyPrefix+"fp"))

	follower, err := store.AcquireOrJoin(ctx, "fp", "worker-b")
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, follower.Role)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = store.Publish(ctx, "fp", "worker-a", result("fp"))
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	r, err := follower.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "fp", r.Fingerprint)
	assert.JSONEq(t, `{"text":"hello"}`, string(r.Payload))

	assert.False(t, mr.Exists(leaseKeyPrefix+"fp"))
	assert.True(t, mr.Exists(ResultNamespace+"fp"))

	again, err := store.AcquireOrJoin(ctx, "fp", "worker-c")
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, again.Role)
}

func TestRedisStore_ReleaseAbandons(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t, Options{LeaseTTL: time.Minute, PollInterval: 50 * time.Millisecond})

	_, err := store.AcquireOrJoin(ctx, "fp", "worker-a")
	require.NoError(t, err)
	follower, err := store.AcquireOrJoin(ctx, "fp", "worker-b")
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, "fp", "worker-a"))

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = follower.Wait(waitCtx)
	assert.ErrorIs(t, err, ErrAbandoned)

	claim, err := store.AcquireOrJoin(ctx, "fp", "worker-b")
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, claim.Role)
}

func TestRedisStore_OnlyHolderPublishes(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t, Options{})

	_, err := store.AcquireOrJoin(ctx, "fp", "worker-a")
	require.NoError(t, err)

	assert.ErrorIs(t, store.Publish(ctx, "fp", "worker-b", result("fp")), ErrNotHolder)
	assert.ErrorIs(t, store.Release(ctx, "fp", "worker-b"), ErrNotHolder)
	assert.ErrorIs(t, store.Extend(ctx, "fp", "worker-b"), ErrNotHolder)
	assert.NoError(t, store.Extend(ctx, "fp", "worker-a"))
}

func TestRedisStore_LeaseExpiryAndRetention(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, Options{LeaseTTL: time.Second, Retention: time.Minute})

	_, err := store.AcquireOrJoin(ctx, "fp", "crashed-worker")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	claim, err := store.AcquireOrJoin(ctx, "fp", "worker-b")
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, claim.Role)
	require.NoError(t, store.Publish(ctx, "fp", "worker-b", result("fp")))

	_, ok, err := store.Lookup(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = store.Lookup(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)
}

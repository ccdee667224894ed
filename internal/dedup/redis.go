package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/carenote/carenote/internal/cache"
	redlock "github.com/carenote/carenote/internal/lock"
	"github.com/carenote/carenote/model"
)

const (
	leaseKeyPrefix = "dedup:lease:"
	// ResultNamespace is the cache namespace published results live under.
	ResultNamespace = "dedup:result:"
)

// RedisStore shares leases and results between every worker process. Leases
// are Redis locks; published results live in the Redis-backed cache until the
// retention window expires.
type RedisStore struct {
	client  redis.UniversalClient
	results cache.Cache
	opts    Options
}

// NewRedisStore expects results to be namespaced, see ResultNamespace.
func NewRedisStore(client redis.UniversalClient, results cache.Cache, opts Options) *RedisStore {
	return &RedisStore{client: client, results: results, opts: opts.withDefaults()}
}

func (s *RedisStore) locker(fingerprint, holder string) *redlock.Locker {
	return redlock.NewLocker(s.client, leaseKeyPrefix+fingerprint, holder)
}

func (s *RedisStore) Lookup(ctx context.Context, fingerprint string) (*model.StageResult, bool, error) {
	var result model.StageResult
	err := s.results.Get(ctx, fingerprint, &result)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &result, true, nil
}

func (s *RedisStore) AcquireOrJoin(ctx context.Context, fingerprint, holder string) (*Claim, error) {
	if result, ok, err := s.Lookup(ctx, fingerprint); err != nil {
		return nil, err
	} else if ok {
		return resolved(fingerprint, result), nil
	}

	locker := s.locker(fingerprint, holder)
	err := locker.Lock(ctx, s.opts.LeaseTTL)
	if err == nil {
		// A leader may have published between the lookup and the lock.
		if result, ok, lookupErr := s.Lookup(ctx, fingerprint); lookupErr == nil && ok {
			_ = locker.Unlock(ctx)
			return resolved(fingerprint, result), nil
		}
		return &Claim{Role: RoleLeader, Fingerprint: fingerprint, Holder: holder}, nil
	}
	if !redlock.IsHeld(err) {
		return nil, err
	}

	current, err := s.client.Get(ctx, leaseKeyPrefix+fingerprint).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if current == holder {
		return &Claim{Role: RoleLeader, Fingerprint: fingerprint, Holder: holder}, nil
	}

	return &Claim{
		Role:        RoleFollower,
		Fingerprint: fingerprint,
		Holder:      holder,
		wait: func(ctx context.Context) (*model.StageResult, error) {
			return s.poll(ctx, fingerprint)
		},
	}, nil
}

// poll waits for the leader's result. It gives up with ErrAbandoned as soon as
// the lease disappears without a result.
func (s *RedisStore) poll(ctx context.Context, fingerprint string) (*model.StageResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = s.opts.PollInterval
	b.MaxElapsedTime = 0
	b.Reset()

	var result *model.StageResult
	err := backoff.Retry(func() error {
		r, ok, err := s.Lookup(ctx, fingerprint)
		if err != nil {
			return backoff.Permanent(err)
		}
		if ok {
			result = r
			return nil
		}
		exists, err := s.client.Exists(ctx, leaseKeyPrefix+fingerprint).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if exists == 0 {
			if r, ok, err := s.Lookup(ctx, fingerprint); err == nil && ok {
				result = r
				return nil
			}
			return backoff.Permanent(ErrAbandoned)
		}
		return errors.New("dedup: result not yet published")
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return result, nil
}

func (s *RedisStore) holds(ctx context.Context, fingerprint, holder string) error {
	current, err := s.client.Get(ctx, leaseKeyPrefix+fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotHolder
	}
	if err != nil {
		return err
	}
	if current != holder {
		return ErrNotHolder
	}
	return nil
}

func (s *RedisStore) Publish(ctx context.Context, fingerprint, holder string, result *model.StageResult) error {
	if err := s.holds(ctx, fingerprint, holder); err != nil {
		return err
	}
	if err := s.results.SetIfAbsent(ctx, fingerprint, result, s.opts.Retention); err != nil {
		return err
	}
	// Result first, then the lease: a polling follower always finds one of them.
	if err := s.locker(fingerprint, holder).Unlock(ctx); err != nil {
		return ErrNotHolder
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, fingerprint, holder string) error {
	if err := s.locker(fingerprint, holder).Unlock(ctx); err != nil {
		return ErrNotHolder
	}
	return nil
}

func (s *RedisStore) Extend(ctx context.Context, fingerprint, holder string) error {
	if err := s.locker(fingerprint, holder).Extend(ctx, s.opts.LeaseTTL); err != nil {
		return ErrNotHolder
	}
	return nil
}

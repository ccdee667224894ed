/*
Copyright 2024 Carenote Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
// Package redlock provides expiring exclusive holds on Redis keys. Consultation
// leases and dedup fingerprint leases are both built on Locker.
package redlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Both scripts act only when the stored token matches, so a holder whose
// lease expired cannot release or prolong someone else's.
const (
	releaseScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript  = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// ErrNotHolder is returned when releasing or extending a lock the caller no
// longer owns.
var ErrNotHolder = errors.New("lock expired or held by another owner")

// HeldError reports that another holder owns the lock.
type HeldError struct {
	Key    string
	Waited bool
}

func (e *HeldError) Error() string {
	if e.Waited {
		return fmt.Sprintf("failed to acquire lock for key %s within the wait timeout", e.Key)
	}
	return fmt.Sprintf("lock for key %s is already held", e.Key)
}

// IsHeld reports whether err means the lock belongs to someone else.
func IsHeld(err error) bool {
	var held *HeldError
	return errors.As(err, &held)
}

// Locker is one holder's handle on a key. The token identifies the holder.
type Locker struct {
	client redis.UniversalClient
	key    string
	token  string
}

func NewLocker(client redis.UniversalClient, key, token string) *Locker {
	return &Locker{client: client, key: key, token: token}
}

func (l *Locker) Key() string {
	return l.key
}

// Lock makes a single attempt.
func (l *Locker) Lock(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return &HeldError{Key: l.key}
	}
	return nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	return l.eval(ctx, releaseScript, l.token)
}

// Extend resets the expiry to ttl from now.
func (l *Locker) Extend(ctx context.Context, ttl time.Duration) error {
	return l.eval(ctx, extendScript, l.token, strconv.FormatInt(ttl.Milliseconds(), 10))
}

func (l *Locker) eval(ctx context.Context, script string, args ...interface{}) error {
	n, err := l.client.Eval(ctx, script, []string{l.key}, args...).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrNotHolder)
	}
	return nil
}

// WaitLock retries Lock with exponential backoff until it succeeds, wait
// elapses or ctx is done.
func (l *Locker) WaitLock(ctx context.Context, ttl, wait time.Duration) error {
	return retryAcquire(ctx, l.key, wait, func() error { return l.Lock(ctx, ttl) })
}

func retryAcquire(ctx context.Context, key string, wait time.Duration, try func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = wait
	b.Reset()

	err := backoff.Retry(func() error {
		err := try()
		if err != nil && !IsHeld(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case IsHeld(err):
		return &HeldError{Key: key, Waited: true}
	}
	return err
}

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
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = errors.New("cache: key is missing")

// Cache stores msgpack encoded values with a TTL.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetIfAbsent stores value only when key is unset. The first writer wins.
	SetIfAbsent(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get decodes the value stored under key into data, which must be a pointer.
	// Returns ErrCacheMiss if the key does not exist.
	Get(ctx context.Context, key string, data interface{}) error

	Delete(ctx context.Context, key string) error
}

const defaultLocalSize = 128000

// RedisCache keeps values in Redis, optionally fronted by a TinyLFU layer in
// this process. Every key is stored under the configured namespace.
type RedisCache struct {
	cache     *cache.Cache
	namespace string
}

type Option func(*settings)

type settings struct {
	namespace string
	localTTL  time.Duration
	localSize int
}

// WithNamespace prefixes every key, e.g. "dedup:result:".
func WithNamespace(ns string) Option {
	return func(s *settings) { s.namespace = ns }
}

// WithLocalTTL enables the in-process layer. Only use it for values that never
// change once written.
func WithLocalTTL(ttl time.Duration) Option {
	return func(s *settings) { s.localTTL = ttl }
}

func WithLocalSize(n int) Option {
	return func(s *settings) { s.localSize = n }
}

func NewCache(client redis.UniversalClient, opts ...Option) *RedisCache {
	s := settings{localSize: defaultLocalSize}
	for _, opt := range opts {
		opt(&s)
	}

	copts := &cache.Options{Redis: client}
	if s.localTTL > 0 {
		copts.LocalCache = cache.NewTinyLFU(s.localSize, s.localTTL)
	}
	return &RedisCache{cache: cache.New(copts), namespace: s.namespace}
}

func (r *RedisCache) key(k string) string {
	return r.namespace + k
}

func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{Ctx: ctx, Key: r.key(key), Value: data, TTL: ttl})
}

func (r *RedisCache) SetIfAbsent(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{Ctx: ctx, Key: r.key(key), Value: data, TTL: ttl, SetNX: true})
}

func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) error {
	err := r.cache.Get(ctx, r.key(key), data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return ErrCacheMiss
	}
	return err
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, r.key(key))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

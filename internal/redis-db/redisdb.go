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
package redis_db

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/carenote/carenote/config"
)

const pingTimeout = 2 * time.Second

// Redis wraps the client shared by the dedup store, leases and hooks.
type Redis struct {
	addresses []string
	client    redis.UniversalClient
}

// Addresses splits a configured DNS value into node addresses. Several
// comma separated addresses select cluster mode.
func Addresses(dns string) []string {
	var out []string
	for _, part := range strings.Split(dns, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseRedisURL turns one configured address into client options. It accepts
// bare host:port pairs, redis:// and rediss:// URLs, and the
// password@host form some managed providers hand out.
func ParseRedisURL(rawURL string, skipTLSVerify bool) (*redis.Options, error) {
	if rawURL == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if isHostPort(rawURL) {
		return &redis.Options{Addr: rawURL}, nil
	}

	opts, err := redis.ParseURL(withUserSeparator(rawURL))
	if err != nil {
		opts = looseOptions(rawURL)
	}
	if opts.TLSConfig != nil && skipTLSVerify {
		opts.TLSConfig = tlsConfig(true)
	}
	return opts, nil
}

func isHostPort(raw string) bool {
	return strings.Count(raw, ":") == 1 && !strings.ContainsAny(raw, "@/")
}

// withUserSeparator rewrites redis://secret@host to redis://:secret@host.
func withUserSeparator(raw string) string {
	rest, ok := strings.CutPrefix(raw, "redis://")
	if !ok {
		return raw
	}
	cred, host, found := strings.Cut(rest, "@")
	if !found || strings.Contains(cred, ":") {
		return raw
	}
	return "redis://:" + cred + "@" + host
}

// looseOptions handles addresses redis.ParseURL rejects, such as passwords
// carrying reserved URL characters.
func looseOptions(raw string) *redis.Options {
	opts := &redis.Options{Addr: raw}
	if cred, host, found := strings.Cut(raw, "@"); found {
		opts.Addr = host
		opts.Password = strings.TrimPrefix(cred, "redis://")
	}
	if strings.Contains(opts.Addr, "redis.cache.windows.net") {
		opts.TLSConfig = tlsConfig(false)
	}
	return opts
}

func tlsConfig(skipVerify bool) *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: skipVerify}
}

// AsynqOpt builds the connection used by the task queue and worker server.
// The queue always talks to the first configured node.
func AsynqOpt(conf config.RedisConfig) (asynq.RedisClientOpt, error) {
	addrs := Addresses(conf.Dns)
	if len(addrs) == 0 {
		return asynq.RedisClientOpt{}, errors.New("redis addresses list cannot be empty")
	}
	opts, err := ParseRedisURL(addrs[0], conf.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %w", err)
	}
	return asynq.RedisClientOpt{
		Addr:      opts.Addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
		PoolSize:  conf.PoolSize,
	}, nil
}

// Connect opens the configured Redis deployment and checks it answers PING.
func Connect(ctx context.Context, conf config.RedisConfig) (*Redis, error) {
	return NewRedisClient(ctx, Addresses(conf.Dns), conf.SkipTLSVerify, conf.PoolSize)
}

// NewRedisClient opens a standalone client for one address or a cluster
// client for several. A poolSize of zero keeps the go-redis default.
func NewRedisClient(ctx context.Context, addresses []string, skipTLSVerify bool, poolSize int) (*Redis, error) {
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}

	parsed := make([]*redis.Options, 0, len(addresses))
	for _, addr := range addresses {
		opts, err := ParseRedisURL(addr, skipTLSVerify)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, opts)
	}

	var client redis.UniversalClient
	if len(parsed) == 1 {
		parsed[0].PoolSize = poolSize
		client = redis.NewClient(parsed[0])
	} else {
		client = redis.NewClusterClient(clusterOptions(parsed, skipTLSVerify, poolSize))
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{addresses: addresses, client: client}, nil
}

func clusterOptions(nodes []*redis.Options, skipTLSVerify bool, poolSize int) *redis.ClusterOptions {
	opts := &redis.ClusterOptions{PoolSize: poolSize}
	for _, node := range nodes {
		opts.Addrs = append(opts.Addrs, node.Addr)
		if opts.Password == "" {
			opts.Password = node.Password
		}
		if node.TLSConfig != nil && opts.TLSConfig == nil {
			opts.TLSConfig = tlsConfig(skipTLSVerify)
		}
	}
	return opts
}

// Client returns the Redis universal client.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// Ping reports whether the deployment is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return r.client.Ping(pingCtx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

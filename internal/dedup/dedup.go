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

// Package dedup guarantees that a unit of work, identified by its fingerprint,
// is executed by at most one leader at a time and that its published result is
// reused instead of invoking the external capability again.
package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/carenote/carenote/model"
)

var (
	// ErrNotHolder is returned when a caller publishes or releases a lease it does not hold.
	ErrNotHolder = errors.New("dedup: lease is not held by caller")

	// ErrAbandoned is returned to followers when the leader released or lost its
	// lease without publishing. Followers should call AcquireOrJoin again.
	ErrAbandoned = errors.New("dedup: leader abandoned the unit of work")
)

type Role int

const (
	RoleLeader Role = iota + 1
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	}
	return "unknown"
}

// Claim is what AcquireOrJoin hands back. A leader must eventually call
// Publish or Release; a follower calls Wait.
type Claim struct {
	Role        Role
	Fingerprint string
	Holder      string
	wait        func(ctx context.Context) (*model.StageResult, error)
}

// Wait blocks until the leader publishes. Calling it on a leader claim is an error.
func (c *Claim) Wait(ctx context.Context) (*model.StageResult, error) {
	if c.Role != RoleFollower || c.wait == nil {
		return nil, errors.New("dedup: only followers wait for a result")
	}
	return c.wait(ctx)
}

func resolved(fingerprint string, result *model.StageResult) *Claim {
	return &Claim{
		Role:        RoleFollower,
		Fingerprint: fingerprint,
		wait: func(context.Context) (*model.StageResult, error) {
			return result, nil
		},
	}
}

// Store is the idempotency/dedup store shared by every worker.
type Store interface {
	// AcquireOrJoin makes the caller the leader for fingerprint, or a follower of
	// the current leader or of an already published result.
	AcquireOrJoin(ctx context.Context, fingerprint, holder string) (*Claim, error)

	// Lookup returns a published result that has not been evicted.
	Lookup(ctx context.Context, fingerprint string) (*model.StageResult, bool, error)

	// Publish stores the leader's terminal result, wakes followers and starts the
	// retention clock.
	Publish(ctx context.Context, fingerprint, holder string, result *model.StageResult) error

	// Release gives up leadership without a result.
	Release(ctx context.Context, fingerprint, holder string) error

	// Extend pushes the lease deadline out by the configured lease TTL.
	Extend(ctx context.Context, fingerprint, holder string) error
}

type Options struct {
	LeaseTTL  time.Duration
	Retention time.Duration
	// PollInterval bounds how often a follower checks a shared store.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 15 * time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	return o
}

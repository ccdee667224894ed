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

// Package retry decides, per capability, whether a failed invocation is retried,
// how long to wait first, and what fallback applies once attempts run out.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/model"
)

// Fallback is what the pipeline does when a capability exhausts its attempts.
type Fallback string

const (
	// FallbackFail moves the consultation to ERROR.
	FallbackFail Fallback = "fail"
	// FallbackTemplate stores a template note with undocumented fields marked.
	FallbackTemplate Fallback = "template"
	// FallbackDefer leaves the result pending and queues an asynchronous retry.
	FallbackDefer Fallback = "defer"
	// FallbackTextOnly keeps instruction text and queues audio synthesis.
	FallbackTextOnly Fallback = "text_only"
)

type Policy struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	Multiplier         float64
	Jitter             float64
	Timeout            time.Duration
	CapacityMultiplier float64
	// RetryInvalid allows retrying validation failures. Note generation uses it to
	// re-ask with a clarified input.
	RetryInvalid bool
	Fallback     Fallback
}

// DefaultPolicies is the policy table the pipeline ships with.
func DefaultPolicies() map[model.Capability]Policy {
	return map[model.Capability]Policy{
		model.CapabilityTranscription: {
			MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0.2,
			Timeout: 2 * time.Minute, CapacityMultiplier: 3, Fallback: FallbackFail,
		},
		model.CapabilityNoteGeneration: {
			MaxAttempts: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: 0.2,
			Timeout: time.Minute, CapacityMultiplier: 3, RetryInvalid: true, Fallback: FallbackTemplate,
		},
		model.CapabilityRiskScoring: {
			MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: 0.2,
			Timeout: 15 * time.Second, CapacityMultiplier: 3, Fallback: FallbackDefer,
		},
		model.CapabilityInstruction: {
			MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: 0.2,
			Timeout: time.Minute, CapacityMultiplier: 3, Fallback: FallbackFail,
		},
		model.CapabilityAudioSynthesis: {
			MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 20 * time.Second, Multiplier: 2, Jitter: 0.2,
			Timeout: time.Minute, CapacityMultiplier: 3, Fallback: FallbackTextOnly,
		},
	}
}

// PoliciesFromConfig overlays configured attempts, delays and timeouts on the
// default table. Fallbacks are fixed per capability.
func PoliciesFromConfig(cnf *config.Configuration) map[model.Capability]Policy {
	policies := DefaultPolicies()
	for capability, p := range policies {
		c := cnf.Capability(string(capability))
		if c.MaxAttempts > 0 {
			p.MaxAttempts = c.MaxAttempts
		}
		if c.BaseDelayMs > 0 {
			p.BaseDelay = c.BaseDelay()
		}
		if c.MaxDelayMs > 0 {
			p.MaxDelay = c.MaxDelay()
		}
		if c.Multiplier > 0 {
			p.Multiplier = c.Multiplier
		}
		if c.Jitter > 0 && c.Jitter < 1 {
			p.Jitter = c.Jitter
		}
		if c.TimeoutSec > 0 {
			p.Timeout = c.Timeout()
		}
		if c.CapacityMultiplier >= 1 {
			p.CapacityMultiplier = c.CapacityMultiplier
		}
		policies[capability] = p
	}
	return policies
}

// Attempt describes one invocation handed to the operation.
type Attempt struct {
	Number int
	// Clarify is set on a retry that follows a validation failure.
	Clarify   bool
	LastError error
}

// Outcome summarizes a Do call.
type Outcome struct {
	Attempts  int
	Exhausted bool
	Fallback  Fallback
	LastError error
}

type Controller struct {
	policies map[model.Capability]Policy
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Controller)

// WithSleeper replaces the wait between attempts. Tests use it to skip real delays.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.sleep = sleep
	}
}

func NewController(policies map[model.Capability]Policy, opts ...Option) *Controller {
	if policies == nil {
		policies = DefaultPolicies()
	}
	c := &Controller{policies: policies, sleep: sleepContext}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) Policy(capability model.Capability) Policy {
	if p, ok := c.policies[capability]; ok {
		return p
	}
	return Policy{MaxAttempts: 1, Timeout: time.Minute, Fallback: FallbackFail}
}

// Classify maps an invocation error onto the retry taxonomy. Deadline expiry
// counts as a transient failure.
func Classify(err error) apierror.ErrorCode {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.ErrTransient
	}
	switch code := apierror.CodeOf(err); code {
	case apierror.ErrTransient, apierror.ErrCapacity, apierror.ErrInvalidInput, apierror.ErrFatalConfig:
		return code
	}
	// Unclassified errors from a collaborator are treated as transient.
	return apierror.ErrTransient
}

func (p Policy) retryable(code apierror.ErrorCode) bool {
	switch code {
	case apierror.ErrTransient, apierror.ErrCapacity:
		return true
	case apierror.ErrInvalidInput:
		return p.RetryInvalid
	}
	return false
}

// newBackOff builds the exponential schedule for one Do call:
// base * multiplier^attempt, capped at MaxDelay, with +/- Jitter randomization.
func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = backoff.DefaultMultiplier
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.Reset()
	return b
}

// Delays returns the wait before each retry of a policy, for inspection and tests.
func (p Policy) Delays() []time.Duration {
	b := p.newBackOff()
	var out []time.Duration
	for i := 1; i < p.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Do runs op until it succeeds, fails permanently, or the capability's attempts
// are exhausted. Each attempt gets its own timeout. A capacity failure waits
// CapacityMultiplier times longer than a transient one.
func (c *Controller) Do(ctx context.Context, capability model.Capability, op func(ctx context.Context, attempt Attempt) error) (Outcome, error) {
	policy := c.Policy(capability)
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	b := policy.newBackOff()

	var lastErr error
	var lastCode apierror.ErrorCode
	for n := 1; n <= maxAttempts; n++ {
		attempt := Attempt{
			Number:    n,
			Clarify:   lastCode == apierror.ErrInvalidInput,
			LastError: lastErr,
		}

		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		err := op(attemptCtx, attempt)
		cancel()
		if err == nil {
			return Outcome{Attempts: n}, nil
		}
		if ctx.Err() != nil {
			return Outcome{Attempts: n, LastError: err}, ctx.Err()
		}

		lastErr = err
		lastCode = Classify(err)
		if !policy.retryable(lastCode) {
			return Outcome{Attempts: n, LastError: err}, err
		}
		if n == maxAttempts {
			break
		}

		delay := b.NextBackOff()
		if lastCode == apierror.ErrCapacity && policy.CapacityMultiplier > 1 {
			delay = time.Duration(float64(delay) * policy.CapacityMultiplier)
		}
		logrus.WithFields(logrus.Fields{
			"capability": capability,
			"attempt":    n,
			"delay":      delay.String(),
			"error":      err.Error(),
		}).Warn("capability invocation failed, retrying")

		if err := c.sleep(ctx, delay); err != nil {
			return Outcome{Attempts: n, LastError: lastErr}, err
		}
	}

	return Outcome{
		Attempts:  maxAttempts,
		Exhausted: true,
		Fallback:  policy.Fallback,
		LastError: lastErr,
	}, fmt.Errorf("%s exhausted %d attempts: %w", capability, maxAttempts, lastErr)
}

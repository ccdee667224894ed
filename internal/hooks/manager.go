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
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/internal/notification"
	"github.com/carenote/carenote/model"
)

const (
	defaultTimeoutSec = 30
	defaultRetryCount = 3
)

func hookKey(id string) string {
	return "hooks:hook:" + id
}

func typeKey(t HookType) string {
	return "hooks:type:" + string(t)
}

// Dispatcher hands a delivery to the worker queue. Without one, deliveries
// run inline in a goroutine and are not retried.
type Dispatcher func(ctx context.Context, task HookTaskPayload) error

type redisHookManager struct {
	client   redis.UniversalClient
	dispatch Dispatcher
	now      func() time.Time
}

// NewHookManager creates a Redis backed hook manager.
func NewHookManager(redisClient redis.UniversalClient, dispatch Dispatcher) HookManager {
	return &redisHookManager{
		client:   redisClient,
		dispatch: dispatch,
		now:      time.Now,
	}
}

func (m *redisHookManager) RegisterHook(ctx context.Context, hook *Hook) error {
	if err := validateHook(hook); err != nil {
		return err
	}
	if hook.ID == "" {
		hook.ID = model.GenerateUUIDWithSuffix("hook")
	}
	hook.CreatedAt = m.now().UTC()
	hook.LastRun = time.Time{}
	hook.LastSuccess = false

	data, err := json.Marshal(hook)
	if err != nil {
		return fmt.Errorf("failed to marshal hook: %w", err)
	}
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, hookKey(hook.ID), data, 0)
		pipe.SAdd(ctx, typeKey(hook.Type), hook.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store hook: %w", err)
	}
	return nil
}

// UpdateHook replaces a hook's settings. Run history and creation time are
// kept, and an empty secret keeps the stored one.
func (m *redisHookManager) UpdateHook(ctx context.Context, hookID string, hook *Hook) error {
	existing, err := m.GetHook(ctx, hookID)
	if err != nil {
		return err
	}
	if err := validateHook(hook); err != nil {
		return err
	}

	hook.ID = existing.ID
	hook.CreatedAt = existing.CreatedAt
	hook.LastRun = existing.LastRun
	hook.LastSuccess = existing.LastSuccess
	if hook.Secret == "" {
		hook.Secret = existing.Secret
	}

	data, err := json.Marshal(hook)
	if err != nil {
		return fmt.Errorf("failed to marshal hook: %w", err)
	}
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if existing.Type != hook.Type {
			pipe.SRem(ctx, typeKey(existing.Type), hookID)
		}
		pipe.SAdd(ctx, typeKey(hook.Type), hookID)
		pipe.Set(ctx, hookKey(hookID), data, 0)
		return nil
	})
	return err
}

func (m *redisHookManager) DeleteHook(ctx context.Context, hookID string) error {
	hook, err := m.GetHook(ctx, hookID)
	if err != nil {
		return err
	}
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, hookKey(hookID))
		pipe.SRem(ctx, typeKey(hook.Type), hookID)
		return nil
	})
	return err
}

func (m *redisHookManager) GetHook(ctx context.Context, hookID string) (*Hook, error) {
	data, err := m.client.Get(ctx, hookKey(hookID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("hook not found: %s", hookID), nil)
	}
	if err != nil {
		return nil, err
	}

	var hook Hook
	if err := json.Unmarshal(data, &hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal hook: %w", err)
	}
	return &hook, nil
}

func (m *redisHookManager) ListHooks(ctx context.Context, hookType HookType) ([]*Hook, error) {
	types := []HookType{hookType}
	if hookType == "" {
		types = Types
	} else if !hookType.Valid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("invalid hook type: %s", hookType), nil)
	}

	var hooks []*Hook
	for _, t := range types {
		found, err := m.listType(ctx, t)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, found...)
	}
	if hooks == nil {
		hooks = []*Hook{}
	}
	return hooks, nil
}

func (m *redisHookManager) listType(ctx context.Context, t HookType) ([]*Hook, error) {
	ids, err := m.client.SMembers(ctx, typeKey(t)).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = hookKey(id)
	}
	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	hooks := make([]*Hook, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// registration deleted out from under the set
			m.client.SRem(ctx, typeKey(t), ids[i])
			continue
		}
		var hook Hook
		if err := json.Unmarshal([]byte(raw), &hook); err != nil {
			logrus.WithError(err).WithField("hook_id", ids[i]).Warn("skipping unreadable hook")
			continue
		}
		hooks = append(hooks, &hook)
	}
	return hooks, nil
}

// ExecuteHooks fans event out to every active hook of hookType.
func (m *redisHookManager) ExecuteHooks(ctx context.Context, hookType HookType, event, consultationID string, data interface{}) error {
	hooks, err := m.ListHooks(ctx, hookType)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal hook data: %w", err)
	}

	for _, hook := range hooks {
		if !hook.Active {
			continue
		}
		task := HookTaskPayload{Hook: hook, Payload: HookPayload{
			DeliveryID:     uuid.NewString(),
			ConsultationID: consultationID,
			HookType:       hookType,
			Event:          event,
			Timestamp:      m.now().UTC(),
			Data:           raw,
		}}

		if m.dispatch != nil {
			if err := m.dispatch(ctx, task); err != nil {
				notification.NotifyError(fmt.Errorf("failed to enqueue hook %s: %w", hook.ID, err))
			}
			continue
		}
		go func(task HookTaskPayload) {
			deliverCtx, cancel := context.WithTimeout(context.Background(), task.Hook.timeout())
			defer cancel()
			if err := m.deliver(deliverCtx, task.Hook, task.Payload); err != nil {
				notification.NotifyError(fmt.Errorf("hook %s (%s) delivery failed: %w", task.Hook.ID, task.Hook.Type, err))
			}
		}(task)
	}
	return nil
}

// recordRun stores the outcome of the latest delivery. A hook deleted while
// the delivery was in flight stays deleted.
func (m *redisHookManager) recordRun(ctx context.Context, hookID string, success bool) {
	hook, err := m.GetHook(ctx, hookID)
	if err != nil {
		return
	}
	hook.LastRun = m.now().UTC()
	hook.LastSuccess = success
	data, err := json.Marshal(hook)
	if err != nil {
		return
	}
	if err := m.client.SetXX(ctx, hookKey(hookID), data, 0).Err(); err != nil {
		logrus.WithError(err).WithField("hook_id", hookID).Warn("failed to record hook run")
	}
}

func validateHook(hook *Hook) error {
	if hook.URL == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "hook URL is required", nil)
	}
	if !hook.Type.Valid() {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("invalid hook type: %s", hook.Type), nil)
	}
	if hook.Timeout <= 0 {
		hook.Timeout = defaultTimeoutSec
	}
	if hook.RetryCount < 0 {
		hook.RetryCount = defaultRetryCount
	}
	return nil
}

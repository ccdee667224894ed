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

package carenote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/internal/hooks"
	redis_db "github.com/carenote/carenote/internal/redis-db"
	"github.com/carenote/carenote/model"
)

// Task types handled by the worker process.
const (
	TaskDeferredCapability = "capability:retry"
	TaskAuditWebhook       = "audit:webhook"
	TaskHookDelivery       = "hooks:deliver"
)

// DeferredTask asks a worker to retry risk scoring or audio synthesis for a
// consultation that continued without it.
type DeferredTask struct {
	ConsultationID string           `json:"consultation_id"`
	Capability     model.Capability `json:"capability"`
	Attempt        int              `json:"attempt"`
}

// TaskID keeps one scheduled task per consultation, capability and attempt.
func (t DeferredTask) TaskID() string {
	return fmt.Sprintf("%s:%s:%d", t.ConsultationID, t.Capability, t.Attempt)
}

// Scheduler hands work to the background workers.
type Scheduler interface {
	ScheduleRetry(ctx context.Context, task DeferredTask, delay time.Duration) error
	EnqueueWebhook(ctx context.Context, webhook NewWebhook) error
	EnqueueHook(ctx context.Context, task hooks.HookTaskPayload) error
}

// Queue is the asynq backed Scheduler.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	conf      *config.Configuration
}

// NewQueue initializes a Queue on the configured Redis instance.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	queueOptions, err := redis_db.AsynqOpt(conf.Redis)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		conf:      conf,
	}, nil
}

func (q *Queue) enqueue(ctx context.Context, taskType string, payload interface{}, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	info, err := q.Client.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"task_id": info.ID, "queue": info.Queue, "type": taskType}).Debug("task enqueued")
	return nil
}

// ScheduleRetry schedules a deferred capability run after delay. Scheduling
// the same attempt twice is a no-op.
func (q *Queue) ScheduleRetry(ctx context.Context, task DeferredTask, delay time.Duration) error {
	return q.enqueue(ctx, TaskDeferredCapability, task,
		asynq.TaskID(task.TaskID()),
		asynq.Queue(q.conf.Queue.RetryQueue),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(3),
	)
}

// EnqueueWebhook queues an audit event for delivery to the configured webhook.
func (q *Queue) EnqueueWebhook(ctx context.Context, webhook NewWebhook) error {
	if q.conf.Notification.Webhook.Url == "" {
		return nil
	}
	return q.enqueue(ctx, TaskAuditWebhook, webhook, asynq.Queue(q.conf.Queue.WebhookQueue))
}

// EnqueueHook queues a registered hook call.
func (q *Queue) EnqueueHook(ctx context.Context, task hooks.HookTaskPayload) error {
	return q.enqueue(ctx, TaskHookDelivery, task, asynq.Queue(q.conf.Queue.WebhookQueue), asynq.MaxRetry(task.Hook.RetryCount))
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close queue inspector")
	}
	return q.Client.Close()
}

// ProcessDeferredTask is the asynq handler for TaskDeferredCapability. A
// consultation busy in another worker returns an error so asynq retries later.
func (c *Carenote) ProcessDeferredTask(ctx context.Context, t *asynq.Task) error {
	var task DeferredTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("failed to unmarshal deferred task: %v: %w", err, asynq.SkipRetry)
	}

	rec, err := c.RunDeferred(ctx, task)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return fmt.Errorf("consultation %s no longer exists: %w", task.ConsultationID, asynq.SkipRetry)
		}
		return err
	}
	logrus.WithFields(logrus.Fields{
		"consultation_id": rec.ConsultationID,
		"capability":      task.Capability,
		"risk_state":      rec.RiskState,
		"audio_state":     rec.AudioState,
	}).Info("deferred capability processed")
	return nil
}

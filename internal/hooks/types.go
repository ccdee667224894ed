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
// Package hooks lets operators subscribe HTTP endpoints to consultation
// lifecycle events. Registrations live in Redis and deliveries run through the
// worker queue.
package hooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

type HookType string

const (
	// StageHook fires after every committed stage transition.
	StageHook HookType = "STAGE_TRANSITION"
	// ConflictHook fires when a sync conflict is recorded for manual review.
	ConflictHook HookType = "CONFLICT_RAISED"
)

// Types lists every hook type.
var Types = []HookType{StageHook, ConflictHook}

func (t HookType) Valid() bool {
	return t == StageHook || t == ConflictHook
}

// Hook is a registered endpoint. When Secret is set every delivery carries an
// HMAC-SHA256 signature of its body.
type Hook struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Type        HookType  `json:"type"`
	Active      bool      `json:"active"`
	Secret      string    `json:"secret,omitempty"`
	Timeout     int       `json:"timeout"`     // seconds
	RetryCount  int       `json:"retry_count"` // worker retries after the first attempt
	CreatedAt   time.Time `json:"created_at"`
	LastRun     time.Time `json:"last_run"`
	LastSuccess bool      `json:"last_success"`
}

// Redacted returns a copy that is safe to hand back to API callers.
func (h *Hook) Redacted() *Hook {
	cp := *h
	if cp.Secret != "" {
		cp.Secret = "********"
	}
	return &cp
}

func (h *Hook) timeout() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

// HookPayload is the body POSTed to a hook. DeliveryID is stable across
// retries of the same delivery so receivers can drop duplicates.
type HookPayload struct {
	DeliveryID     string          `json:"delivery_id"`
	ConsultationID string          `json:"consultation_id"`
	HookType       HookType        `json:"hook_type"`
	Event          string          `json:"event"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// HookResponse is the optional JSON body a hook may answer with. A 2xx that
// reports success=false with a message counts as a failed delivery.
type HookResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type HookManager interface {
	RegisterHook(ctx context.Context, hook *Hook) error
	UpdateHook(ctx context.Context, hookID string, hook *Hook) error
	DeleteHook(ctx context.Context, hookID string) error
	GetHook(ctx context.Context, hookID string) (*Hook, error)
	// ListHooks returns hooks of one type, or of every type when hookType is empty.
	ListHooks(ctx context.Context, hookType HookType) ([]*Hook, error)
	ExecuteHooks(ctx context.Context, hookType HookType, event, consultationID string, data interface{}) error
	ProcessHookTask(ctx context.Context, task *asynq.Task) error
}

// HookTaskPayload is the queued form of one delivery.
type HookTaskPayload struct {
	Hook    *Hook       `json:"hook"`
	Payload HookPayload `json:"payload"`
}

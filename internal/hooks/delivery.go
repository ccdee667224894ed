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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/carenote/carenote/internal/request"
)

const (
	SignatureHeader = "X-Carenote-Signature"
	DeliveryHeader  = "X-Hook-Delivery"
)

// Sign returns the signature header value for body: "sha256=" followed by the
// hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// ProcessHookTask is the asynq handler for queued deliveries. Responses a
// retry cannot fix skip the remaining retries.
func (m *redisHookManager) ProcessHookTask(ctx context.Context, task *asynq.Task) error {
	var payload HookTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal hook task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Hook == nil {
		return fmt.Errorf("hook task payload has no hook: %w", asynq.SkipRetry)
	}

	deliverCtx, cancel := context.WithTimeout(ctx, payload.Hook.timeout())
	defer cancel()

	err := m.deliver(deliverCtx, payload.Hook, payload.Payload)
	if err != nil && permanent(err) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// permanent reports whether the receiver rejected the delivery in a way a
// retry will not change.
func permanent(err error) bool {
	var status *request.StatusError
	if !errors.As(err, &status) {
		return false
	}
	return !status.Temporary() && status.StatusCode >= 400
}

// deliver makes a single attempt. Retries belong to the queue.
func (m *redisHookManager) deliver(ctx context.Context, hook *Hook, payload HookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hook-ID", hook.ID)
	req.Header.Set("X-Hook-Type", string(hook.Type))
	req.Header.Set("X-Hook-Event", payload.Event)
	req.Header.Set(DeliveryHeader, payload.DeliveryID)
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, body))
	}

	log := logrus.WithFields(logrus.Fields{
		"hook_id":     hook.ID,
		"hook_type":   hook.Type,
		"event":       payload.Event,
		"delivery_id": payload.DeliveryID,
	})

	var answer HookResponse
	resp, err := request.CallWithClient(&http.Client{Timeout: hook.timeout()}, req, &answer)
	var status *request.StatusError
	switch {
	case err == nil:
	case errors.As(err, &status):
		m.recordRun(context.WithoutCancel(ctx), hook.ID, false)
		return fmt.Errorf("hook %s: %w", hook.ID, err)
	case resp != nil:
		// 2xx with a body that is not a HookResponse
		err = nil
	default:
		m.recordRun(context.WithoutCancel(ctx), hook.ID, false)
		if ctx.Err() != nil {
			log.WithError(err).Warn("hook delivery timed out")
			return ctx.Err()
		}
		return fmt.Errorf("failed to execute request: %w", err)
	}

	if !answer.Success && answer.Message != "" {
		m.recordRun(context.WithoutCancel(ctx), hook.ID, false)
		return fmt.Errorf("hook reported failure: %s", answer.Message)
	}

	log.WithField("status_code", resp.StatusCode).Info("hook delivered")
	m.recordRun(context.WithoutCancel(ctx), hook.ID, true)
	return nil
}

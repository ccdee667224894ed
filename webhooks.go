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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"

	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/internal/hooks"
	"github.com/carenote/carenote/internal/request"
	"github.com/carenote/carenote/model"
)

// NewWebhook represents an audit event delivered to the configured webhook.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

// StageTransition is the audit record of one consultation state change. It
// carries identifiers and states only, never clinical content.
type StageTransition struct {
	ConsultationID string              `json:"consultation_id"`
	From           model.Stage         `json:"from"`
	To             model.Stage         `json:"to"`
	Capability     model.Capability    `json:"capability,omitempty"`
	Failure        *model.StageFailure `json:"failure,omitempty"`
	RiskState      model.RiskState     `json:"risk_state,omitempty"`
	AudioState     model.AudioState    `json:"audio_state,omitempty"`
	Version        int64               `json:"version"`
	At             time.Time           `json:"at"`
}

// transitionEvent names the audit event for a state change.
func transitionEvent(prev, next *model.ConsultationRecord) string {
	switch {
	case next.Stage != prev.Stage:
		return "consultation." + strings.ToLower(string(next.Stage))
	case next.CancelRequested && !prev.CancelRequested:
		return "consultation.cancel_requested"
	case next.RiskState != prev.RiskState:
		return "consultation.risk_" + strings.ToLower(string(next.RiskState))
	case next.AudioState != prev.AudioState:
		return "consultation.audio_" + strings.ToLower(string(next.AudioState))
	}
	return "consultation.updated"
}

func (c *Carenote) publishTransition(prev, next *model.ConsultationRecord, ev Event) {
	transition := StageTransition{
		ConsultationID: next.ConsultationID,
		From:           prev.Stage,
		To:             next.Stage,
		Capability:     ev.Capability,
		Failure:        next.Failure,
		RiskState:      next.RiskState,
		AudioState:     next.AudioState,
		Version:        next.Version,
		At:             c.now(),
	}
	c.emit(hooks.StageHook, transitionEvent(prev, next), next.ConsultationID, transition)
}

// emit records an audit event without blocking the caller. Delivery failures
// are logged and never affect the operation that produced the event.
func (c *Carenote) emit(hookType hooks.HookType, event, consultationID string, data interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		entry := logrus.WithFields(logrus.Fields{"event": event, "consultation_id": consultationID})
		if err := c.scheduler.EnqueueWebhook(ctx, NewWebhook{Event: event, Payload: data}); err != nil {
			entry.WithError(err).Warn("failed to queue audit webhook")
		}
		if hookType != "" && c.hooks != nil {
			if err := c.hooks.ExecuteHooks(ctx, hookType, event, consultationID, data); err != nil {
				entry.WithError(err).Warn("failed to execute hooks")
			}
		}
		if c.analytics != nil {
			err := c.analytics.Enqueue(posthog.Capture{
				DistinctId: c.conf.ProjectName,
				Event:      event,
				Properties: posthog.NewProperties().Set("consultation_id", consultationID),
			})
			if err != nil {
				entry.WithError(err).Debug("failed to record analytics event")
			}
		}
	}()
}

// processHTTP posts a webhook to the configured URL with the configured headers.
func processHTTP(conf *config.Configuration, client *http.Client, data NewWebhook) error {
	payload, err := request.ToJsonReq(data)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, conf.Notification.Webhook.Url, payload)
	if err != nil {
		return err
	}
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	_, err = request.CallWithClient(client, req, nil)
	if err != nil {
		return fmt.Errorf("webhook %s delivery failed: %w", data.Event, err)
	}
	logrus.Debugf("webhook notification %s sent", data.Event)
	return nil
}

// ProcessWebhook is the asynq handler for TaskAuditWebhook.
func ProcessWebhook(_ context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("error unmarshaling webhook payload: %v: %w", err, asynq.SkipRetry)
	}
	logrus.Infof("Processing webhook: %s", payload.Event)
	return processHTTP(conf, &http.Client{Timeout: 30 * time.Second}, payload)
}

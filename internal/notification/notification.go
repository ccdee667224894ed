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

package notification

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/internal/request"
)

// WebhookSender delivers an operator event. The root package registers one
// backed by the webhook queue; keeping it a function avoids an import cycle.
type WebhookSender func(event string, payload interface{}) error

var (
	webhookSender WebhookSender
	senderMu      sync.RWMutex
)

func RegisterWebhookSender(sender WebhookSender) {
	senderMu.Lock()
	defer senderMu.Unlock()
	webhookSender = sender
}

func registeredSender() WebhookSender {
	senderMu.RLock()
	defer senderMu.RUnlock()
	return webhookSender
}

// SlackNotification posts an error message to the configured Slack webhook.
//
// Parameters:
// - err: The error to be reported via Slack.
func SlackNotification(err error) {
	message := map[string]interface{}{
		"blocks": []map[string]interface{}{
			{
				"type": "header",
				"text": map[string]interface{}{"type": "plain_text", "text": "Error From Carenote 🐞", "emoji": true},
			},
			{
				"type":   "section",
				"fields": []map[string]string{{"type": "mrkdwn", "text": fmt.Sprintf("*Error:*\n%v", err.Error())}},
			},
			{
				"type":   "section",
				"fields": []map[string]string{{"type": "mrkdwn", "text": fmt.Sprintf("*Time:*\n%v", time.Now().Format(time.RFC822))}},
			},
		},
	}

	conf, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}

	payload, err := request.ToJsonReq(message)
	if err != nil {
		log.Println(err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, conf.Notification.Slack.WebhookUrl, payload)
	if err != nil {
		log.Println(err)
		return
	}

	var response json.RawMessage
	if _, err = request.Call(req, &response); err != nil {
		log.Println(err)
	}
}

// NotifyError logs systemError and alerts operators through Slack and the
// registered webhook sender, asynchronously.
//
// Parameters:
// - systemError: The error to notify.
func NotifyError(systemError error) {
	go notify(systemError)
}

func notify(systemError error) {
	logrus.Error(systemError)

	if sender := registeredSender(); sender != nil {
		if err := sender("system.error", map[string]string{
			"error": systemError.Error(),
			"time":  time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			logrus.Errorf("failed to send error webhook: %v", err)
		}
	}

	conf, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}
	if conf.Notification.Slack.WebhookUrl != "" {
		SlackNotification(systemError)
	}
}

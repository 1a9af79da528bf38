// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	colorSuccess = "#00a86b"
	colorError   = "#dc3545"
	colorInfo    = "#0d6efd"
)

type ChatMessage struct {
	Title       string
	Description string
	Color       string
}

// IsSlackWebhook reports whether the URL is a Slack incoming webhook. Any
// other URL gets the Mattermost payload, which Slack also accepts in a
// plainer rendering.
func IsSlackWebhook(webhookURL string) bool {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host == "hooks.slack.com"
}

func slackPayload(m ChatMessage) map[string]any {
	return map[string]any{
		"text": m.Title,
		"blocks": []any{
			map[string]any{
				"type": "section",
				"text": map[string]any{"type": "plain_text", "text": "Kaify Notification"},
			},
		},
		"attachments": []any{
			map[string]any{
				"color": m.Color,
				"blocks": []any{
					map[string]any{"type": "header", "text": map[string]any{"type": "plain_text", "text": m.Title}},
					map[string]any{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": m.Description}},
				},
			},
		},
	}
}

func mattermostPayload(m ChatMessage) map[string]any {
	return map[string]any{
		"username": "Kaify",
		"attachments": []any{
			map[string]any{
				"title":  m.Title,
				"color":  m.Color,
				"text":   m.Description,
				"footer": "Kaify",
			},
		},
	}
}

type ChatNotifier struct {
	client *http.Client
}

func NewChatNotifier() *ChatNotifier {
	return &ChatNotifier{client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 15 * time.Second}}
}

func (c *ChatNotifier) Send(ctx context.Context, webhookURL string, m ChatMessage) error {
	payload := mattermostPayload(m)
	if IsSlackWebhook(webhookURL) {
		payload = slackPayload(m)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat webhook responded %s", resp.Status)
	}
	return nil
}

// ChatNotify posts the task outcome to the application's chat webhook, or to
// the "webhook_url" carried in the payload.
func ChatNotify(notifier *ChatNotifier, apps ApplicationLookup) Handler {
	return func(ctx context.Context, payload map[string]any) error {
		webhook := String(payload, "webhook_url")
		name := String(payload, "name")
		if id, ok := Int(payload, "application_id"); ok && apps != nil {
			if app, found := apps.ApplicationByID(id); found {
				if webhook == "" {
					webhook = app.ChatWebhookURL
				}
				if name == "" {
					name = app.Name
				}
			}
		}
		if webhook == "" {
			return errors.New("no chat webhook configured")
		}
		if name == "" {
			name = "Task"
		}

		m := ChatMessage{Color: colorInfo, Title: name + " finished", Description: String(payload, "message")}
		switch String(payload, "status") {
		case "finished":
			m.Color = colorSuccess
			m.Title = name + " succeeded"
		case "error":
			m.Color = colorError
			m.Title = name + " failed"
		}
		if m.Description == "" {
			m.Description = "Status: " + String(payload, "status")
		}
		return notifier.Send(ctx, webhook, m)
	}
}

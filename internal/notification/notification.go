/*
Copyright 2024 Blnk Finance Authors.

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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/prospekt/config"
)

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func slackPayload(project string, err error, at time.Time) slackMessage {
	return slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: fmt.Sprintf("Error From %s 🐞", project), Emoji: true}},
		{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%v", err)}}},
		{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%v", at.Format(time.RFC822))}}},
	}}
}

// SlackNotification posts an error to the configured Slack webhook.
//
// Parameters:
// - err: The error to be reported via Slack.
//
// Returns:
// - error: An error if the configuration is missing or the webhook rejects the message.
func SlackNotification(err error) error {
	conf, cfgErr := config.Fetch()
	if cfgErr != nil {
		return cfgErr
	}
	if conf.Notification.Slack.WebhookUrl == "" {
		return nil
	}

	payload, marshalErr := json.Marshal(slackPayload(conf.ProjectName, err, time.Now()))
	if marshalErr != nil {
		return marshalErr
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, postErr := client.Post(conf.Notification.Slack.WebhookUrl, "application/json", bytes.NewReader(payload))
	if postErr != nil {
		return postErr
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %s", resp.Status)
	}
	return nil
}

// NotifyError reports an internal consistency failure. It logs the error and,
// when a Slack webhook is configured, posts it there without blocking the caller.
//
// Parameters:
// - systemError: The error to notify.
func NotifyError(systemError error) {
	logrus.WithError(systemError).Error("internal error")
	go func(systemError error) {
		if err := SlackNotification(systemError); err != nil {
			logrus.WithError(err).Warn("slack notification failed")
		}
	}(systemError)
}

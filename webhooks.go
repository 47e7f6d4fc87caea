/*
Copyright 2024 Logipool Authors.

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

package logipool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/logipool/logipool/config"
	"github.com/logipool/logipool/internal/request"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// SendWebhook enqueues a webhook notification task. The task id is derived
// from the event and key, so a repeated notification for the same pool is
// enqueued once.
func (q *Queue) SendWebhook(ctx context.Context, newWebhook NewWebhook, key string) error {
	if q.conf.Notification.Webhook.Url == "" {
		return nil
	}

	payload, err := json.Marshal(newWebhook)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.Queue(q.conf.Queue.WebhookQueue),
		asynq.TaskID(fmt.Sprintf("%s:%s", newWebhook.Event, key)),
		asynq.MaxRetry(q.conf.Notification.Webhook.MaxRetries),
	}
	task := asynq.NewTask(q.conf.Queue.WebhookQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		logrus.Errorf("failed to enqueue webhook %s: %v", newWebhook.Event, err)
		return err
	}
	logrus.Debugf("enqueued webhook %s as task %s", newWebhook.Event, info.ID)
	return nil
}

// processHTTP posts the notification to the configured URL, retrying transport
// errors and retryable statuses with exponential backoff.
func processHTTP(ctx context.Context, conf config.WebhookConfig, data NewWebhook) error {
	operation := func() error {
		_, err := request.PostJSON(ctx, conf.Url, conf.Headers, data)
		if err == nil {
			return nil
		}
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// ProcessWebhook processes a webhook notification task from the queue.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Errorf("error unmarshaling webhook payload: %v", err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	logrus.Infof("processing webhook %s", payload.Event)
	return processHTTP(ctx, conf.Notification.Webhook, payload)
}

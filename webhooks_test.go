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
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logipool/logipool/config"
	"github.com/logipool/logipool/model"
)

const testWebhookURL = "https://hooks.example.com/logipool"

func webhookConfig(redisAddr string) *config.Configuration {
	return &config.Configuration{
		Redis: config.RedisConfig{Dns: redisAddr},
		Queue: config.QueueConfig{WebhookQueue: config.DEFAULT_WEBHOOK_QUEUE},
		Notification: config.Notification{Webhook: config.WebhookConfig{
			Url:        testWebhookURL,
			Headers:    map[string]string{"X-Logipool-Signature": "secret"},
			MaxRetries: 3,
		}},
	}
}

func readyPoolFixture() *model.Pool {
	return &model.Pool{
		PoolID:              "pool_1",
		Category:            model.CategoryGrain,
		Region:              "V1",
		ItemTypes:           []string{"RICE", "WHEAT"},
		AccumulatedQuantity: kg(2500),
		CapacityClass:       model.CapacityClassLarge,
		Status:              model.PoolStatusReady,
		ReadyReason:         model.ReadyReasonThreshold,
		Attributions: []model.Attribution{
			{ContributorID: "f1", ContributionID: "ctb_1", Amount: kg(2000)},
			{ContributorID: "f2", ContributionID: "ctb_2", Amount: kg(500)},
		},
	}
}

func TestSendWebhook(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	cfg := webhookConfig(mr.Addr())
	queue, err := NewQueue(cfg)
	require.NoError(t, err)
	defer queue.Close()

	notifier := &WebhookNotifier{Queue: queue}
	pool := readyPoolFixture()
	ctx := context.Background()

	require.NoError(t, notifier.OnPoolReady(ctx, NewPoolReadyEvent(pool, nil)))
	require.NoError(t, notifier.OnBatchAwaitingProvider(ctx, NewBatchFullEvent(pool)))
	// the same pool event is enqueued once
	require.NoError(t, notifier.OnPoolReady(ctx, NewPoolReadyEvent(pool, nil)))

	assert.NotEmpty(t, mr.Keys())
	pending, err := mr.List("asynq:{" + config.DEFAULT_WEBHOOK_QUEUE + "}:pending")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestSendWebhook_SkippedWithoutURL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := webhookConfig(mr.Addr())
	cfg.Notification.Webhook.Url = ""
	queue, err := NewQueue(cfg)
	require.NoError(t, err)
	defer queue.Close()

	require.NoError(t, queue.SendWebhook(context.Background(), NewWebhook{Event: EventPoolReady}, "pool_1"))
	assert.Empty(t, mr.Keys())
}

func webhookTask(t *testing.T, event string, payload interface{}) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(NewWebhook{Event: event, Payload: payload})
	require.NoError(t, err)
	return asynq.NewTask(config.DEFAULT_WEBHOOK_QUEUE, data)
}

func TestProcessWebhook_Delivers(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	config.MockConfig(webhookConfig("localhost:6379"))

	var received NewWebhook
	httpmock.RegisterResponder(http.MethodPost, testWebhookURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "secret", req.Header.Get("X-Logipool-Signature"))
		if err := json.NewDecoder(req.Body).Decode(&received); err != nil {
			return httpmock.NewStringResponse(http.StatusBadRequest, ""), nil
		}
		return httpmock.NewJsonResponse(http.StatusOK, map[string]bool{"received": true})
	})

	err := ProcessWebhook(context.Background(), webhookTask(t, EventPoolReady, NewPoolReadyEvent(readyPoolFixture(), nil)))
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Equal(t, EventPoolReady, received.Event)
}

func TestProcessWebhook_RetriesServerErrors(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	config.MockConfig(webhookConfig("localhost:6379"))

	httpmock.RegisterResponder(http.MethodPost, testWebhookURL, httpmock.ResponderFromMultipleResponses([]*http.Response{
		httpmock.NewStringResponse(http.StatusServiceUnavailable, "busy"),
		httpmock.NewStringResponse(http.StatusOK, ""),
	}))

	err := ProcessWebhook(context.Background(), webhookTask(t, EventPoolAwaitingProvider, NewBatchFullEvent(readyPoolFixture())))
	require.NoError(t, err)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestProcessWebhook_ClientErrorIsNotRetried(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	config.MockConfig(webhookConfig("localhost:6379"))

	httpmock.RegisterResponder(http.MethodPost, testWebhookURL, httpmock.NewStringResponder(http.StatusUnprocessableEntity, "bad payload"))

	err := ProcessWebhook(context.Background(), webhookTask(t, EventPoolReady, map[string]string{"pool_id": "pool_1"}))
	require.Error(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestProcessWebhook_InvalidPayloadSkipsRetry(t *testing.T) {
	config.MockConfig(webhookConfig("localhost:6379"))

	err := ProcessWebhook(context.Background(), asynq.NewTask(config.DEFAULT_WEBHOOK_QUEUE, []byte("{not json")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

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

package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// executeHook performs a single delivery attempt. Retries belong to the queue.
func (m *redisHookManager) executeHook(ctx context.Context, hook *Hook, payload HookPayload) error {
	client := &http.Client{
		Timeout: time.Duration(hook.Timeout) * time.Second,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	fields := logrus.Fields{
		"hook_id":   hook.ID,
		"hook_name": hook.Name,
		"hook_type": hook.Type,
		"pool_id":   payload.PoolID,
	}
	logrus.WithFields(fields).Info("Executing webhook")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hook-ID", hook.ID)
	req.Header.Set("X-Hook-Type", string(hook.Type))

	resp, err := client.Do(req)
	if err != nil {
		_ = m.updateHookStatus(ctx, hook, false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		_ = m.updateHookStatus(ctx, hook, false)
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		_ = m.updateHookStatus(ctx, hook, false)
		return fmt.Errorf("hook returned status %d: %s", resp.StatusCode, string(body))
	}

	// a 2xx with a JSON body may still report failure
	var hookResp HookResponse
	if len(body) > 0 && json.Valid(body) && json.Unmarshal(body, &hookResp) == nil && !hookResp.Success && hookResp.Message != "" {
		_ = m.updateHookStatus(ctx, hook, false)
		return fmt.Errorf("hook execution failed: %s", hookResp.Message)
	}

	logrus.WithFields(fields).WithField("status_code", resp.StatusCode).Info("Hook executed successfully")
	return m.updateHookStatus(ctx, hook, true)
}

func (m *redisHookManager) updateHookStatus(ctx context.Context, hook *Hook, success bool) error {
	hook.LastRun = time.Now()
	hook.LastSuccess = success

	data, err := json.Marshal(hook)
	if err != nil {
		return fmt.Errorf("failed to marshal hook: %w", err)
	}
	return m.client.Set(ctx, hookKey(hook.ID), data, 0).Err()
}

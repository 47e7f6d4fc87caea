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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/logipool/logipool/internal/apierror"
	"github.com/logipool/logipool/internal/notification"
	"github.com/logipool/logipool/model"
)

const (
	hookKeyPrefix          = "hooks"
	poolReadyKeyPrefix     = "hooks:pool_ready"
	poolCompletedKeyPrefix = "hooks:pool_completed"
)

type redisHookManager struct {
	client redis.UniversalClient
}

// NewHookManager creates a new Redis-based hook manager
func NewHookManager(redisClient redis.UniversalClient) HookManager {
	return &redisHookManager{
		client: redisClient,
	}
}

// RegisterHook registers a new webhook
func (m *redisHookManager) RegisterHook(ctx context.Context, hook *Hook) error {
	if hook.ID == "" {
		hook.ID = model.GenerateUUIDWithSuffix("hook")
	}
	hook.CreatedAt = time.Now()

	if err := validateHook(hook); err != nil {
		return err
	}

	data, err := json.Marshal(hook)
	if err != nil {
		return fmt.Errorf("failed to marshal hook: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, hookKey(hook.ID), data, 0)
	pipe.SAdd(ctx, getTypeKey(hook.Type), hook.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store hook: %w", err)
	}
	return nil
}

// UpdateHook updates an existing webhook
func (m *redisHookManager) UpdateHook(ctx context.Context, hookID string, hook *Hook) error {
	existing, err := m.GetHook(ctx, hookID)
	if err != nil {
		return err
	}

	hook.ID = existing.ID
	hook.CreatedAt = existing.CreatedAt
	hook.LastRun = existing.LastRun
	hook.LastSuccess = existing.LastSuccess
	if err := validateHook(hook); err != nil {
		return err
	}

	data, err := json.Marshal(hook)
	if err != nil {
		return fmt.Errorf("failed to marshal hook: %w", err)
	}

	pipe := m.client.TxPipeline()
	if existing.Type != hook.Type {
		pipe.SRem(ctx, getTypeKey(existing.Type), hookID)
		pipe.SAdd(ctx, getTypeKey(hook.Type), hookID)
	}
	pipe.Set(ctx, hookKey(hookID), data, 0)
	_, err = pipe.Exec(ctx)
	return err
}

// DeleteHook removes a webhook
func (m *redisHookManager) DeleteHook(ctx context.Context, hookID string) error {
	hook, err := m.GetHook(ctx, hookID)
	if err != nil {
		return err
	}

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, hookKey(hookID))
	pipe.SRem(ctx, getTypeKey(hook.Type), hookID)
	_, err = pipe.Exec(ctx)
	return err
}

// GetHook retrieves a webhook by ID
func (m *redisHookManager) GetHook(ctx context.Context, hookID string) (*Hook, error) {
	data, err := m.client.Get(ctx, hookKey(hookID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("hook not found: %s", hookID), nil)
		}
		return nil, err
	}

	var hook Hook
	if err := json.Unmarshal(data, &hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal hook: %w", err)
	}
	return &hook, nil
}

// ListHooks retrieves all hooks of a specific type
func (m *redisHookManager) ListHooks(ctx context.Context, hookType HookType) ([]*Hook, error) {
	hookIDs, err := m.client.SMembers(ctx, getTypeKey(hookType)).Result()
	if err != nil {
		return nil, err
	}

	hooks := make([]*Hook, 0, len(hookIDs))
	for _, id := range hookIDs {
		hook, err := m.GetHook(ctx, id)
		if err != nil {
			continue // Skip failed hooks
		}
		hooks = append(hooks, hook)
	}
	return hooks, nil
}

// ExecuteHooks delivers a pool event to every active hook of hookType. Each
// delivery runs on its own goroutine; failures are reported, never returned.
func (m *redisHookManager) ExecuteHooks(ctx context.Context, hookType HookType, poolID string, data interface{}) error {
	hooks, err := m.ListHooks(ctx, hookType)
	if err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal hook data: %w", err)
	}

	payload := HookPayload{
		PoolID:    poolID,
		HookType:  hookType,
		Timestamp: time.Now(),
		Data:      dataBytes,
	}

	for _, hook := range hooks {
		if !hook.Active {
			continue
		}

		go func(h *Hook) {
			hookCtx, cancel := context.WithTimeout(context.Background(), time.Duration(h.Timeout)*time.Second)
			defer cancel()

			if err := m.executeHook(hookCtx, h, payload); err != nil {
				notification.NotifyError(fmt.Errorf("hook execution failed for hook %s (type: %s): %w", h.ID, h.Type, err))
			}
		}(hook)
	}
	return nil
}

func validateHook(hook *Hook) error {
	if hook.URL == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "hook URL is required", nil)
	}
	if hook.Type != PoolReady && hook.Type != PoolCompleted {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("invalid hook type: %s", hook.Type), nil)
	}
	if hook.Timeout <= 0 {
		hook.Timeout = 30
	}
	if hook.RetryCount < 0 {
		hook.RetryCount = 3
	}
	return nil
}

func hookKey(id string) string {
	return fmt.Sprintf("%s:%s", hookKeyPrefix, id)
}

func getTypeKey(hookType HookType) string {
	switch hookType {
	case PoolReady:
		return poolReadyKeyPrefix
	case PoolCompleted:
		return poolCompletedKeyPrefix
	default:
		return hookKeyPrefix
	}
}

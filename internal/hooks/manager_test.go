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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logipool/logipool/config"
	"github.com/logipool/logipool/internal/apierror"
)

func setupManager(t *testing.T) (*redisHookManager, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	config.MockConfig(&config.Configuration{})

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewHookManager(client).(*redisHookManager), mr.Close
}

func TestRegisterAndListHooks(t *testing.T) {
	m, done := setupManager(t)
	defer done()
	ctx := context.Background()

	ready := &Hook{Name: "dispatch board", URL: "http://example.test/ready", Type: PoolReady, Active: true}
	require.NoError(t, m.RegisterHook(ctx, ready))
	assert.NotEmpty(t, ready.ID)
	assert.Equal(t, 30, ready.Timeout)

	require.NoError(t, m.RegisterHook(ctx, &Hook{URL: "http://example.test/done", Type: PoolCompleted}))

	hooks, err := m.ListHooks(ctx, PoolReady)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, "dispatch board", hooks[0].Name)
}

func TestRegisterHook_Invalid(t *testing.T) {
	m, done := setupManager(t)
	defer done()

	err := m.RegisterHook(context.Background(), &Hook{URL: "http://example.test", Type: "PRE_TRANSACTION"})
	assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))

	err = m.RegisterHook(context.Background(), &Hook{Type: PoolReady})
	assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))
}

func TestUpdateHook_ChangesType(t *testing.T) {
	m, done := setupManager(t)
	defer done()
	ctx := context.Background()

	hook := &Hook{URL: "http://example.test/a", Type: PoolReady}
	require.NoError(t, m.RegisterHook(ctx, hook))

	require.NoError(t, m.UpdateHook(ctx, hook.ID, &Hook{URL: "http://example.test/b", Type: PoolCompleted, Active: true}))

	ready, err := m.ListHooks(ctx, PoolReady)
	require.NoError(t, err)
	assert.Empty(t, ready)

	completed, err := m.ListHooks(ctx, PoolCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "http://example.test/b", completed[0].URL)
}

func TestDeleteHook(t *testing.T) {
	m, done := setupManager(t)
	defer done()
	ctx := context.Background()

	hook := &Hook{URL: "http://example.test/a", Type: PoolReady}
	require.NoError(t, m.RegisterHook(ctx, hook))
	require.NoError(t, m.DeleteHook(ctx, hook.ID))

	_, err := m.GetHook(ctx, hook.ID)
	assert.True(t, apierror.IsNotFound(err))
	assert.True(t, apierror.IsNotFound(m.DeleteHook(ctx, hook.ID)))
}

func TestExecuteHooks_DeliversToActiveHooks(t *testing.T) {
	m, done := setupManager(t)
	defer done()
	ctx := context.Background()

	var calls int32
	var got HookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, string(PoolReady), r.Header.Get("X-Hook-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	active := &Hook{URL: server.URL, Type: PoolReady, Active: true}
	require.NoError(t, m.RegisterHook(ctx, active))
	require.NoError(t, m.RegisterHook(ctx, &Hook{URL: server.URL, Type: PoolReady, Active: false}))

	require.NoError(t, m.ExecuteHooks(ctx, PoolReady, "pool_1", map[string]string{"region": "north"}))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		h, err := m.GetHook(ctx, active.ID)
		return err == nil && h.LastSuccess
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "pool_1", got.PoolID)
}

func TestProcessHookTask_ReportsFailure(t *testing.T) {
	m, done := setupManager(t)
	defer done()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":false,"message":"board offline"}`))
	}))
	defer server.Close()

	hook := &Hook{ID: "hook_1", URL: server.URL, Type: PoolCompleted, Timeout: 5, RetryCount: 2}
	task, err := NewHookTask(hook, HookPayload{PoolID: "pool_1", HookType: PoolCompleted, Timestamp: time.Now()})
	require.NoError(t, err)

	err = m.ProcessHookTask(context.Background(), task)
	assert.EqualError(t, err, "hook execution failed: board offline")
}

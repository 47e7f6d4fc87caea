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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logipool/logipool/config"
	"github.com/logipool/logipool/internal/apierror"
	"github.com/logipool/logipool/model"
)

type recordingHook struct {
	mu    sync.Mutex
	pools []*model.Pool
	err   error
}

func (r *recordingHook) Name() string { return "recording" }

func (r *recordingHook) OnPoolCompleted(_ context.Context, pool *model.Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = append(r.pools, pool)
	return r.err
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

func (m *memoryObjects) PutObject(_ context.Context, key string, body []byte, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
		m.meta = map[string]map[string]string{}
	}
	m.objects[key] = body
	m.meta[key] = metadata
	return nil
}

func (e *testEngine) deliver(t *testing.T, poolID, provider string) *model.Pool {
	t.Helper()
	_, err := e.Accept(context.Background(), poolID, provider)
	require.NoError(t, err)
	p, err := e.Complete(context.Background(), poolID, provider)
	require.NoError(t, err)
	return p
}

func TestComplete_RequiresAssignedProvider(t *testing.T) {
	hook := &recordingHook{}
	e := newTestEngine(t, WithCompletionHooks(hook))
	ctx := context.Background()

	res := e.allocate(t, "WHEAT", "V1", 2500, "f1")
	_, err := e.Complete(ctx, res.PoolID, "driver_1")
	assert.True(t, apierror.IsConflict(err), "a READY pool cannot be completed")

	_, err = e.Accept(ctx, res.PoolID, "driver_1")
	require.NoError(t, err)
	_, err = e.Complete(ctx, res.PoolID, "driver_2")
	assert.True(t, apierror.IsConflict(err))

	p, err := e.Complete(ctx, res.PoolID, "driver_1")
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusCompleted, p.Status)

	_, err = e.Complete(ctx, res.PoolID, "driver_1")
	assert.True(t, apierror.IsConflict(err), "completion happens once")

	e.Wait()
	require.Len(t, hook.pools, 1)
	assert.Equal(t, res.PoolID, hook.pools[0].PoolID)
}

func TestComplete_HookFailureDoesNotFailCompletion(t *testing.T) {
	hook := &recordingHook{err: errors.New("ledger unavailable")}
	e := newTestEngine(t, WithCompletionHooks(hook))

	res := e.allocate(t, "GRAPES", "V2", 2500, "f1")
	p := e.deliver(t, res.PoolID, "driver_1")
	assert.Equal(t, model.PoolStatusCompleted, p.Status)

	e.Wait()
	assert.Len(t, hook.pools, 1)
	stored := e.pool(t, res.PoolID)
	assert.Equal(t, model.PoolStatusCompleted, stored.Status)
}

func TestRewardHook_AccruesPerContributor(t *testing.T) {
	e := newTestEngine(t)
	e.completion = append(e.completion, &RewardHook{Store: e.store, Rule: model.DefaultRewardRule()})

	e.allocate(t, "RICE", "V3", 1500, "f1")
	res := e.allocate(t, "WHEAT", "V3", 1200, "f2")
	first := res.Allocations[0].PoolID
	e.deliver(t, first, "driver_1")
	e.Wait()

	f1, err := e.GetRewardAccount(context.Background(), "f1")
	require.NoError(t, err)
	assert.True(t, f1.DispatchedQuantity.Equal(kg(1500)))
	assert.True(t, f1.RewardQuantity.Equal(kg(10)))

	f2, err := e.GetRewardAccount(context.Background(), "f2")
	require.NoError(t, err)
	assert.True(t, f2.DispatchedQuantity.Equal(kg(1000)))
	assert.True(t, f2.RewardQuantity.Equal(kg(10)))
	assert.Equal(t, int64(1), f2.LastCheckpoint)
}

func TestProvenanceHook_StoresHashedJourney(t *testing.T) {
	e := newTestEngine(t)
	objects := &memoryObjects{}
	e.completion = append(e.completion, &ProvenanceHook{Store: e.store, Objects: objects, KeyPrefix: "journeys"})

	res := e.allocate(t, "ORANGE", "V4", 2500, "f1")
	e.deliver(t, res.PoolID, "driver_1")
	e.Wait()

	key := "journeys/" + res.PoolID + ".json"
	body, ok := objects.objects[key]
	require.True(t, ok)
	sum := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), objects.meta[key]["sha256"])
	assert.Contains(t, string(body), res.PoolID)
	assert.Contains(t, string(body), "driver_1")
}

func TestS3ObjectStore_PutObject(t *testing.T) {
	var gotPath, gotBody, gotHash string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		gotHash = r.Header.Get("X-Amz-Meta-Sha256")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store, err := NewS3ObjectStore(config.ProvenanceConfig{
		S3Endpoint:         server.URL,
		S3Region:           "us-east-1",
		S3BucketName:       "provenance",
		AwsAccessKeyId:     "test",
		AwsSecretAccessKey: "test",
	})
	require.NoError(t, err)

	err = store.PutObject(context.Background(), "journeys/pool_1.json", []byte(`{"pool_id":"pool_1"}`), map[string]string{"sha256": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "/provenance/journeys/pool_1.json", gotPath)
	assert.Equal(t, `{"pool_id":"pool_1"}`, gotBody)
	assert.Equal(t, "abc", gotHash)

	_, err = NewS3ObjectStore(config.ProvenanceConfig{})
	assert.Error(t, err)
}

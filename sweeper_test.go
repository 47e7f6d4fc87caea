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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logipool/logipool/model"
)

func TestSweepOnce_PromotesExpiredPoolOnce(t *testing.T) {
	e := newTestEngine(t)
	sweeper := NewExpirySweeper(e.Logipool, time.Minute, 10)
	ctx := context.Background()

	res := e.allocate(t, "POTATO", "V1", 300, "f1")

	n, err := sweeper.SweepOnce(ctx, e.clock.Now().Add(47*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "pool is not expired yet")

	e.clock.Advance(48 * time.Hour)
	n, err = sweeper.SweepOnce(ctx, e.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p := e.pool(t, res.PoolID)
	assert.Equal(t, model.PoolStatusReady, p.Status)
	assert.Equal(t, model.ReadyReasonExpired, p.ReadyReason)
	assert.True(t, p.AccumulatedQuantity.Equal(kg(300)))
	require.NotNil(t, p.ReadyAt)

	n, err = sweeper.SweepOnce(ctx, e.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	e.Wait()
	events := e.notifier.readyEvents()
	require.Len(t, events, 1)
	assert.Equal(t, res.PoolID, events[0].PoolID)
	assert.Equal(t, model.ReadyReasonExpired, events[0].Reason)
}

func TestSweepOnce_WalksEveryBatch(t *testing.T) {
	e := newTestEngine(t)
	sweeper := NewExpirySweeper(e.Logipool, time.Minute, 2)

	for _, region := range []string{"V1", "V2", "V3", "V4", "V5"} {
		e.allocate(t, "MANGO", region, 100, "f1")
	}

	n, err := sweeper.SweepOnce(context.Background(), testStart.Add(36*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, region := range []string{"V1", "V5"} {
		ready, err := e.GetReadyPools(context.Background(), region, 10)
		require.NoError(t, err)
		assert.Len(t, ready, 1)
	}
}

func TestSweeper_RunStopsWithContext(t *testing.T) {
	e := newTestEngine(t)
	sweeper := NewExpirySweeper(e.Logipool, 10*time.Millisecond, 10)
	e.allocate(t, "SPINACH", "V1", 100, "f1")
	e.clock.Advance(13 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		ready, err := e.GetReadyPools(context.Background(), "V1", 10)
		return err == nil && len(ready) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

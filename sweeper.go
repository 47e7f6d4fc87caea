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
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/logipool/logipool/model"
)

// ExpirySweeper promotes OPEN pools whose deadline passed, so a low-volume
// pool is never stranded.
type ExpirySweeper struct {
	engine    *Logipool
	interval  time.Duration
	batchSize int
}

func NewExpirySweeper(l *Logipool, interval time.Duration, batchSize int) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ExpirySweeper{engine: l, interval: interval, batchSize: batchSize}
}

// Run sweeps on every tick until ctx is done.
func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logrus.Infof("expiry sweeper started, interval %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			logrus.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx, s.engine.now())
			if err != nil {
				logrus.Errorf("expiry sweep failed: %v", err)
				continue
			}
			if n > 0 {
				logrus.Infof("expiry sweep promoted %d pools", n)
			}
		}
	}
}

// SweepOnce promotes every OPEN pool expired as of now through the same
// readiness path as allocation and returns how many it promoted. Pools another
// caller already promoted are skipped.
func (s *ExpirySweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "SweepExpiredPools")
	defer span.End()

	l := s.engine
	promoted := 0
	for {
		pools, err := l.datasource.GetExpiredOpenPools(ctx, now, s.batchSize)
		if err != nil {
			return promoted, logAndRecordError(span, "failed to list expired pools", err)
		}
		for _, pool := range pools {
			contributions, err := l.datasource.GetPoolContributions(ctx, pool.PoolID)
			if err != nil {
				return promoted, logAndRecordError(span, "failed to load pool contributions", err)
			}
			avg, anyCritical := model.AggregateDegradation(contributions, now, l.policy)
			class := l.policy.Classify(avg, anyCritical)
			ceiling, err := l.policy.Ceiling(class)
			if err != nil {
				return promoted, logAndRecordError(span, "failed to resolve capacity ceiling", err)
			}
			reason, _ := readiness(pool, ceiling, anyCritical, now)

			ok, err := l.promotePool(ctx, pool, class, reason, now)
			if err != nil {
				return promoted, logAndRecordError(span, "failed to mark pool ready", err)
			}
			if ok {
				promoted++
			}
		}
		if len(pools) < s.batchSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("pools.promoted", promoted))
	return promoted, nil
}

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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/logipool/logipool/internal/apierror"
	"github.com/logipool/logipool/internal/notification"
	"github.com/logipool/logipool/model"
)

const acceptScanLimit = 50

func poolCacheKey(id string) string {
	return fmt.Sprintf("pool:%s", id)
}

// promotePool moves an OPEN pool to READY with the given class frozen. It
// reports false when another caller already moved the pool; only the winner
// notifies.
func (l *Logipool) promotePool(ctx context.Context, pool *model.Pool, class model.CapacityClass, reason model.ReadyReason, now time.Time) (bool, error) {
	ceiling, err := l.policy.Ceiling(class)
	if err != nil {
		return false, err
	}
	ready, err := l.datasource.MarkPoolReady(ctx, pool.PoolID, class, ceiling, reason, now)
	if err != nil {
		if apierror.IsConflict(err) {
			return false, nil
		}
		return false, err
	}

	l.metrics.RecordTransition(string(model.PoolStatusReady), string(reason))
	logrus.WithFields(logrus.Fields{
		"pool_id":  ready.PoolID,
		"category": ready.Category,
		"region":   ready.Region,
		"class":    ready.CapacityClass,
		"reason":   reason,
	}).Info("pool ready")
	l.notifyReady(ctx, ready)
	return true, nil
}

// notifyReady fans the readiness events out in the background. Failures are
// reported and never affect the transition.
func (l *Logipool) notifyReady(ctx context.Context, pool *model.Pool) {
	ctx = context.WithoutCancel(ctx)
	l.goAsync("notify-ready", func() {
		providers, err := l.datasource.GetAvailableProviders(ctx, pool.Region)
		if err != nil {
			logrus.WithField("region", pool.Region).Warnf("failed to list available providers: %v", err)
		}
		if err := l.notifier.OnPoolReady(ctx, NewPoolReadyEvent(pool, providers)); err != nil {
			notification.NotifyError(fmt.Errorf("pool ready notification for %s: %w", pool.PoolID, err))
		}
		if err := l.notifier.OnBatchAwaitingProvider(ctx, NewBatchFullEvent(pool)); err != nil {
			notification.NotifyError(fmt.Errorf("awaiting provider notification for %s: %w", pool.PoolID, err))
		}
	})
}

// Accept assigns a READY pool to a provider. Of concurrent callers exactly one
// wins; the others get a conflict.
func (l *Logipool) Accept(ctx context.Context, poolID, providerID string) (*model.Pool, error) {
	ctx, span := tracer.Start(ctx, "Accept")
	defer span.End()
	span.SetAttributes(attribute.String("pool.id", poolID), attribute.String("provider.id", providerID))

	if providerID == "" {
		return nil, invalidInput(ErrMissingProvider)
	}
	pool, err := l.datasource.AssignPool(ctx, poolID, providerID, l.now())
	if err != nil {
		span.RecordError(err)
		if apierror.IsConflict(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "pool is no longer available", err)
		}
		return nil, err
	}

	l.metrics.RecordTransition(string(model.PoolStatusAssigned), "")
	l.setProviderAvailability(ctx, providerID, false)
	logrus.WithFields(logrus.Fields{"pool_id": poolID, "provider_id": providerID}).Info("pool assigned")
	return pool, nil
}

// AcceptNext assigns the provider the READY pool of its region with the
// soonest deadline that it manages to win.
func (l *Logipool) AcceptNext(ctx context.Context, providerID, region string) (*model.Pool, error) {
	ctx, span := tracer.Start(ctx, "AcceptNext")
	defer span.End()

	region = model.NormalizeRegion(region)
	pools, err := l.datasource.GetReadyPoolsByRegion(ctx, region, acceptScanLimit)
	if err != nil {
		return nil, logAndRecordError(span, "failed to list ready pools", err)
	}
	for _, p := range pools {
		pool, err := l.Accept(ctx, p.PoolID, providerID)
		if err == nil {
			return pool, nil
		}
		if !apierror.IsConflict(err) {
			return nil, err
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no ready pool available in region '%s'", region), nil)
}

// Complete marks an ASSIGNED pool delivered by its provider and fires the
// completion hooks in the background.
func (l *Logipool) Complete(ctx context.Context, poolID, providerID string) (*model.Pool, error) {
	ctx, span := tracer.Start(ctx, "Complete")
	defer span.End()
	span.SetAttributes(attribute.String("pool.id", poolID), attribute.String("provider.id", providerID))

	if providerID == "" {
		return nil, invalidInput(ErrMissingProvider)
	}
	pool, err := l.datasource.CompletePool(ctx, poolID, providerID, l.now())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	l.metrics.RecordTransition(string(model.PoolStatusCompleted), "")
	l.setProviderAvailability(ctx, providerID, true)
	if l.cache != nil {
		if err := l.cache.Set(ctx, poolCacheKey(pool.PoolID), pool, completedPoolTTL); err != nil {
			logrus.Warnf("failed to cache completed pool %s: %v", pool.PoolID, err)
		}
	}
	l.runCompletionHooks(ctx, pool)
	logrus.WithFields(logrus.Fields{"pool_id": poolID, "provider_id": providerID}).Info("pool completed")
	return pool, nil
}

func (l *Logipool) runCompletionHooks(ctx context.Context, pool *model.Pool) {
	ctx = context.WithoutCancel(ctx)
	for _, hook := range l.completion {
		hook := hook
		snapshot := pool.Clone()
		l.goAsync("completion:"+hook.Name(), func() {
			if err := hook.OnPoolCompleted(ctx, snapshot); err != nil {
				notification.NotifyError(fmt.Errorf("completion hook %s for pool %s: %w", hook.Name(), snapshot.PoolID, err))
			}
		})
	}
}

func (l *Logipool) setProviderAvailability(ctx context.Context, providerID string, available bool) {
	err := l.datasource.SetProviderAvailability(ctx, providerID, available)
	if err == nil {
		return
	}
	if apierror.IsNotFound(err) {
		logrus.Debugf("provider %s is not registered", providerID)
		return
	}
	logrus.Warnf("failed to update availability of provider %s: %v", providerID, err)
}

// GetPool returns a pool with its attributions. Completed pools never change
// and are served from the cache when one is configured.
func (l *Logipool) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	ctx, span := tracer.Start(ctx, "GetPool")
	defer span.End()

	if l.cache != nil {
		var cached model.Pool
		found, err := l.cache.Get(ctx, poolCacheKey(id), &cached)
		if err != nil {
			logrus.Warnf("pool cache lookup failed: %v", err)
		} else if found {
			return &cached, nil
		}
	}

	pool, err := l.datasource.GetPoolByID(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if l.cache != nil && pool.Status == model.PoolStatusCompleted {
		if err := l.cache.Set(ctx, poolCacheKey(id), pool, completedPoolTTL); err != nil {
			logrus.Warnf("failed to cache completed pool %s: %v", id, err)
		}
	}
	return pool, nil
}

// GetContribution returns a stored contribution.
func (l *Logipool) GetContribution(ctx context.Context, id string) (*model.Contribution, error) {
	return l.datasource.GetContribution(ctx, id)
}

// GetReadyPools lists the READY pools of a region, soonest deadline first.
func (l *Logipool) GetReadyPools(ctx context.Context, region string, limit int) ([]*model.Pool, error) {
	if limit <= 0 || limit > acceptScanLimit {
		limit = acceptScanLimit
	}
	return l.datasource.GetReadyPoolsByRegion(ctx, model.NormalizeRegion(region), limit)
}

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
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/logipool/logipool/internal/hooks"
	"github.com/logipool/logipool/model"
)

const (
	EventPoolReady            = "pool.ready"
	EventPoolAwaitingProvider = "pool.awaiting_provider"
)

// PoolReadyEvent is sent to transport providers when a pool is released.
type PoolReadyEvent struct {
	PoolID              string              `json:"pool_id"`
	Category            model.Category      `json:"category"`
	Region              string              `json:"region"`
	ItemTypes           []string            `json:"item_types"`
	AccumulatedQuantity decimal.Decimal     `json:"accumulated_quantity"`
	CapacityClass       model.CapacityClass `json:"capacity_class"`
	Reason              model.ReadyReason   `json:"reason"`
	Deadline            time.Time           `json:"deadline"`
	Providers           []model.Provider    `json:"providers"`
}

// BatchFullEvent tells the pool's contributors their produce awaits a provider.
type BatchFullEvent struct {
	PoolID              string          `json:"pool_id"`
	Category            model.Category  `json:"category"`
	Region              string          `json:"region"`
	AccumulatedQuantity decimal.Decimal `json:"accumulated_quantity"`
	Contributors        []string        `json:"contributors"`
}

func NewPoolReadyEvent(pool *model.Pool, providers []model.Provider) PoolReadyEvent {
	if providers == nil {
		providers = []model.Provider{}
	}
	return PoolReadyEvent{
		PoolID:              pool.PoolID,
		Category:            pool.Category,
		Region:              pool.Region,
		ItemTypes:           append([]string(nil), pool.ItemTypes...),
		AccumulatedQuantity: pool.AccumulatedQuantity,
		CapacityClass:       pool.CapacityClass,
		Reason:              pool.ReadyReason,
		Deadline:            pool.Deadline,
		Providers:           providers,
	}
}

func NewBatchFullEvent(pool *model.Pool) BatchFullEvent {
	return BatchFullEvent{
		PoolID:              pool.PoolID,
		Category:            pool.Category,
		Region:              pool.Region,
		AccumulatedQuantity: pool.AccumulatedQuantity,
		Contributors:        pool.Contributors(),
	}
}

// Notifier receives readiness events after the READY transition committed.
// Implementations may block; the engine always calls them in the background
// and only logs their errors.
type Notifier interface {
	OnPoolReady(ctx context.Context, event PoolReadyEvent) error
	OnBatchAwaitingProvider(ctx context.Context, event BatchFullEvent) error
}

// LogNotifier writes events to the log.
type LogNotifier struct{}

func (LogNotifier) OnPoolReady(_ context.Context, e PoolReadyEvent) error {
	logrus.WithFields(logrus.Fields{
		"pool_id":   e.PoolID,
		"category":  e.Category,
		"region":    e.Region,
		"quantity":  e.AccumulatedQuantity.String(),
		"class":     e.CapacityClass,
		"providers": len(e.Providers),
	}).Info("pool ready for pickup")
	return nil
}

func (LogNotifier) OnBatchAwaitingProvider(_ context.Context, e BatchFullEvent) error {
	logrus.WithFields(logrus.Fields{
		"pool_id":      e.PoolID,
		"region":       e.Region,
		"contributors": e.Contributors,
	}).Info("batch full, awaiting provider")
	return nil
}

// WebhookNotifier enqueues events for delivery to the configured webhook URL.
type WebhookNotifier struct {
	Queue *Queue
}

func (w *WebhookNotifier) OnPoolReady(ctx context.Context, e PoolReadyEvent) error {
	return w.Queue.SendWebhook(ctx, NewWebhook{Event: EventPoolReady, Payload: e}, e.PoolID)
}

func (w *WebhookNotifier) OnBatchAwaitingProvider(ctx context.Context, e BatchFullEvent) error {
	return w.Queue.SendWebhook(ctx, NewWebhook{Event: EventPoolAwaitingProvider, Payload: e}, e.PoolID)
}

// HookNotifier forwards pool events to externally registered hooks.
type HookNotifier struct {
	Manager hooks.HookManager
}

func (h HookNotifier) OnPoolReady(ctx context.Context, e PoolReadyEvent) error {
	return h.Manager.ExecuteHooks(ctx, hooks.PoolReady, e.PoolID, e)
}

// OnBatchAwaitingProvider is a no-op; external hooks subscribe to POOL_READY.
func (h HookNotifier) OnBatchAwaitingProvider(context.Context, BatchFullEvent) error {
	return nil
}

func (h HookNotifier) Name() string { return "external-hooks" }

func (h HookNotifier) OnPoolCompleted(ctx context.Context, pool *model.Pool) error {
	return h.Manager.ExecuteHooks(ctx, hooks.PoolCompleted, pool.PoolID, pool)
}

// MultiNotifier calls every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) OnPoolReady(ctx context.Context, e PoolReadyEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.OnPoolReady(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiNotifier) OnBatchAwaitingProvider(ctx context.Context, e BatchFullEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.OnBatchAwaitingProvider(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

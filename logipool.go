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
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/logipool/logipool/config"
	"github.com/logipool/logipool/database"
	"github.com/logipool/logipool/internal/cache"
	"github.com/logipool/logipool/internal/hooks"
	"github.com/logipool/logipool/internal/metrics"
	redis_db "github.com/logipool/logipool/internal/redis-db"
	"github.com/logipool/logipool/model"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

const (
	defaultMaxConflicts = 8
	completedPoolTTL    = 24 * time.Hour
)

// Logipool is the pooling and dispatch-admission engine. Category rules and
// the capacity policy are immutable values injected at construction.
type Logipool struct {
	datasource database.IDataSource
	registry   *model.CategoryRegistry
	policy     *model.CapacityPolicy
	notifier   Notifier
	completion []CompletionHook
	hooks      hooks.HookManager
	queue      *Queue
	redis      redis.UniversalClient
	cache      cache.Cache
	metrics    *metrics.PoolMetrics
	now        func() time.Time

	lockTimeout  time.Duration
	lockWait     time.Duration
	maxConflicts int

	wg sync.WaitGroup
}

// Option configures optional collaborators of the engine.
type Option func(*Logipool)

// WithNotifier replaces the default log-only notifier.
func WithNotifier(n Notifier) Option {
	return func(l *Logipool) { l.notifier = n }
}

// WithCompletionHooks appends hooks fired after a pool is completed.
func WithCompletionHooks(h ...CompletionHook) Option {
	return func(l *Logipool) { l.completion = append(l.completion, h...) }
}

// WithHookManager exposes externally registered hooks through the engine.
func WithHookManager(m hooks.HookManager) Option {
	return func(l *Logipool) { l.hooks = m }
}

// WithQueue sets the task queue used for webhook delivery.
func WithQueue(q *Queue) Option {
	return func(l *Logipool) { l.queue = q }
}

// WithRedis enables the per (category, region) allocation lock.
func WithRedis(client redis.UniversalClient, lockTimeout, lockWait time.Duration) Option {
	return func(l *Logipool) {
		l.redis = client
		l.lockTimeout = lockTimeout
		l.lockWait = lockWait
	}
}

// WithCache caches completed pools.
func WithCache(c cache.Cache) Option {
	return func(l *Logipool) { l.cache = c }
}

func WithMetrics(m *metrics.PoolMetrics) Option {
	return func(l *Logipool) { l.metrics = m }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logipool) { l.now = now }
}

// WithMaxConflicts bounds how many lost capacity races one allocation absorbs
// before returning a transient error.
func WithMaxConflicts(n int) Option {
	return func(l *Logipool) {
		if n > 0 {
			l.maxConflicts = n
		}
	}
}

// New builds an engine over ds with the given category rules and capacity policy.
func New(ds database.IDataSource, registry *model.CategoryRegistry, policy *model.CapacityPolicy, opts ...Option) (*Logipool, error) {
	if ds == nil {
		return nil, errors.New("datasource is required")
	}
	if registry == nil || policy == nil {
		return nil, errors.New("category registry and capacity policy are required")
	}
	l := &Logipool{
		datasource:   ds,
		registry:     registry,
		policy:       policy,
		notifier:     LogNotifier{},
		now:          func() time.Time { return time.Now().UTC() },
		maxConflicts: defaultMaxConflicts,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// NewLogipool initializes an engine from the stored configuration. It connects
// to Redis for the allocation lock, the hook manager, the pool cache and the
// webhook queue, and wires the completion hooks that are enabled.
func NewLogipool(db database.IDataSource) (*Logipool, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	registry, err := cfg.Pooling.ToRegistry()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Pooling.ToPolicy()
	if err != nil {
		return nil, err
	}

	redisClient, err := redis_db.NewRedisClient(redis_db.SplitAddresses(cfg.Redis.Dns), cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	hookManager := hooks.NewHookManager(redisClient.Client())
	queue, err := NewQueue(cfg)
	if err != nil {
		return nil, err
	}
	poolMetrics, err := metrics.NewPoolMetrics()
	if err != nil {
		return nil, err
	}
	externalHooks := HookNotifier{Manager: hookManager}

	opts := []Option{
		WithRedis(redisClient.Client(), time.Duration(cfg.Pooling.LockTimeoutSec)*time.Second, time.Duration(cfg.Pooling.LockWaitSec)*time.Second),
		WithHookManager(hookManager),
		WithQueue(queue),
		WithCache(cache.NewRedisCache(redisClient.Client())),
		WithMetrics(poolMetrics),
		WithMaxConflicts(cfg.Pooling.MaxAllocationConflicts),
		WithNotifier(MultiNotifier{LogNotifier{}, &WebhookNotifier{Queue: queue}, externalHooks}),
		WithCompletionHooks(externalHooks),
	}
	if cfg.Rewards.Enabled {
		opts = append(opts, WithCompletionHooks(&RewardHook{Store: db, Rule: cfg.Rewards.ToRewardRule()}))
	}
	if cfg.Provenance.Enabled {
		store, err := NewS3ObjectStore(cfg.Provenance)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithCompletionHooks(&ProvenanceHook{Store: db, Objects: store, KeyPrefix: cfg.Provenance.KeyPrefix}))
	}
	return New(db, registry, policy, opts...)
}

// Hooks returns the external hook manager, or nil when none is configured.
func (l *Logipool) Hooks() hooks.HookManager {
	return l.hooks
}

// Registry returns the category rules the engine was built with.
func (l *Logipool) Registry() *model.CategoryRegistry {
	return l.registry
}

// Wait blocks until every notification and completion hook started so far has returned.
func (l *Logipool) Wait() {
	l.wg.Wait()
}

// Close waits for background work and releases the queue client.
func (l *Logipool) Close() error {
	l.Wait()
	if l.queue != nil {
		return l.queue.Close()
	}
	return nil
}

// goAsync runs fn in a tracked goroutine. A panic is logged and never
// reaches the caller of the transition that triggered it.
func (l *Logipool) goAsync(name string, fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("task", name).Errorf("recovered from panic: %v", r)
			}
		}()
		fn()
	}()
}

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

package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/logipool/logipool/internal/apierror"
	"github.com/logipool/logipool/model"
)

type openKey struct {
	category model.Category
	region   string
}

// MemoryDatasource is an IDataSource kept in process memory. Every method holds
// one mutex for its whole read-modify-write, which gives the same atomicity as
// the guarded statements of the Postgres store. Records are cloned on the way
// in and out.
type MemoryDatasource struct {
	mu            sync.Mutex
	contributions map[string]*model.Contribution
	attributed    map[string]decimal.Decimal
	pools         map[string]*model.Pool
	open          map[openKey]string
	providers     map[string]*model.Provider
	rewards       map[string]*model.RewardAccount
	now           func() time.Time
}

// NewMemoryDataSource returns an empty in-memory store.
func NewMemoryDataSource() *MemoryDatasource {
	return &MemoryDatasource{
		contributions: make(map[string]*model.Contribution),
		attributed:    make(map[string]decimal.Decimal),
		pools:         make(map[string]*model.Pool),
		open:          make(map[openKey]string),
		providers:     make(map[string]*model.Provider),
		rewards:       make(map[string]*model.RewardAccount),
		now:           time.Now,
	}
}

func (m *MemoryDatasource) CreateContribution(_ context.Context, c *model.Contribution) (*model.Contribution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.contributions[c.ContributionID]; ok {
		stored := *existing
		return &stored, false, nil
	}
	stored := *c
	m.contributions[c.ContributionID] = &stored
	out := stored
	return &out, true, nil
}

func (m *MemoryDatasource) GetContribution(_ context.Context, id string) (*model.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contributions[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("contribution with ID '%s' not found", id), nil)
	}
	out := *c
	return &out, nil
}

func (m *MemoryDatasource) GetAttributedQuantity(_ context.Context, contributionID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attributed[contributionID], nil
}

func (m *MemoryDatasource) GetOpenPool(_ context.Context, category model.Category, region string) (*model.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.open[openKey{category, region}]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no open pool for %s in %s", category, region), nil)
	}
	return m.pools[id].Clone(), nil
}

func (m *MemoryDatasource) CreatePool(_ context.Context, p *model.Pool) (*model.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := openKey{p.Category, p.Region}
	if _, ok := m.open[key]; ok {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("an open pool for %s in %s already exists", p.Category, p.Region), nil)
	}
	if _, ok := m.pools[p.PoolID]; ok {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("pool with ID '%s' already exists", p.PoolID), nil)
	}
	stored := p.Clone()
	m.pools[p.PoolID] = stored
	if stored.Status == model.PoolStatusOpen {
		m.open[key] = p.PoolID
	}
	return stored.Clone(), nil
}

func (m *MemoryDatasource) AddToPool(_ context.Context, poolID, itemType string, attribution model.Attribution, ceiling decimal.Decimal) (*model.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("pool with ID '%s' not found", poolID), nil)
	}
	if c, ok := m.contributions[attribution.ContributionID]; ok && m.attributed[attribution.ContributionID].Add(attribution.Amount).GreaterThan(c.Quantity) {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("contribution with ID '%s' cannot attribute %s beyond its quantity", attribution.ContributionID, attribution.Amount), nil)
	}
	if p.Status != model.PoolStatusOpen || p.AccumulatedQuantity.Add(attribution.Amount).GreaterThan(ceiling) {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("pool with ID '%s' is no longer open or lacks capacity for %s", poolID, attribution.Amount), nil)
	}

	p.AccumulatedQuantity = p.AccumulatedQuantity.Add(attribution.Amount)
	p.AddItemType(itemType)
	p.Attributions = append(p.Attributions, attribution)
	m.attributed[attribution.ContributionID] = m.attributed[attribution.ContributionID].Add(attribution.Amount)
	if c, ok := m.contributions[attribution.ContributionID]; ok {
		c.PoolID = poolID
	}
	return p.Clone(), nil
}

func (m *MemoryDatasource) MarkPoolReady(_ context.Context, poolID string, class model.CapacityClass, ceiling decimal.Decimal, reason model.ReadyReason, at time.Time) (*model.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.transition(poolID, model.PoolStatusOpen)
	if err != nil {
		return nil, err
	}
	p.Status = model.PoolStatusReady
	p.CapacityClass = class
	p.CapacityCeiling = ceiling
	p.ReadyReason = reason
	p.ReadyAt = &at
	delete(m.open, openKey{p.Category, p.Region})
	return p.Clone(), nil
}

func (m *MemoryDatasource) AssignPool(_ context.Context, poolID, providerID string, at time.Time) (*model.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.transition(poolID, model.PoolStatusReady)
	if err != nil {
		return nil, err
	}
	p.Status = model.PoolStatusAssigned
	p.ProviderID = providerID
	p.AssignedAt = &at
	return p.Clone(), nil
}

func (m *MemoryDatasource) CompletePool(_ context.Context, poolID, providerID string, at time.Time) (*model.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.transition(poolID, model.PoolStatusAssigned)
	if err != nil {
		return nil, err
	}
	if p.ProviderID != providerID {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("pool with ID '%s' is assigned to another provider", poolID), nil)
	}
	p.Status = model.PoolStatusCompleted
	p.CompletedAt = &at
	return p.Clone(), nil
}

// transition returns the stored pool when it is in the expected status. Callers hold mu.
func (m *MemoryDatasource) transition(poolID string, expected model.PoolStatus) (*model.Pool, error) {
	p, ok := m.pools[poolID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("pool with ID '%s' not found", poolID), nil)
	}
	if p.Status != expected {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("pool with ID '%s' is %s, expected %s", poolID, p.Status, expected), nil)
	}
	return p, nil
}

func (m *MemoryDatasource) GetPoolByID(_ context.Context, id string) (*model.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("pool with ID '%s' not found", id), nil)
	}
	return p.Clone(), nil
}

func (m *MemoryDatasource) GetReadyPoolsByRegion(_ context.Context, region string, limit int) ([]*model.Pool, error) {
	return m.selectPools(limit, func(p *model.Pool) bool {
		return p.Status == model.PoolStatusReady && p.Region == region
	}), nil
}

func (m *MemoryDatasource) GetExpiredOpenPools(_ context.Context, now time.Time, limit int) ([]*model.Pool, error) {
	return m.selectPools(limit, func(p *model.Pool) bool {
		return p.Status == model.PoolStatusOpen && p.IsExpired(now)
	}), nil
}

// selectPools returns matching pools ordered by deadline, then creation time.
func (m *MemoryDatasource) selectPools(limit int, match func(*model.Pool) bool) []*model.Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Pool
	for _, p := range m.pools {
		if match(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryDatasource) GetPoolContributions(_ context.Context, poolID string) ([]model.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolID]
	if !ok {
		return nil, nil
	}
	seen := make(map[string]bool)
	var out []model.Contribution
	for _, a := range p.Attributions {
		if seen[a.ContributionID] {
			continue
		}
		seen[a.ContributionID] = true
		if c, ok := m.contributions[a.ContributionID]; ok {
			out = append(out, *c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryDatasource) RegisterProvider(_ context.Context, p *model.Provider) (*model.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[p.ProviderID]; ok {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("provider with ID '%s' already exists", p.ProviderID), nil)
	}
	stored := *p
	m.providers[p.ProviderID] = &stored
	out := stored
	return &out, nil
}

func (m *MemoryDatasource) GetProvider(_ context.Context, id string) (*model.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("provider with ID '%s' not found", id), nil)
	}
	out := *p
	return &out, nil
}

func (m *MemoryDatasource) GetAvailableProviders(_ context.Context, region string) ([]model.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Provider
	for _, p := range m.providers {
		if p.Available && p.Region == region {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

func (m *MemoryDatasource) SetProviderAvailability(_ context.Context, id string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[id]
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("provider with ID '%s' not found", id), nil)
	}
	p.Available = available
	return nil
}

func (m *MemoryDatasource) AccrueReward(_ context.Context, contributorID string, amount decimal.Decimal, rule model.RewardRule) (*model.RewardAccount, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.rewards[contributorID]
	if !ok {
		account = &model.RewardAccount{ContributorID: contributorID}
		m.rewards[contributorID] = account
	}
	granted := account.Accrue(amount, rule)
	account.UpdatedAt = m.now().UTC()
	out := *account
	return &out, granted, nil
}

func (m *MemoryDatasource) GetRewardAccount(_ context.Context, contributorID string) (*model.RewardAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.rewards[contributorID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("reward account for '%s' not found", contributorID), nil)
	}
	out := *account
	return &out, nil
}

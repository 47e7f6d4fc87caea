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
package mocks

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/logipool/logipool/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

func poolOrNil(v interface{}) *model.Pool {
	if v == nil {
		return nil
	}
	return v.(*model.Pool)
}

// Contribution methods

func (m *MockDataSource) CreateContribution(ctx context.Context, c *model.Contribution) (*model.Contribution, bool, error) {
	args := m.Called(ctx, c)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.Contribution), args.Bool(1), args.Error(2)
}

func (m *MockDataSource) GetContribution(ctx context.Context, id string) (*model.Contribution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Contribution), args.Error(1)
}

func (m *MockDataSource) GetAttributedQuantity(ctx context.Context, contributionID string) (decimal.Decimal, error) {
	args := m.Called(ctx, contributionID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

// Pool methods

func (m *MockDataSource) GetOpenPool(ctx context.Context, category model.Category, region string) (*model.Pool, error) {
	args := m.Called(ctx, category, region)
	return poolOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) CreatePool(ctx context.Context, p *model.Pool) (*model.Pool, error) {
	args := m.Called(ctx, p)
	return poolOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) AddToPool(ctx context.Context, poolID, itemType string, attribution model.Attribution, ceiling decimal.Decimal) (*model.Pool, error) {
	args := m.Called(ctx, poolID, itemType, attribution, ceiling)
	return poolOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) MarkPoolReady(ctx context.Context, poolID string, class model.CapacityClass, ceiling decimal.Decimal, reason model.ReadyReason, at time.Time) (*model.Pool, error) {
	args := m.Called(ctx, poolID, class, ceiling, reason, at)
	return poolOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) AssignPool(ctx context.Context, poolID, providerID string, at time.Time) (*model.Pool, error) {
	args := m.Called(ctx, poolID, providerID, at)
	return poolOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) CompletePool(ctx context.Context, poolID, providerID string, at time.Time) (*model.Pool, error) {
	args := m.Called(ctx, poolID, providerID, at)
	return poolOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) GetPoolByID(ctx context.Context, id string) (*model.Pool, error) {
	args := m.Called(ctx, id)
	return poolOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) GetReadyPoolsByRegion(ctx context.Context, region string, limit int) ([]*model.Pool, error) {
	args := m.Called(ctx, region, limit)
	return args.Get(0).([]*model.Pool), args.Error(1)
}

func (m *MockDataSource) GetExpiredOpenPools(ctx context.Context, now time.Time, limit int) ([]*model.Pool, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]*model.Pool), args.Error(1)
}

func (m *MockDataSource) GetPoolContributions(ctx context.Context, poolID string) ([]model.Contribution, error) {
	args := m.Called(ctx, poolID)
	return args.Get(0).([]model.Contribution), args.Error(1)
}

// Provider methods

func (m *MockDataSource) RegisterProvider(ctx context.Context, p *model.Provider) (*model.Provider, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Provider), args.Error(1)
}

func (m *MockDataSource) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Provider), args.Error(1)
}

func (m *MockDataSource) GetAvailableProviders(ctx context.Context, region string) ([]model.Provider, error) {
	args := m.Called(ctx, region)
	return args.Get(0).([]model.Provider), args.Error(1)
}

func (m *MockDataSource) SetProviderAvailability(ctx context.Context, id string, available bool) error {
	args := m.Called(ctx, id, available)
	return args.Error(0)
}

// Reward methods

func (m *MockDataSource) AccrueReward(ctx context.Context, contributorID string, amount decimal.Decimal, rule model.RewardRule) (*model.RewardAccount, decimal.Decimal, error) {
	args := m.Called(ctx, contributorID, amount, rule)
	if args.Get(0) == nil {
		return nil, decimal.Zero, args.Error(2)
	}
	return args.Get(0).(*model.RewardAccount), args.Get(1).(decimal.Decimal), args.Error(2)
}

func (m *MockDataSource) GetRewardAccount(ctx context.Context, contributorID string) (*model.RewardAccount, error) {
	args := m.Called(ctx, contributorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RewardAccount), args.Error(1)
}

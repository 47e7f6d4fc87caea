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
	"time"

	"github.com/shopspring/decimal"

	"github.com/logipool/logipool/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
// Every write that the pooling engine relies on for correctness is guarded inside the store:
// callers never hold a pool record between a read and a later write.
type IDataSource interface {
	contribution // Interface for contribution-related operations
	pool         // Interface for pool-related operations
	provider     // Interface for provider-related operations
	reward       // Interface for reward accrual operations
}

// contribution defines methods for handling contribution records.
type contribution interface {
	CreateContribution(ctx context.Context, c *model.Contribution) (*model.Contribution, bool, error) // Inserts a contribution; returns the stored record and false if the id already existed
	GetContribution(ctx context.Context, id string) (*model.Contribution, error)                       // Retrieves a contribution by ID
	GetAttributedQuantity(ctx context.Context, contributionID string) (decimal.Decimal, error)          // Sums the contribution's attributions across all pools
}

// pool defines methods for handling pools and their guarded transitions.
type pool interface {
	GetOpenPool(ctx context.Context, category model.Category, region string) (*model.Pool, error)                                          // Retrieves the OPEN pool for (category, region)
	CreatePool(ctx context.Context, p *model.Pool) (*model.Pool, error)                                                                    // Creates an OPEN pool; conflicts if one already exists
	AddToPool(ctx context.Context, poolID, itemType string, attribution model.Attribution, ceiling decimal.Decimal) (*model.Pool, error)    // Atomically increments quantity, merges item type and appends the attribution
	MarkPoolReady(ctx context.Context, poolID string, class model.CapacityClass, ceiling decimal.Decimal, reason model.ReadyReason, at time.Time) (*model.Pool, error) // OPEN -> READY, freezing the class
	AssignPool(ctx context.Context, poolID, providerID string, at time.Time) (*model.Pool, error)                                          // READY -> ASSIGNED
	CompletePool(ctx context.Context, poolID, providerID string, at time.Time) (*model.Pool, error)                                        // ASSIGNED -> COMPLETED for the assigned provider
	GetPoolByID(ctx context.Context, id string) (*model.Pool, error)                                                                       // Retrieves a pool with its attributions
	GetReadyPoolsByRegion(ctx context.Context, region string, limit int) ([]*model.Pool, error)                                            // READY pools in a region, soonest deadline first
	GetExpiredOpenPools(ctx context.Context, now time.Time, limit int) ([]*model.Pool, error)                                              // OPEN pools whose deadline has passed
	GetPoolContributions(ctx context.Context, poolID string) ([]model.Contribution, error)                                                 // Contributions with at least one attribution in the pool
}

// provider defines methods for handling transport providers.
type provider interface {
	RegisterProvider(ctx context.Context, p *model.Provider) (*model.Provider, error)  // Registers a provider
	GetProvider(ctx context.Context, id string) (*model.Provider, error)                // Retrieves a provider by ID
	GetAvailableProviders(ctx context.Context, region string) ([]model.Provider, error) // Lists available providers in a region
	SetProviderAvailability(ctx context.Context, id string, available bool) error       // Marks a provider available or busy
}

// reward defines methods for contributor reward accounts.
type reward interface {
	AccrueReward(ctx context.Context, contributorID string, amount decimal.Decimal, rule model.RewardRule) (*model.RewardAccount, decimal.Decimal, error) // Adds dispatched quantity and returns the newly granted reward
	GetRewardAccount(ctx context.Context, contributorID string) (*model.RewardAccount, error)                                                           // Retrieves a contributor's reward account
}

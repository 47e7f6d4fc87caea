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
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/logipool/logipool/database"
	"github.com/logipool/logipool/model"
)

// CompletionHook runs after a pool reached COMPLETED. It receives its own copy
// of the pool, runs in the background and cannot fail the completion.
type CompletionHook interface {
	Name() string
	OnPoolCompleted(ctx context.Context, pool *model.Pool) error
}

// RewardHook credits each contributor with the quantity they had in the
// delivered pool and grants reward kilograms at every crossed checkpoint.
type RewardHook struct {
	Store database.IDataSource
	Rule  model.RewardRule
}

func (r *RewardHook) Name() string { return "rewards" }

func (r *RewardHook) OnPoolCompleted(ctx context.Context, pool *model.Pool) error {
	totals := pool.ContributorTotals()
	var errs []error
	for _, contributor := range pool.Contributors() {
		account, granted, err := r.Store.AccrueReward(ctx, contributor, totals[contributor], r.Rule)
		if err != nil {
			errs = append(errs, fmt.Errorf("accrue reward for %s: %w", contributor, err))
			continue
		}
		if granted.GreaterThan(decimal.Zero) {
			logrus.WithFields(logrus.Fields{
				"contributor_id": contributor,
				"pool_id":        pool.PoolID,
				"granted":        granted.String(),
				"total_reward":   account.RewardQuantity.String(),
			}).Info("reward granted")
		}
	}
	return errors.Join(errs...)
}

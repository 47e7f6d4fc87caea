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
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/logipool/logipool/internal/apierror"
	"github.com/logipool/logipool/model"
)

// AccrueReward adds a dispatched amount to the contributor's account under a row lock
// and returns the account together with the reward granted by this call.
func (d Datasource) AccrueReward(ctx context.Context, contributorID string, amount decimal.Decimal, rule model.RewardRule) (*model.RewardAccount, decimal.Decimal, error) {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, decimal.Zero, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO logipool.reward_accounts (contributor_id)
		VALUES ($1)
		ON CONFLICT (contributor_id) DO NOTHING
	`, contributorID)
	if err != nil {
		return nil, decimal.Zero, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to open reward account", err)
	}

	account, err := getRewardAccount(ctx, tx, contributorID, true)
	if err != nil {
		return nil, decimal.Zero, err
	}

	granted := account.Accrue(amount, rule)
	account.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE logipool.reward_accounts
		SET dispatched_quantity = $2, reward_quantity = $3, last_checkpoint = $4, updated_at = $5
		WHERE contributor_id = $1
	`, contributorID, account.DispatchedQuantity.String(), account.RewardQuantity.String(), account.LastCheckpoint, account.UpdatedAt)
	if err != nil {
		return nil, decimal.Zero, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update reward account", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, decimal.Zero, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return account, granted, nil
}

// GetRewardAccount retrieves a contributor's reward account.
func (d Datasource) GetRewardAccount(ctx context.Context, contributorID string) (*model.RewardAccount, error) {
	return getRewardAccount(ctx, d.Conn, contributorID, false)
}

func getRewardAccount(ctx context.Context, q querier, contributorID string, forUpdate bool) (*model.RewardAccount, error) {
	query := `
		SELECT contributor_id, dispatched_quantity, reward_quantity, last_checkpoint, updated_at
		FROM logipool.reward_accounts
		WHERE contributor_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var a model.RewardAccount
	err := q.QueryRowContext(ctx, query, contributorID).Scan(&a.ContributorID, &a.DispatchedQuantity, &a.RewardQuantity, &a.LastCheckpoint, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("reward account for '%s' not found", contributorID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve reward account", err)
	}
	return &a, nil
}

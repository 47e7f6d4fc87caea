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
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/logipool/logipool/internal/apierror"
	"github.com/logipool/logipool/model"
)

const poolColumns = `pool_id, category, region, item_types, accumulated_quantity, capacity_ceiling, capacity_class, status, provider_id, ready_reason, created_at, deadline, ready_at, assigned_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPool(s rowScanner) (*model.Pool, error) {
	var (
		p                                model.Pool
		itemTypes                        pq.StringArray
		category, class, status          string
		providerID, readyReason          sql.NullString
		readyAt, assignedAt, completedAt sql.NullTime
	)
	err := s.Scan(&p.PoolID, &category, &p.Region, &itemTypes, &p.AccumulatedQuantity, &p.CapacityCeiling,
		&class, &status, &providerID, &readyReason, &p.CreatedAt, &p.Deadline, &readyAt, &assignedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	p.Category = model.Category(category)
	p.CapacityClass = model.CapacityClass(class)
	p.Status = model.PoolStatus(status)
	p.ProviderID = providerID.String
	p.ReadyReason = model.ReadyReason(readyReason.String)
	p.ItemTypes = []string(itemTypes)
	sort.Strings(p.ItemTypes)
	if readyAt.Valid {
		p.ReadyAt = &readyAt.Time
	}
	if assignedAt.Valid {
		p.AssignedAt = &assignedAt.Time
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return &p, nil
}

func scanPools(rows *sql.Rows) ([]*model.Pool, error) {
	defer rows.Close()
	var pools []*model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning pool")
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// getPool loads a pool and its attributions through q, which may be a transaction.
func getPool(ctx context.Context, q querier, id string) (*model.Pool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM logipool.pools WHERE pool_id = $1`, id)
	pool, err := scanPool(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("pool with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pool", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT contributor_id, contribution_id, amount, added_at
		FROM logipool.attributions
		WHERE pool_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve attributions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a model.Attribution
		if err := rows.Scan(&a.ContributorID, &a.ContributionID, &a.Amount, &a.AddedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan attribution", errors.Wrap(err, id))
		}
		pool.Attributions = append(pool.Attributions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read attributions", err)
	}
	return pool, nil
}

// GetPoolByID retrieves a pool together with its attribution ledger.
func (d Datasource) GetPoolByID(ctx context.Context, id string) (*model.Pool, error) {
	return getPool(ctx, d.Conn, id)
}

// GetOpenPool retrieves the OPEN pool of a (category, region) pair without its attributions.
func (d Datasource) GetOpenPool(ctx context.Context, category model.Category, region string) (*model.Pool, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+poolColumns+`
		FROM logipool.pools
		WHERE category = $1 AND region = $2 AND status = 'OPEN'
	`, string(category), region)
	pool, err := scanPool(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no open pool for %s in %s", category, region), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve open pool", err)
	}
	return pool, nil
}

// CreatePool inserts a new OPEN pool. The partial unique index on (category, region)
// turns a concurrent second insert into a conflict.
func (d Datasource) CreatePool(ctx context.Context, p *model.Pool) (*model.Pool, error) {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO logipool.pools (pool_id, category, region, item_types, accumulated_quantity, capacity_ceiling, capacity_class, status, created_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.PoolID, string(p.Category), p.Region, pq.Array(p.ItemTypes), p.AccumulatedQuantity.String(), p.CapacityCeiling.String(),
		string(p.CapacityClass), string(p.Status), p.CreatedAt, p.Deadline)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("an open pool for %s in %s already exists", p.Category, p.Region), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create pool", err)
	}
	return p.Clone(), nil
}

// AddToPool increments the pool's quantity, merges the item type and appends the
// attribution in one transaction. The capacity and status guards are part of the
// UPDATE itself, so a lost race shows up as zero affected rows and a conflict.
func (d Datasource) AddToPool(ctx context.Context, poolID, itemType string, attribution model.Attribution, ceiling decimal.Decimal) (*model.Pool, error) {
	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	// The contribution row lock serialises concurrent retries of one allocation.
	var quantity, attributed decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT c.quantity,
			COALESCE((SELECT SUM(a.amount) FROM logipool.attributions a WHERE a.contribution_id = c.contribution_id), 0)
		FROM logipool.contributions c
		WHERE c.contribution_id = $1
		FOR UPDATE OF c
	`, attribution.ContributionID).Scan(&quantity, &attributed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("contribution with ID '%s' not found", attribution.ContributionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock contribution", err)
	}
	if attributed.Add(attribution.Amount).GreaterThan(quantity) {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("contribution with ID '%s' cannot attribute %s beyond its quantity", attribution.ContributionID, attribution.Amount), nil)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE logipool.pools
		SET accumulated_quantity = accumulated_quantity + $2,
			item_types = CASE WHEN $3 = ANY(item_types) THEN item_types ELSE array_append(item_types, $3) END
		WHERE pool_id = $1 AND status = 'OPEN' AND accumulated_quantity + $2 <= $4
	`, poolID, attribution.Amount.String(), itemType, ceiling.String())
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update pool", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("pool with ID '%s' is no longer open or lacks capacity for %s", poolID, attribution.Amount), nil)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO logipool.attributions (pool_id, contribution_id, contributor_id, amount, added_at)
		VALUES ($1, $2, $3, $4, $5)
	`, poolID, attribution.ContributionID, attribution.ContributorID, attribution.Amount.String(), attribution.AddedAt)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record attribution", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE logipool.contributions SET pool_id = $1 WHERE contribution_id = $2`, poolID, attribution.ContributionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to link contribution", err)
	}

	pool, err := getPool(ctx, tx, poolID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return pool, nil
}

// MarkPoolReady moves an OPEN pool to READY and freezes its capacity class and ceiling.
func (d Datasource) MarkPoolReady(ctx context.Context, poolID string, class model.CapacityClass, ceiling decimal.Decimal, reason model.ReadyReason, at time.Time) (*model.Pool, error) {
	return d.transition(ctx, poolID, model.PoolStatusOpen, `
		UPDATE logipool.pools
		SET status = 'READY', capacity_class = $2, capacity_ceiling = $3, ready_reason = $4, ready_at = $5
		WHERE pool_id = $1 AND status = 'OPEN'
	`, poolID, string(class), ceiling.String(), string(reason), at)
}

// AssignPool moves a READY pool to ASSIGNED for exactly one provider.
func (d Datasource) AssignPool(ctx context.Context, poolID, providerID string, at time.Time) (*model.Pool, error) {
	return d.transition(ctx, poolID, model.PoolStatusReady, `
		UPDATE logipool.pools
		SET status = 'ASSIGNED', provider_id = $2, assigned_at = $3
		WHERE pool_id = $1 AND status = 'READY'
	`, poolID, providerID, at)
}

// CompletePool moves an ASSIGNED pool to COMPLETED when providerID is the assigned provider.
func (d Datasource) CompletePool(ctx context.Context, poolID, providerID string, at time.Time) (*model.Pool, error) {
	return d.transition(ctx, poolID, model.PoolStatusAssigned, `
		UPDATE logipool.pools
		SET status = 'COMPLETED', completed_at = $3
		WHERE pool_id = $1 AND status = 'ASSIGNED' AND provider_id = $2
	`, poolID, providerID, at)
}

func (d Datasource) transition(ctx context.Context, poolID string, expected model.PoolStatus, query string, args ...interface{}) (*model.Pool, error) {
	result, err := d.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update pool status", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return nil, d.transitionFailure(ctx, poolID, expected)
	}
	return d.GetPoolByID(ctx, poolID)
}

// transitionFailure tells a missing pool apart from one in the wrong state.
func (d Datasource) transitionFailure(ctx context.Context, poolID string, expected model.PoolStatus) error {
	var status string
	err := d.Conn.QueryRowContext(ctx, `SELECT status FROM logipool.pools WHERE pool_id = $1`, poolID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("pool with ID '%s' not found", poolID), nil)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read pool status", err)
	}
	if model.PoolStatus(status) == expected {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("pool with ID '%s' is assigned to another provider", poolID), nil)
	}
	return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("pool with ID '%s' is %s, expected %s", poolID, status, expected), nil)
}

// GetReadyPoolsByRegion lists READY pools in a region, soonest deadline first.
func (d Datasource) GetReadyPoolsByRegion(ctx context.Context, region string, limit int) ([]*model.Pool, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+poolColumns+`
		FROM logipool.pools
		WHERE region = $1 AND status = 'READY'
		ORDER BY deadline ASC, created_at ASC
		LIMIT $2
	`, region, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve ready pools", err)
	}
	pools, err := scanPools(rows)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan ready pools", err)
	}
	return pools, nil
}

// GetExpiredOpenPools lists OPEN pools whose deadline is at or before now.
func (d Datasource) GetExpiredOpenPools(ctx context.Context, now time.Time, limit int) ([]*model.Pool, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+poolColumns+`
		FROM logipool.pools
		WHERE status = 'OPEN' AND deadline <= $1
		ORDER BY deadline ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve expired pools", err)
	}
	pools, err := scanPools(rows)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan expired pools", err)
	}
	return pools, nil
}

// GetPoolContributions lists the contributions that have attributed quantity to the pool.
func (d Datasource) GetPoolContributions(ctx context.Context, poolID string) ([]model.Contribution, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+contributionColumns+`
		FROM logipool.contributions
		WHERE contribution_id IN (SELECT contribution_id FROM logipool.attributions WHERE pool_id = $1)
		ORDER BY created_at ASC
	`, poolID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pool contributions", err)
	}
	defer rows.Close()

	var contributions []model.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan contribution", err)
		}
		contributions = append(contributions, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read pool contributions", err)
	}
	return contributions, nil
}

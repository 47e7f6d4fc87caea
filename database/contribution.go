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

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/logipool/logipool/internal/apierror"
	"github.com/logipool/logipool/model"
)

const contributionColumns = `contribution_id, contributor_id, item_type, category, quantity, origin, region, created_at, spoils_at, pool_id`

func scanContribution(s rowScanner) (*model.Contribution, error) {
	var (
		c              model.Contribution
		category       string
		origin, poolID sql.NullString
	)
	err := s.Scan(&c.ContributionID, &c.ContributorID, &c.ItemType, &category, &c.Quantity, &origin,
		&c.Region, &c.CreatedAt, &c.SpoilsAt, &poolID)
	if err != nil {
		return nil, err
	}
	c.Category = model.Category(category)
	c.Origin = origin.String
	c.PoolID = poolID.String
	return &c, nil
}

// CreateContribution inserts a contribution unless its id already exists. A
// retried submission gets the stored record back with created == false.
func (d Datasource) CreateContribution(ctx context.Context, c *model.Contribution) (*model.Contribution, bool, error) {
	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO logipool.contributions (contribution_id, contributor_id, item_type, category, quantity, origin, region, created_at, spoils_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (contribution_id) DO NOTHING
	`, c.ContributionID, c.ContributorID, c.ItemType, string(c.Category), c.Quantity.String(), c.Origin, c.Region, c.CreatedAt, c.SpoilsAt)
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create contribution", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		existing, err := d.GetContribution(ctx, c.ContributionID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	stored := *c
	return &stored, true, nil
}

// GetContribution retrieves a contribution by ID.
func (d Datasource) GetContribution(ctx context.Context, id string) (*model.Contribution, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM logipool.contributions WHERE contribution_id = $1`, id)
	c, err := scanContribution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("contribution with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve contribution", err)
	}
	return c, nil
}

// GetAttributedQuantity sums what the contribution has already added to any pool.
func (d Datasource) GetAttributedQuantity(ctx context.Context, contributionID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM logipool.attributions
		WHERE contribution_id = $1
	`, contributionID).Scan(&total)
	if err != nil {
		return decimal.Zero, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to sum attributions", err)
	}
	return total, nil
}

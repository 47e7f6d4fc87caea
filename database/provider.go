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

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/logipool/logipool/internal/apierror"
	"github.com/logipool/logipool/model"
)

const providerColumns = `provider_id, name, phone, region, capacity_class, available, created_at`

func scanProvider(s rowScanner) (*model.Provider, error) {
	var (
		p            model.Provider
		phone, class sql.NullString
	)
	if err := s.Scan(&p.ProviderID, &p.Name, &phone, &p.Region, &class, &p.Available, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Phone = phone.String
	p.CapacityClass = model.CapacityClass(class.String)
	return &p, nil
}

// RegisterProvider inserts a transport provider.
func (d Datasource) RegisterProvider(ctx context.Context, p *model.Provider) (*model.Provider, error) {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO logipool.providers (provider_id, name, phone, region, capacity_class, available, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ProviderID, p.Name, p.Phone, p.Region, string(p.CapacityClass), p.Available, p.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("provider with ID '%s' already exists", p.ProviderID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to register provider", err)
	}
	stored := *p
	return &stored, nil
}

// GetProvider retrieves a provider by ID.
func (d Datasource) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM logipool.providers WHERE provider_id = $1`, id)
	p, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("provider with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve provider", err)
	}
	return p, nil
}

// GetAvailableProviders lists available providers in a region, oldest registration first.
func (d Datasource) GetAvailableProviders(ctx context.Context, region string) ([]model.Provider, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+providerColumns+`
		FROM logipool.providers
		WHERE region = $1 AND available
		ORDER BY created_at ASC
	`, region)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve providers", err)
	}
	defer rows.Close()

	var providers []model.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan provider", err)
		}
		providers = append(providers, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read providers", err)
	}
	return providers, nil
}

// SetProviderAvailability marks a provider available or busy.
func (d Datasource) SetProviderAvailability(ctx context.Context, id string, available bool) error {
	result, err := d.Conn.ExecContext(ctx, `UPDATE logipool.providers SET available = $2 WHERE provider_id = $1`, id, available)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update provider", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("provider with ID '%s' not found", id), nil)
	}
	return nil
}

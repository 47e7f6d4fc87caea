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

	"github.com/logipool/logipool/model"
)

// RegisterProvider adds a transport provider to its region. New providers are
// available until they accept a pool.
func (l *Logipool) RegisterProvider(ctx context.Context, p *model.Provider) (*model.Provider, error) {
	ctx, span := tracer.Start(ctx, "RegisterProvider")
	defer span.End()

	p.Region = model.NormalizeRegion(p.Region)
	if p.Region == "" {
		return nil, invalidInput(ErrMissingRegion)
	}
	if p.ProviderID == "" {
		p.ProviderID = model.GenerateUUIDWithSuffix("prv")
	}
	p.Available = true
	p.CreatedAt = l.now()

	provider, err := l.datasource.RegisterProvider(ctx, p)
	if err != nil {
		return nil, logAndRecordError(span, "failed to register provider", err)
	}
	return provider, nil
}

func (l *Logipool) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	return l.datasource.GetProvider(ctx, id)
}

// SetProviderAvailability marks a provider available or busy.
func (l *Logipool) SetProviderAvailability(ctx context.Context, id string, available bool) error {
	return l.datasource.SetProviderAvailability(ctx, id, available)
}

// GetRewardAccount returns the reward account of a contributor.
func (l *Logipool) GetRewardAccount(ctx context.Context, contributorID string) (*model.RewardAccount, error) {
	return l.datasource.GetRewardAccount(ctx, contributorID)
}

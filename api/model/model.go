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

package model

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/logipool/logipool"
	"github.com/logipool/logipool/model"
)

type CreateContribution struct {
	ContributionID string          `json:"contribution_id"`
	ContributorID  string          `json:"contributor_id"`
	ItemType       string          `json:"item_type"`
	Region         string          `json:"region"`
	Quantity       decimal.Decimal `json:"quantity"`
	Origin         string          `json:"origin"`
	SpoilsAt       *time.Time      `json:"spoils_at"`
}

type ProviderAction struct {
	ProviderID string `json:"provider_id"`
}

type AcceptNext struct {
	Region string `json:"region"`
}

type CreateProvider struct {
	ProviderID    string `json:"provider_id"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	Region        string `json:"region"`
	CapacityClass string `json:"capacity_class"`
}

type SetAvailability struct {
	Available *bool `json:"available"`
}

func positiveQuantity(value interface{}) error {
	q, ok := value.(decimal.Decimal)
	if !ok {
		return errors.New("invalid type for quantity")
	}
	if !q.IsPositive() {
		return errors.New("must be greater than zero")
	}
	return nil
}

func (c *CreateContribution) ValidateCreateContribution() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ContributorID, validation.Required),
		validation.Field(&c.ItemType, validation.Required),
		validation.Field(&c.Region, validation.Required),
		validation.Field(&c.Quantity, validation.By(positiveQuantity)),
		validation.Field(&c.SpoilsAt, validation.When(c.SpoilsAt != nil, validation.By(func(value interface{}) error {
			t, ok := value.(*time.Time)
			if !ok || t == nil {
				return errors.New("invalid spoils_at")
			}
			if !t.After(time.Now()) {
				return errors.New("must be in the future")
			}
			return nil
		}))),
	)
}

func (c *CreateContribution) ToAllocateRequest() logipool.AllocateRequest {
	return logipool.AllocateRequest{
		ItemType:       c.ItemType,
		Region:         c.Region,
		Quantity:       c.Quantity,
		ContributorID:  c.ContributorID,
		ContributionID: c.ContributionID,
		Origin:         c.Origin,
		SpoilsAt:       c.SpoilsAt,
	}
}

func (p *ProviderAction) ValidateProviderAction() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.ProviderID, validation.Required),
	)
}

func (a *AcceptNext) ValidateAcceptNext() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Region, validation.Required),
	)
}

func (p *CreateProvider) ValidateCreateProvider() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Name, validation.Required),
		validation.Field(&p.Region, validation.Required),
	)
}

func (p *CreateProvider) ToProvider() *model.Provider {
	return &model.Provider{
		ProviderID:    p.ProviderID,
		Name:          p.Name,
		Phone:         p.Phone,
		Region:        p.Region,
		CapacityClass: model.CapacityClass(p.CapacityClass),
	}
}

func (s *SetAvailability) ValidateSetAvailability() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Available, validation.NotNil),
	)
}

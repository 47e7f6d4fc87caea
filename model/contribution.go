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
	"time"

	"github.com/shopspring/decimal"
)

// Contribution is a single lot of produce submitted by one contributor. The
// quantity never changes after creation; the lot may be split across pools.
type Contribution struct {
	ContributionID string          `json:"contribution_id"`
	ContributorID  string          `json:"contributor_id"`
	ItemType       string          `json:"item_type"`
	Category       Category        `json:"category"`
	Quantity       decimal.Decimal `json:"quantity"`
	Origin         string          `json:"origin,omitempty"`
	Region         string          `json:"region"`
	CreatedAt      time.Time       `json:"created_at"`
	SpoilsAt       time.Time       `json:"spoils_at"`
	PoolID         string          `json:"pool_id,omitempty"`
}

// Degradation is the contribution's spoilage score as of now.
func (c Contribution) Degradation(now time.Time) float64 {
	return Degradation(c.CreatedAt, c.SpoilsAt, now)
}

// SameSubmission reports whether other describes the same lot, used to detect
// a retried submission reusing its contribution id.
func (c Contribution) SameSubmission(other Contribution) bool {
	return c.ContributorID == other.ContributorID &&
		c.ItemType == other.ItemType &&
		c.Region == other.Region &&
		c.Quantity.Equal(other.Quantity)
}

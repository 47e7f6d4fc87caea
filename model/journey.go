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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// JourneyLot is the provenance view of one contribution inside a dispatched pool.
type JourneyLot struct {
	ContributionID string          `json:"contribution_id"`
	ContributorID  string          `json:"contributor_id"`
	ItemType       string          `json:"item_type"`
	Origin         string          `json:"origin,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	Attributed     decimal.Decimal `json:"attributed"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

// JourneyRecord is the provenance document written when a pool completes.
type JourneyRecord struct {
	PoolID              string          `json:"pool_id"`
	Category            Category        `json:"category"`
	Region              string          `json:"region"`
	ItemTypes           []string        `json:"item_types"`
	CapacityClass       CapacityClass   `json:"capacity_class"`
	AccumulatedQuantity decimal.Decimal `json:"accumulated_quantity"`
	ProviderID          string          `json:"provider_id"`
	Lots                []JourneyLot    `json:"lots"`
	CreatedAt           time.Time       `json:"created_at"`
	ReadyAt             *time.Time      `json:"ready_at,omitempty"`
	AssignedAt          *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// NewJourneyRecord assembles a record from a completed pool and its linked contributions.
func NewJourneyRecord(pool *Pool, contributions []Contribution) JourneyRecord {
	attributed := make(map[string]decimal.Decimal)
	for _, a := range pool.Attributions {
		attributed[a.ContributionID] = attributed[a.ContributionID].Add(a.Amount)
	}

	lots := make([]JourneyLot, 0, len(contributions))
	for _, c := range contributions {
		lots = append(lots, JourneyLot{
			ContributionID: c.ContributionID,
			ContributorID:  c.ContributorID,
			ItemType:       c.ItemType,
			Origin:         c.Origin,
			Quantity:       c.Quantity,
			Attributed:     attributed[c.ContributionID],
			SubmittedAt:    c.CreatedAt.UTC(),
		})
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].ContributionID < lots[j].ContributionID })

	return JourneyRecord{
		PoolID:              pool.PoolID,
		Category:            pool.Category,
		Region:              pool.Region,
		ItemTypes:           append([]string(nil), pool.ItemTypes...),
		CapacityClass:       pool.CapacityClass,
		AccumulatedQuantity: pool.AccumulatedQuantity,
		ProviderID:          pool.ProviderID,
		Lots:                lots,
		CreatedAt:           pool.CreatedAt.UTC(),
		ReadyAt:             utcPtr(pool.ReadyAt),
		AssignedAt:          utcPtr(pool.AssignedAt),
		CompletedAt:         utcPtr(pool.CompletedAt),
	}
}

// Canonical encodes the record as JSON with object keys sorted at every level,
// so equal records always hash the same.
func (j JourneyRecord) Canonical() ([]byte, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	// maps marshal with sorted keys
	return json.Marshal(generic)
}

// Hash returns the canonical encoding together with its hex SHA-256 digest.
func (j JourneyRecord) Hash() ([]byte, string, error) {
	body, err := j.Canonical()
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(body)
	return body, hex.EncodeToString(sum[:]), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

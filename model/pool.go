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
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type PoolStatus string

const (
	PoolStatusOpen      PoolStatus = "OPEN"
	PoolStatusReady     PoolStatus = "READY"
	PoolStatusAssigned  PoolStatus = "ASSIGNED"
	PoolStatusCompleted PoolStatus = "COMPLETED"
)

// Next returns the only status a pool may advance to, or "" for COMPLETED.
func (s PoolStatus) Next() PoolStatus {
	switch s {
	case PoolStatusOpen:
		return PoolStatusReady
	case PoolStatusReady:
		return PoolStatusAssigned
	case PoolStatusAssigned:
		return PoolStatusCompleted
	default:
		return ""
	}
}

// CanAdvanceTo reports whether moving from s to next is a single forward step.
func (s PoolStatus) CanAdvanceTo(next PoolStatus) bool {
	return next != "" && s.Next() == next
}

// ReadyReason records which readiness condition released a pool.
type ReadyReason string

const (
	ReadyReasonThreshold ReadyReason = "THRESHOLD"
	ReadyReasonExpired   ReadyReason = "EXPIRED"
	ReadyReasonCritical  ReadyReason = "CRITICAL"
)

// Attribution records the exact quantity one contribution added to a pool.
type Attribution struct {
	ContributorID  string          `json:"contributor_id"`
	ContributionID string          `json:"contribution_id"`
	Amount         decimal.Decimal `json:"amount"`
	AddedAt        time.Time       `json:"added_at"`
}

// Pool is a capacity-bounded batch of contributions for one category and region.
type Pool struct {
	PoolID              string          `json:"pool_id"`
	Category            Category        `json:"category"`
	Region              string          `json:"region"`
	ItemTypes           []string        `json:"item_types"`
	AccumulatedQuantity decimal.Decimal `json:"accumulated_quantity"`
	CapacityCeiling     decimal.Decimal `json:"capacity_ceiling"`
	CapacityClass       CapacityClass   `json:"capacity_class"`
	Status              PoolStatus      `json:"status"`
	Attributions        []Attribution   `json:"attributions,omitempty"`
	ProviderID          string          `json:"provider_id,omitempty"`
	ReadyReason         ReadyReason     `json:"ready_reason,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	Deadline            time.Time       `json:"deadline"`
	ReadyAt             *time.Time      `json:"ready_at,omitempty"`
	AssignedAt          *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// AttributedTotal sums the attribution amounts.
func (p *Pool) AttributedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Attributions {
		total = total.Add(a.Amount)
	}
	return total
}

// AddItemType inserts itemType into the sorted type set if absent.
func (p *Pool) AddItemType(itemType string) {
	i := sort.SearchStrings(p.ItemTypes, itemType)
	if i < len(p.ItemTypes) && p.ItemTypes[i] == itemType {
		return
	}
	p.ItemTypes = append(p.ItemTypes, "")
	copy(p.ItemTypes[i+1:], p.ItemTypes[i:])
	p.ItemTypes[i] = itemType
}

// IsExpired reports whether the pool's deadline has passed as of now.
func (p *Pool) IsExpired(now time.Time) bool {
	return !now.Before(p.Deadline)
}

// ContributorTotals sums attributed quantity per contributor.
func (p *Pool) ContributorTotals() map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for _, a := range p.Attributions {
		totals[a.ContributorID] = totals[a.ContributorID].Add(a.Amount)
	}
	return totals
}

// Contributors lists distinct contributor ids in sorted order.
func (p *Pool) Contributors() []string {
	totals := p.ContributorTotals()
	out := make([]string, 0, len(totals))
	for id := range totals {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy so stored pools are never aliased by callers.
func (p *Pool) Clone() *Pool {
	c := *p
	c.ItemTypes = append([]string(nil), p.ItemTypes...)
	c.Attributions = append([]Attribution(nil), p.Attributions...)
	c.ReadyAt = cloneTime(p.ReadyAt)
	c.AssignedAt = cloneTime(p.AssignedAt)
	c.CompletedAt = cloneTime(p.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

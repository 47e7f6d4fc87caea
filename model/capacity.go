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
	"fmt"

	"github.com/shopspring/decimal"
)

// CapacityClass names a transport capacity ceiling.
type CapacityClass string

const (
	CapacityClassRegular CapacityClass = "REGULAR"
	CapacityClassLarge   CapacityClass = "LARGE"
)

// PriorityThresholds are degradation percentages used to classify a pool.
type PriorityThresholds struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
}

// CapacityPolicy maps capacity classes to kilogram ceilings and picks a class
// from aggregate degradation. It is immutable once built.
type CapacityPolicy struct {
	ceilings   map[CapacityClass]decimal.Decimal
	fast       CapacityClass
	bulk       CapacityClass
	thresholds PriorityThresholds
}

// NewCapacityPolicy validates and builds a policy. fast is the smaller class
// chosen for perishable mixes, bulk the larger default class.
func NewCapacityPolicy(ceilings map[CapacityClass]decimal.Decimal, fast, bulk CapacityClass, thresholds PriorityThresholds) (*CapacityPolicy, error) {
	fastCeiling, ok := ceilings[fast]
	if !ok {
		return nil, fmt.Errorf("fast capacity class %s has no ceiling", fast)
	}
	bulkCeiling, ok := ceilings[bulk]
	if !ok {
		return nil, fmt.Errorf("bulk capacity class %s has no ceiling", bulk)
	}
	for class, ceiling := range ceilings {
		if !ceiling.IsPositive() {
			return nil, fmt.Errorf("capacity class %s: ceiling must be positive", class)
		}
	}
	if fastCeiling.GreaterThan(bulkCeiling) {
		return nil, errors.New("fast capacity class must not be larger than the bulk class")
	}
	if thresholds.High <= 0 || thresholds.Critical > 100 || thresholds.High > thresholds.Critical {
		return nil, fmt.Errorf("invalid priority thresholds: high=%.2f critical=%.2f", thresholds.High, thresholds.Critical)
	}

	copied := make(map[CapacityClass]decimal.Decimal, len(ceilings))
	for class, ceiling := range ceilings {
		copied[class] = ceiling
	}
	return &CapacityPolicy{ceilings: copied, fast: fast, bulk: bulk, thresholds: thresholds}, nil
}

// DefaultCapacityPolicy is REGULAR 1000 kg (fast), LARGE 2500 kg (bulk), critical 90, high 50.
func DefaultCapacityPolicy() *CapacityPolicy {
	policy, _ := NewCapacityPolicy(map[CapacityClass]decimal.Decimal{
		CapacityClassRegular: decimal.NewFromInt(1000),
		CapacityClassLarge:   decimal.NewFromInt(2500),
	}, CapacityClassRegular, CapacityClassLarge, PriorityThresholds{Critical: 90, High: 50})
	return policy
}

// Ceiling returns the kilogram ceiling of a class.
func (p *CapacityPolicy) Ceiling(class CapacityClass) (decimal.Decimal, error) {
	ceiling, ok := p.ceilings[class]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown capacity class %s", class)
	}
	return ceiling, nil
}

// Classify selects the fast class when any contribution is critical or the
// average degradation reaches the high threshold, and the bulk class otherwise.
func (p *CapacityPolicy) Classify(avgDegradationPct float64, anyCritical bool) CapacityClass {
	if anyCritical || avgDegradationPct >= p.thresholds.High {
		return p.fast
	}
	return p.bulk
}

// IsCritical reports whether a single contribution's degradation forces dispatch.
func (p *CapacityPolicy) IsCritical(pct float64) bool {
	return pct >= p.thresholds.Critical
}

func (p *CapacityPolicy) FastClass() CapacityClass { return p.fast }

func (p *CapacityPolicy) BulkClass() CapacityClass { return p.bulk }

func (p *CapacityPolicy) Thresholds() PriorityThresholds { return p.thresholds }

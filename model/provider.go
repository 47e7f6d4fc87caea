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

// Provider is a transport operator (driver) serving one region.
type Provider struct {
	ProviderID    string        `json:"provider_id"`
	Name          string        `json:"name"`
	Phone         string        `json:"phone,omitempty"`
	Region        string        `json:"region"`
	CapacityClass CapacityClass `json:"capacity_class,omitempty"`
	Available     bool          `json:"available"`
	CreatedAt     time.Time     `json:"created_at"`
}

// RewardRule grants Reward kilograms for every Threshold kilograms a
// contributor has dispatched in total.
type RewardRule struct {
	Threshold decimal.Decimal `json:"threshold"`
	Reward    decimal.Decimal `json:"reward"`
}

// DefaultRewardRule is 10 kg of reward per 1000 kg dispatched.
func DefaultRewardRule() RewardRule {
	return RewardRule{Threshold: decimal.NewFromInt(1000), Reward: decimal.NewFromInt(10)}
}

// RewardAccount tracks a contributor's cumulative dispatched quantity and the
// reward checkpoints already granted.
type RewardAccount struct {
	ContributorID      string          `json:"contributor_id"`
	DispatchedQuantity decimal.Decimal `json:"dispatched_quantity"`
	RewardQuantity     decimal.Decimal `json:"reward_quantity"`
	LastCheckpoint     int64           `json:"last_checkpoint"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Accrue adds a dispatched amount and returns the reward newly granted by
// checkpoints crossed with this amount. A checkpoint is never granted twice.
func (a *RewardAccount) Accrue(amount decimal.Decimal, rule RewardRule) decimal.Decimal {
	a.DispatchedQuantity = a.DispatchedQuantity.Add(amount)
	if !rule.Threshold.IsPositive() {
		return decimal.Zero
	}
	checkpoints := a.DispatchedQuantity.Div(rule.Threshold).Floor().IntPart()
	if checkpoints <= a.LastCheckpoint {
		return decimal.Zero
	}
	granted := rule.Reward.Mul(decimal.NewFromInt(checkpoints - a.LastCheckpoint))
	a.LastCheckpoint = checkpoints
	a.RewardQuantity = a.RewardQuantity.Add(granted)
	return granted
}

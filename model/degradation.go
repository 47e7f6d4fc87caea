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

import "time"

// Degradation returns the spoilage score of a lot in [0, 100]. A deadline at
// or before creation counts as fully degraded.
func Degradation(createdAt, deadline, now time.Time) float64 {
	if !deadline.After(createdAt) {
		return 100
	}
	pct := float64(now.Sub(createdAt)) / float64(deadline.Sub(createdAt)) * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

// AggregateDegradation averages the degradation of contributions as of now and
// reports whether any one of them crossed the critical threshold.
func AggregateDegradation(contributions []Contribution, now time.Time, policy *CapacityPolicy) (avg float64, anyCritical bool) {
	if len(contributions) == 0 {
		return 0, false
	}
	var total float64
	for _, c := range contributions {
		pct := c.Degradation(now)
		total += pct
		if policy.IsCritical(pct) {
			anyCritical = true
		}
	}
	return total / float64(len(contributions)), anyCritical
}

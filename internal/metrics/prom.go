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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolMetrics records allocation and pool lifecycle events. A nil *PoolMetrics
// is a valid no-op recorder.
type PoolMetrics struct {
	allocations  *prometheus.CounterVec
	allocatedKg  *prometheus.CounterVec
	poolsCreated *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	conflicts    *prometheus.CounterVec
}

// NewPoolMetrics registers pool metrics on the default Prometheus registerer.
func NewPoolMetrics() (*PoolMetrics, error) {
	return NewPoolMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewPoolMetricsWithRegistry registers metrics on reg, reusing collectors that
// are already registered there.
func NewPoolMetricsWithRegistry(reg prometheus.Registerer) (*PoolMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PoolMetrics{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logipool_allocations_total",
			Help: "Contributions allocated, by category and outcome",
		}, []string{"category", "outcome"}),
		allocatedKg: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logipool_allocated_kilograms_total",
			Help: "Kilograms attributed to pools",
		}, []string{"category", "region"}),
		poolsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logipool_pools_created_total",
			Help: "Pools opened",
		}, []string{"category", "region"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logipool_pool_transitions_total",
			Help: "Pool status transitions, by target status and reason",
		}, []string{"status", "reason"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logipool_write_conflicts_total",
			Help: "Guarded writes that lost a race",
		}, []string{"operation"}),
	}

	for _, c := range []**prometheus.CounterVec{&m.allocations, &m.allocatedKg, &m.poolsCreated, &m.transitions, &m.conflicts} {
		if err := reg.Register(*c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				*c = are.ExistingCollector.(*prometheus.CounterVec)
			} else {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *PoolMetrics) RecordAllocation(category, outcome string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(category, outcome).Inc()
}

func (m *PoolMetrics) RecordAllocated(category, region string, kg float64) {
	if m == nil {
		return
	}
	m.allocatedKg.WithLabelValues(category, region).Add(kg)
}

func (m *PoolMetrics) RecordPoolCreated(category, region string) {
	if m == nil {
		return
	}
	m.poolsCreated.WithLabelValues(category, region).Inc()
}

func (m *PoolMetrics) RecordTransition(status, reason string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status, reason).Inc()
}

func (m *PoolMetrics) RecordConflict(operation string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(operation).Inc()
}

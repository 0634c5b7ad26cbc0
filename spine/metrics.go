// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics collects the dispatcher's Prometheus instrumentation.
type metrics struct {
	actions   *prometheus.CounterVec
	decisions *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	honeypots prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hydra",
			Subsystem: "spine",
			Name:      "actions_total",
			Help:      "Commands dispatched, by verb.",
		}, []string{"verb"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hydra",
			Subsystem: "spine",
			Name:      "decisions_total",
			Help:      "Governance decisions, by category.",
		}, []string{"decision"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hydra",
			Subsystem: "spine",
			Name:      "execute_duration_seconds",
			Help:      "End-to-end Execute latency, by verb.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"verb"}),
		honeypots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydra",
			Subsystem: "spine",
			Name:      "honeypot_deployments_total",
			Help:      "Denied actions redirected into the honeypot.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.actions, m.decisions, m.duration, m.honeypots)
	}
	return m
}

// Copyright 2023 LiveKit, Inc.
//
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

package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor owns the control plane's prometheus metrics. A nil Monitor is valid and records nothing.
type Monitor struct {
	registry *prometheus.Registry

	uploadsCounter      *prometheus.CounterVec
	uploadsResponseTime *prometheus.HistogramVec
	stopAttempts        *prometheus.CounterVec
	stopOutcomes        *prometheus.CounterVec
	finalizations       *prometheus.CounterVec
	webhooks            *prometheus.CounterVec
}

func NewMonitor(nodeID string, activeJobs func() float64) *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
	}

	constantLabels := prometheus.Labels{"node_id": nodeID}

	promActiveJobs := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "egress_control",
		Name:        "active_recordings",
		Help:        "Number of egress jobs tracked by this process",
		ConstLabels: constantLabels,
	}, activeJobs)

	m.uploadsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "egress_control",
		Name:        "uploads",
		Help:        "Number of recording uploads with backend and status labels",
		ConstLabels: constantLabels,
	}, []string{"backend", "status"})

	m.uploadsResponseTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "livekit",
		Subsystem:   "egress_control",
		Name:        "upload_response_time_ms",
		Help:        "A histogram of latencies for upload requests in milliseconds.",
		Buckets:     []float64{10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 15000, 20000, 30000, 60000},
		ConstLabels: constantLabels,
	}, []string{"backend", "status"})

	m.stopAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "egress_control",
		Name:        "stop_attempts",
		Help:        "Stop calls issued against the egress api, by error class",
		ConstLabels: constantLabels,
	}, []string{"class"})

	m.stopOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "egress_control",
		Name:        "stop_outcomes",
		Help:        "Results of stop orchestration",
		ConstLabels: constantLabels,
	}, []string{"outcome"})

	m.finalizations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "egress_control",
		Name:        "finalizations",
		Help:        "Finalized recordings by link status",
		ConstLabels: constantLabels,
	}, []string{"link_status"})

	m.webhooks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "egress_control",
		Name:        "webhooks",
		Help:        "Received webhooks by event and result",
		ConstLabels: constantLabels,
	}, []string{"event", "result"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		promActiveJobs,
		m.uploadsCounter,
		m.uploadsResponseTime,
		m.stopAttempts,
		m.stopOutcomes,
		m.finalizations,
		m.webhooks,
	)

	return m
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(m.registry, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func (m *Monitor) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Monitor) IncUploadCountSuccess(backend string, elapsed float64) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"backend": backend, "status": "success"}
	m.uploadsCounter.With(labels).Add(1)
	m.uploadsResponseTime.With(labels).Observe(elapsed)
}

func (m *Monitor) IncUploadCountFailure(backend string, elapsed float64) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"backend": backend, "status": "failure"}
	m.uploadsCounter.With(labels).Add(1)
	m.uploadsResponseTime.With(labels).Observe(elapsed)
}

func (m *Monitor) IncStopAttempt(class string) {
	if m == nil {
		return
	}
	if class == "" {
		class = "ok"
	}
	m.stopAttempts.With(prometheus.Labels{"class": class}).Add(1)
}

func (m *Monitor) IncStopOutcome(outcome string) {
	if m == nil {
		return
	}
	m.stopOutcomes.With(prometheus.Labels{"outcome": outcome}).Add(1)
}

func (m *Monitor) IncFinalization(linkStatus string) {
	if m == nil {
		return
	}
	m.finalizations.With(prometheus.Labels{"link_status": linkStatus}).Add(1)
}

func (m *Monitor) IncWebhook(event, result string) {
	if m == nil {
		return
	}
	m.webhooks.With(prometheus.Labels{"event": event, "result": result}).Add(1)
}

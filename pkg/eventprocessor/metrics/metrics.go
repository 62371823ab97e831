/*
Copyright 2024 The EventProcessor Authors

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

// Package metrics instruments the control loop and the partition pumps with
// Prometheus metrics, generalizing the teacher's per-concern
// CounterVec/GaugeVec style (pkg/metrics, pkg/prommetrics) from per-scaler
// metrics to per-partition and per-processor metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	labels = []string{"eventHub", "consumerGroup", "partitionId"}

	claimsAttemptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventprocessor",
			Subsystem: "balancer",
			Name:      "claims_attempted_total",
			Help:      "Total number of partition claim attempts made by this processor.",
		},
		[]string{"eventHub", "consumerGroup"},
	)
	claimsWonTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventprocessor",
			Subsystem: "balancer",
			Name:      "claims_won_total",
			Help:      "Total number of partition claims this processor won.",
		},
		[]string{"eventHub", "consumerGroup"},
	)
	activePartitions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "eventprocessor",
			Subsystem: "balancer",
			Name:      "active_partitions",
			Help:      "Number of partitions currently owned by this processor.",
		},
		[]string{"eventHub", "consumerGroup"},
	)
	eventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventprocessor",
			Subsystem: "pump",
			Name:      "events_processed_total",
			Help:      "Total number of events dispatched to ProcessEvents.",
		},
		labels,
	)
	checkpointWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventprocessor",
			Subsystem: "pump",
			Name:      "checkpoint_writes_total",
			Help:      "Total number of checkpoint writes, labeled by outcome.",
		},
		[]string{"eventHub", "consumerGroup", "partitionId", "outcome"},
	)
	pumpsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventprocessor",
			Subsystem: "pump",
			Name:      "closed_total",
			Help:      "Total number of pumps closed, labeled by close reason.",
		},
		[]string{"eventHub", "consumerGroup", "partitionId", "reason"},
	)
)

var registry *prometheus.Registry

func init() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(claimsAttemptedTotal)
	registry.MustRegister(claimsWonTotal)
	registry.MustRegister(activePartitions)
	registry.MustRegister(eventsProcessedTotal)
	registry.MustRegister(checkpointWritesTotal)
	registry.MustRegister(pumpsClosedTotal)
}

// Registry exposes the metrics registry so callers can serve it over HTTP
// (e.g. with promhttp.HandlerFor) without this package owning a listener.
func Registry() *prometheus.Registry {
	return registry
}

// RecordClaimAttempt records that a processor attempted to claim a
// partition on (eventHub, consumerGroup).
func RecordClaimAttempt(eventHub, consumerGroup string) {
	claimsAttemptedTotal.WithLabelValues(eventHub, consumerGroup).Inc()
}

// RecordClaimWon records that a claim attempt succeeded.
func RecordClaimWon(eventHub, consumerGroup string) {
	claimsWonTotal.WithLabelValues(eventHub, consumerGroup).Inc()
}

// SetActivePartitions reports the current size of a processor's pump set.
func SetActivePartitions(eventHub, consumerGroup string, n int) {
	activePartitions.WithLabelValues(eventHub, consumerGroup).Set(float64(n))
}

// RecordEventsProcessed records a batch dispatch of n events to
// ProcessEvents for one partition.
func RecordEventsProcessed(eventHub, consumerGroup, partitionID string, n int) {
	eventsProcessedTotal.WithLabelValues(eventHub, consumerGroup, partitionID).Add(float64(n))
}

// RecordCheckpointWrite records a checkpoint write attempt, labeled
// "success" or "failure".
func RecordCheckpointWrite(eventHub, consumerGroup, partitionID string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	checkpointWritesTotal.WithLabelValues(eventHub, consumerGroup, partitionID, outcome).Inc()
}

// RecordPumpClosed records that a pump stopped for the given reason.
func RecordPumpClosed(eventHub, consumerGroup, partitionID, reason string) {
	pumpsClosedTotal.WithLabelValues(eventHub, consumerGroup, partitionID, reason).Inc()
}

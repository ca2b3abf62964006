// Package metrics registers the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connected_agents",
		Help: "Number of agents currently registered with the router.",
	})
	EnvelopesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_envelopes_routed_total",
		Help: "Total envelopes handled by the router, by envelope type.",
	}, []string{"type"})
	DeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_delivery_retries_total",
		Help: "Total DELIVER retransmissions.",
	})
	DeliveryExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_delivery_exhausted_total",
		Help: "Deliveries dropped from the pending table, by reason.",
	}, []string{"reason"})
	PendingDeliveries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_pending_deliveries",
		Help: "DELIVERs sent and not yet ACKed.",
	})
	BatchesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_store_batches_written_total",
		Help: "Completed batch flushes in the storage writer.",
	})
	BatchFlushTrigger = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_store_flush_trigger_total",
		Help: "Batch flushes by trigger (size, bytes, time, manual).",
	}, []string{"trigger"})
	BatchFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_store_flush_failures_total",
		Help: "Batch flushes that failed and were re-queued.",
	})
	CloudHeartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_cloud_heartbeats_total",
		Help: "Cloud sync heartbeat attempts by outcome.",
	}, []string{"outcome"})
	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_policy_decisions_total",
		Help: "Policy gate decisions by action and outcome.",
	}, []string{"action", "allowed"})
	ProposalsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_proposals_resolved_total",
		Help: "Consensus proposals resolved, by final status.",
	}, []string{"status"})
)

// Package metrics registers the bridge's prometheus counters. Counters are
// registered on the default registry; exposing a scrape endpoint is left to
// the embedding process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersIngestedTotal counts orders ingested from a source connector
	// which won their store reservation.
	OrdersIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_orders_ingested_total",
		Help: "Orders ingested from the source connector.",
	})
	// DispatcherTasksTotal counts dispatcher task completions by kind and outcome.
	DispatcherTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_dispatcher_tasks_total",
		Help: "Dispatcher task completions.",
	}, []string{"kind", "outcome"})
	// DispatcherRetriesTotal counts retried cloud mutations.
	DispatcherRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_dispatcher_retries_total",
		Help: "Retries of mutating cloud operations.",
	})
	// ReconciledAtRetryTotal counts ADDs resolved by retry-time reconciliation.
	ReconciledAtRetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_reconciled_at_retry_total",
		Help: "ADD operations resolved by metadata reconciliation instead of a fresh RPC.",
	})
	// ReconcilerRepairsTotal counts local status corrections made by the
	// periodic snapshot reconciler.
	ReconcilerRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_reconciler_repairs_total",
		Help: "Local status corrections applied by the snapshot reconciler.",
	})
	// PushEventsTotal counts push-channel events by action.
	PushEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_push_events_total",
		Help: "Events received on the push channel.",
	}, []string{"action"})
	// PushReconnectsTotal counts websocket reconnection attempts.
	PushReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_push_reconnects_total",
		Help: "Push channel reconnection attempts.",
	})
)

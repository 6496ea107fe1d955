// Package metrics holds the Prometheus collectors for the settlement bridge.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type BridgeMetrics struct {
	operations          *prometheus.CounterVec
	ledgerRPC           *prometheus.HistogramVec
	ledgerRPCErrors     *prometheus.CounterVec
	divergences         *prometheus.CounterVec
	inflightRejected    *prometheus.CounterVec
	ledgerConnected     prometheus.Gauge
	reconcileBatchSize  prometheus.Histogram
	notificationsFailed *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	defaultReg  *BridgeMetrics
)

// Default returns the collectors registered on the global registry.
func Default() *BridgeMetrics {
	defaultOnce.Do(func() {
		defaultReg = New(prometheus.DefaultRegisterer)
	})
	return defaultReg
}

// New builds and registers the collectors on reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *BridgeMetrics {
	m := &BridgeMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_bridge_operations_total",
			Help: "Settlement bridge operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ledgerRPC: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_ledger_rpc_duration_seconds",
			Help:    "Latency of ledger RPC calls by method.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		ledgerRPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ledger_rpc_errors_total",
			Help: "Failed ledger RPC calls by method.",
		}, []string{"method"}),
		divergences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_reconcile_divergences_total",
			Help: "Local payment mirrors corrected by reconciliation, by observed ledger status.",
		}, []string{"status"}),
		inflightRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_inflight_rejections_total",
			Help: "Operations rejected because another one held the idempotency key.",
		}, []string{"operation"}),
		ledgerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_ledger_connected",
			Help: "1 when the ledger client is connected, 0 in degraded mode.",
		}),
		reconcileBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_reconcile_batch_size",
			Help:    "Number of unsettled payments visited per reconciliation run.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 6),
		}),
		notificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_notifications_failed_total",
			Help: "Escrow events that could not be forwarded to the notification bus.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.operations,
			m.ledgerRPC,
			m.ledgerRPCErrors,
			m.divergences,
			m.inflightRejected,
			m.ledgerConnected,
			m.reconcileBatchSize,
			m.notificationsFailed,
		)
	}
	return m
}

// ObserveRPC records one ledger RPC call.
func (m *BridgeMetrics) ObserveRPC(method string, seconds float64, err error) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.ledgerRPC.WithLabelValues(method).Observe(seconds)
	if err != nil {
		m.ledgerRPCErrors.WithLabelValues(method).Inc()
	}
}

func (m *BridgeMetrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *BridgeMetrics) ObserveDivergence(status string) {
	if m == nil {
		return
	}
	m.divergences.WithLabelValues(status).Inc()
}

func (m *BridgeMetrics) IncInflightRejected(operation string) {
	if m == nil {
		return
	}
	m.inflightRejected.WithLabelValues(operation).Inc()
}

func (m *BridgeMetrics) SetLedgerConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.ledgerConnected.Set(1)
		return
	}
	m.ledgerConnected.Set(0)
}

func (m *BridgeMetrics) ObserveReconcileBatch(size int) {
	if m == nil {
		return
	}
	m.reconcileBatchSize.Observe(float64(size))
}

func (m *BridgeMetrics) IncNotificationFailed(event string) {
	if m == nil {
		return
	}
	m.notificationsFailed.WithLabelValues(event).Inc()
}

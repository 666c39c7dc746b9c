package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	verifierMetricsOnce sync.Once
	verifierRegistry    *VerifierMetrics

	paygateMetricsOnce sync.Once
	paygateRegistry    *PaymentGateMetrics
)

// LedgerMetrics captures escrow ledger operations served by vaultd.
type LedgerMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	escrows    prometheus.Gauge
	streams    prometheus.Gauge
	indexed    prometheus.Counter
}

// Ledger returns the singleton ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vault",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by operation and error code.",
			}, []string{"operation", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vault",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			escrows: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vault",
				Subsystem: "ledger",
				Name:      "escrows",
				Help:      "Number of escrows ever created.",
			}),
			streams: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vault",
				Subsystem: "ledger",
				Name:      "event_streams",
				Help:      "Open websocket event stream subscribers.",
			}),
			indexed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vault",
				Subsystem: "ledger",
				Name:      "events_indexed_total",
				Help:      "Ledger events written to the event index.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.latency,
			ledgerRegistry.escrows,
			ledgerRegistry.streams,
			ledgerRegistry.indexed,
		)
	})
	return ledgerRegistry
}

// Observe records a ledger operation. code is the ledger error code, empty on
// success.
func (m *LedgerMetrics) Observe(operation, code string, duration time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.operations.WithLabelValues(operation, code).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetEscrowCount updates the escrow gauge.
func (m *LedgerMetrics) SetEscrowCount(n uint64) {
	if m == nil {
		return
	}
	m.escrows.Set(float64(n))
}

// StreamOpened and StreamClosed track websocket subscribers.
func (m *LedgerMetrics) StreamOpened() {
	if m != nil {
		m.streams.Inc()
	}
}

func (m *LedgerMetrics) StreamClosed() {
	if m != nil {
		m.streams.Dec()
	}
}

// RecordIndexed counts events persisted by the indexer.
func (m *LedgerMetrics) RecordIndexed() {
	if m != nil {
		m.indexed.Inc()
	}
}

// VerifierMetrics bundles collectors for the condition verification oracle.
type VerifierMetrics struct {
	verdicts   *prometheus.CounterVec
	confidence prometheus.Histogram
	backend    *prometheus.HistogramVec
}

// Verifier returns the singleton oracle metrics registry.
func Verifier() *VerifierMetrics {
	verifierMetricsOnce.Do(func() {
		verifierRegistry = &VerifierMetrics{
			verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vault",
				Subsystem: "verifier",
				Name:      "verdicts_total",
				Help:      "Verification verdicts segmented by outcome (passed, failed, unparsed, error).",
			}, []string{"outcome"}),
			confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "vault",
				Subsystem: "verifier",
				Name:      "confidence",
				Help:      "Distribution of verdict confidence scores.",
				Buckets:   prometheus.LinearBuckets(0, 10, 11),
			}),
			backend: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vault",
				Subsystem: "verifier",
				Name:      "backend_duration_seconds",
				Help:      "Latency of reasoning backend calls.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(verifierRegistry.verdicts, verifierRegistry.confidence, verifierRegistry.backend)
	})
	return verifierRegistry
}

// RecordVerdict increments the verdict counter and confidence histogram.
func (m *VerifierMetrics) RecordVerdict(outcome string, confidence int) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(normalizeLabel(outcome)).Inc()
	m.confidence.Observe(float64(confidence))
}

// ObserveBackend records a reasoning backend call.
func (m *VerifierMetrics) ObserveBackend(err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.backend.WithLabelValues(outcome).Observe(duration.Seconds())
}

// PaymentGateMetrics tracks x402 payment decisions.
type PaymentGateMetrics struct {
	decisions *prometheus.CounterVec
}

// PaymentGate returns the singleton payment gate metrics registry.
func PaymentGate() *PaymentGateMetrics {
	paygateMetricsOnce.Do(func() {
		paygateRegistry = &PaymentGateMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vault",
				Subsystem: "paygate",
				Name:      "decisions_total",
				Help:      "Payment gate outcomes (bypassed, required, rejected, settled, facilitator_error, duplicate).",
			}, []string{"decision"}),
		}
		prometheus.MustRegister(paygateRegistry.decisions)
	})
	return paygateRegistry
}

// Record increments the decision counter.
func (m *PaymentGateMetrics) Record(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(normalizeLabel(decision)).Inc()
}

func normalizeLabel(v string) string {
	trimmed := strings.ToLower(strings.TrimSpace(v))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the transaction lifecycle
type Metrics struct {
	// Lifecycle counters
	TxSubmitted   prometheus.Counter
	TxConfirmed   prometheus.Counter
	TxFailed      prometheus.Counter
	TxDropped     prometheus.Counter
	TxRejected    prometheus.Counter
	TxResubmitted prometheus.Counter

	// Confirmation latency from broadcast to receipt
	ConfirmLatency prometheus.Histogram

	// Gauges for current state
	PendingTxCount prometheus.Gauge

	// HTTP server
	server *http.Server
	mu     sync.Mutex
}

// NewMetrics creates a new Metrics instance with the given namespace
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TxSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_submitted_total",
			Help:      "Total number of transactions broadcast",
		}),
		TxConfirmed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_confirmed_total",
			Help:      "Total number of transactions confirmed on-chain",
		}),
		TxFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_failed_total",
			Help:      "Total number of transactions that failed during approval or on-chain",
		}),
		TxDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_dropped_total",
			Help:      "Total number of transactions superseded at their nonce",
		}),
		TxRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_rejected_total",
			Help:      "Total number of transactions rejected before approval",
		}),
		TxResubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_resubmitted_total",
			Help:      "Total number of stuck transaction rebroadcasts",
		}),
		ConfirmLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_confirm_latency_seconds",
			Help:      "Latency from broadcast to confirmation in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		PendingTxCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tx_count",
			Help:      "Number of transactions awaiting on-chain resolution",
		}),
	}
}

// Start starts the HTTP server for Prometheus metrics
func (m *Metrics) Start(_ context.Context, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != nil {
		return fmt.Errorf("metrics server already running")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop stops the HTTP server gracefully
func (m *Metrics) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server == nil {
		return nil
	}

	err := m.server.Shutdown(ctx)
	m.server = nil
	return err
}

// RecordConfirmed increments the confirmed counter and records latency
func (m *Metrics) RecordConfirmed(latency time.Duration) {
	m.TxConfirmed.Inc()
	if latency > 0 {
		m.ConfirmLatency.Observe(latency.Seconds())
	}
}

// SetPendingCount sets the pending transaction count gauge
func (m *Metrics) SetPendingCount(count int) {
	m.PendingTxCount.Set(float64(count))
}

package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/upright-vc/libra2key/internal/transfer"
)

// Metrics is shared with the transfer coordinator, which reports read
// retries and confirmation waits through it.
type Metrics struct {
	registry            *prometheus.Registry
	transfersTotal      *prometheus.CounterVec
	mintsTotal          *prometheus.CounterVec
	historyQueriesTotal *prometheus.CounterVec
	readRetryTotal      *prometheus.CounterVec
	confirmationWait    *prometheus.HistogramVec
	reconciliationDepth prometheus.Gauge
	replaysTotal        *prometheus.CounterVec
}

var _ transfer.Observer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	transfers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libra2key_transfers_total",
		Help: "Transfers by outcome",
	}, []string{"outcome"})

	mints := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libra2key_mints_total",
		Help: "Faucet mint requests by status",
	}, []string{"status"})

	history := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libra2key_history_queries_total",
		Help: "Transaction history queries by status",
	}, []string{"status"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libra2key_read_retry_attempts_total",
		Help: "Account state read attempts by result",
	}, []string{"result"})

	wait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "libra2key_confirmation_wait_seconds",
		Help:    "Time spent waiting for transfer confirmation",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"outcome"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "libra2key_reconciliation_queue_depth",
		Help: "Number of transfers waiting for manual reconciliation",
	})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libra2key_idempotent_replays_total",
		Help: "Responses served from the idempotency store",
	}, []string{"endpoint"})

	r := prometheus.NewRegistry()
	r.MustRegister(transfers, mints, history, retries, wait, depth, replays)

	return &Metrics{
		registry:            r,
		transfersTotal:      transfers,
		mintsTotal:          mints,
		historyQueriesTotal: history,
		readRetryTotal:      retries,
		confirmationWait:    wait,
		reconciliationDepth: depth,
		replaysTotal:        replays,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incTransfer(outcome string) {
	m.transfersTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incMint(status string) {
	m.mintsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) incHistory(status string) {
	m.historyQueriesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) incReplay(endpoint string) {
	m.replaysTotal.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) setReconciliationDepth(depth int) {
	m.reconciliationDepth.Set(float64(depth))
}

// ReadRetry implements transfer.Observer.
func (m *Metrics) ReadRetry(result string) {
	m.readRetryTotal.WithLabelValues(result).Inc()
}

// ConfirmationWait implements transfer.Observer.
func (m *Metrics) ConfirmationWait(d time.Duration, kind transfer.Kind) {
	m.confirmationWait.WithLabelValues(kind.String()).Observe(d.Seconds())
}

package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RedemptionMetrics tracks the redemption session protocol.
type RedemptionMetrics struct {
	created     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	settlements *prometheus.CounterVec
	settleTime  prometheus.Histogram
	swept       prometheus.Counter
	streams     prometheus.Gauge
}

var (
	redemptionMetricsOnce sync.Once
	redemptionRegistry    *RedemptionMetrics
)

// Redemption returns the lazily-initialised redemption metrics registry.
func Redemption() *RedemptionMetrics {
	redemptionMetricsOnce.Do(func() {
		redemptionRegistry = &RedemptionMetrics{
			created: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "repaircoin",
				Subsystem: "redemption",
				Name:      "sessions_created_total",
				Help:      "Redemption sessions opened, segmented by home or cross-shop scope.",
			}, []string{"scope"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "repaircoin",
				Subsystem: "redemption",
				Name:      "transitions_total",
				Help:      "Session status transitions segmented by origin and target status.",
			}, []string{"from", "to"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "repaircoin",
				Subsystem: "redemption",
				Name:      "requests_rejected_total",
				Help:      "Protocol requests refused, segmented by operation and error code.",
			}, []string{"operation", "code"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "repaircoin",
				Subsystem: "redemption",
				Name:      "settlements_total",
				Help:      "Settlement attempts segmented by outcome.",
			}, []string{"outcome"}),
			settleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "repaircoin",
				Subsystem: "redemption",
				Name:      "settlement_duration_seconds",
				Help:      "Latency of the settlement unit of work.",
				Buckets:   prometheus.DefBuckets,
			}),
			swept: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "repaircoin",
				Subsystem: "redemption",
				Name:      "sessions_expired_total",
				Help:      "Sessions marked expired by the background sweeper.",
			}),
			streams: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "repaircoin",
				Subsystem: "redemption",
				Name:      "event_streams",
				Help:      "Open session event streams.",
			}),
		}
		prometheus.MustRegister(
			redemptionRegistry.created,
			redemptionRegistry.transitions,
			redemptionRegistry.rejected,
			redemptionRegistry.settlements,
			redemptionRegistry.settleTime,
			redemptionRegistry.swept,
			redemptionRegistry.streams,
		)
	})
	return redemptionRegistry
}

// RecordCreated counts a newly opened session.
func (m *RedemptionMetrics) RecordCreated(homeShop bool) {
	if m == nil {
		return
	}
	scope := "cross_shop"
	if homeShop {
		scope = "home"
	}
	m.created.WithLabelValues(scope).Inc()
}

// RecordTransition counts a committed status change.
func (m *RedemptionMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordRejected counts a refused request by its wire error code.
func (m *RedemptionMetrics) RecordRejected(operation, code string) {
	if m == nil {
		return
	}
	code = strings.TrimSpace(code)
	if code == "" {
		code = "unknown"
	}
	m.rejected.WithLabelValues(operation, code).Inc()
}

// ObserveSettlement records the outcome and latency of one settlement attempt.
func (m *RedemptionMetrics) ObserveSettlement(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
	m.settleTime.Observe(elapsed.Seconds())
}

// AddSwept counts sessions expired by the sweeper.
func (m *RedemptionMetrics) AddSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

// StreamOpened tracks websocket subscribers.
func (m *RedemptionMetrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streams.Inc()
}

// StreamClosed tracks websocket subscribers.
func (m *RedemptionMetrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streams.Dec()
}

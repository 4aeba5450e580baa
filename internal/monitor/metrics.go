package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SnapshotPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "desk_snapshot_publishes_total", Help: "Snapshots published to the state store"},
		[]string{"source"},
	)
	SnapshotVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "desk_snapshot_version", Help: "Latest published snapshot version"},
	)
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "desk_orders_submitted_total", Help: "Basket submissions by intent and outcome"},
		[]string{"intent", "outcome"},
	)
	OrderRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "desk_order_retries_total", Help: "Broker placement retries after transient failures"},
	)
	OrderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "desk_order_latency_seconds",
			Help:    "End-to-end basket submission latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
	StrategyState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "desk_strategy_state", Help: "1 for the current state of each strategy, 0 otherwise"},
		[]string{"strategy", "state"},
	)
	OperationalAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "desk_operational_alerts_total", Help: "Alerts raised for degraded conditions"},
		[]string{"kind"},
	)
	JournalWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "desk_journal_writes_total", Help: "Rows written by the journal"},
		[]string{"table"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "desk_http_requests_total", Help: "HTTP requests by route and status code"},
		[]string{"method", "route", "code"},
	)
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "desk_http_request_seconds", Help: "HTTP request latency", Buckets: prometheus.DefBuckets},
		[]string{"route"},
	)
	JournalErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "desk_journal_errors_total", Help: "Journal batches that failed to commit"},
	)
	RiskRejections = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "desk_risk_rejections_total", Help: "ENTRY baskets refused by pre-trade limits"},
	)
)

func init() {
	prometheus.MustRegister(
		SnapshotPublishes,
		SnapshotVersion,
		OrdersSubmitted,
		OrderRetries,
		OrderLatency,
		StrategyState,
		OperationalAlerts,
		JournalWrites,
		JournalErrors,
		HTTPRequests,
		HTTPLatency,
		RiskRejections,
	)
}

// SetStrategyState flips the state gauge so exactly one state reads 1 for name.
func SetStrategyState(name, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		StrategyState.WithLabelValues(name, s).Set(v)
	}
}

// ObserveOrder records a finished submission.
func ObserveOrder(intent, outcome string, started time.Time) {
	OrdersSubmitted.WithLabelValues(intent, outcome).Inc()
	OrderLatency.Observe(time.Since(started).Seconds())
}

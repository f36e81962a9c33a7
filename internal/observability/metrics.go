package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for HedgeLedger.
type Metrics struct {
	// --- Trigger & Decision ---
	TriggerEvaluations *prometheus.CounterVec
	DecisionCache      *prometheus.CounterVec

	// --- Settlement ---
	SettlementAttempts    *prometheus.CounterVec
	SettlementTransitions *prometheus.CounterVec
	SettlementDuration    *prometheus.HistogramVec
	SettlementLogAppends  *prometheus.CounterVec

	// --- Collateral Ledger ---
	LedgerOps        *prometheus.CounterVec
	LedgerOpDuration *prometheus.HistogramVec
	LedgerContention *prometheus.CounterVec
	LedgerReconciles *prometheus.CounterVec

	// --- Remote ledger ---
	RemoteCalls        *prometheus.CounterVec
	RemoteCallDuration *prometheus.HistogramVec

	// --- Price feed ---
	PriceFeedRequests *prometheus.CounterVec

	// --- Scheduler ---
	SchedulerRuns    *prometheus.CounterVec
	SchedulerLastRun prometheus.Gauge

	// --- Publishing ---
	PublishDrops  prometheus.Counter
	PublishErrors prometheus.Counter

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	// Remote calls wait for block inclusion, so buckets reach into tens of seconds.
	chainBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

	// Local-only requests (queries) finish well below the first chain bucket.
	localBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025}

	return &Metrics{
		TriggerEvaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_trigger_evaluations_total",
			Help: "Trigger evaluations by result (triggered, not_triggered, invalid)",
		}, []string{"result"}),

		DecisionCache: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_decision_cache_total",
			Help: "Decision cache lookups (hit/miss)",
		}, []string{"result"}),

		SettlementAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_settlement_attempts_total",
			Help: "Settlement attempts by mode and terminal state",
		}, []string{"mode", "state"}),

		SettlementTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_settlement_transitions_total",
			Help: "Settlement state machine transitions",
		}, []string{"mode", "to"}),

		SettlementDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hedge_settlement_duration_seconds",
			Help:    "End-to-end settlement attempt duration",
			Buckets: chainBuckets,
		}, []string{"mode"}),

		SettlementLogAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_settlement_log_appends_total",
			Help: "Settlement records appended (executed=true/false)",
		}, []string{"executed"}),

		LedgerOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_ledger_ops_total",
			Help: "Collateral ledger operations by result kind",
		}, []string{"op", "result"}),

		LedgerOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hedge_ledger_op_duration_seconds",
			Help:    "Collateral ledger operation duration including the remote call",
			Buckets: chainBuckets,
		}, []string{"op"}),

		LedgerContention: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_ledger_contention_total",
			Help: "Operations that had to wait for an in-flight operation on the same account",
		}, []string{"op"}),

		LedgerReconciles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_ledger_reconciles_total",
			Help: "Account reloads from remote read views",
		}, []string{"result"}),

		RemoteCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_remote_calls_total",
			Help: "Remote ledger calls by method and result",
		}, []string{"method", "result"}),

		RemoteCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hedge_remote_call_duration_seconds",
			Help:    "Remote ledger call latency (writes include receipt wait)",
			Buckets: chainBuckets,
		}, []string{"method"}),

		PriceFeedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_price_feed_requests_total",
			Help: "Price feed lookups by symbol and result",
		}, []string{"symbol", "result"}),

		SchedulerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_scheduler_runs_total",
			Help: "Scheduled pipeline runs by outcome",
		}, []string{"outcome"}),

		SchedulerLastRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_scheduler_last_run_timestamp_seconds",
			Help: "Unix time of the last scheduled run",
		}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "hedge_publish_drops_total",
			Help: "Settlement events dropped due to full publish channel",
		}),

		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "hedge_publish_errors_total",
			Help: "Settlement events that failed to publish",
		}),

		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		APIDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hedge_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: append(localBuckets, chainBuckets...),
		}, []string{"route"}),
	}
}

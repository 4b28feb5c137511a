package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus metrics for the SAKA ledger
// =============================================================================

var (
	// harvestTotal counts harvest calls.
	// Labels: reason, outcome (credited, limit_reached, error)
	harvestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saka",
		Subsystem: "ledger",
		Name:      "harvest_total",
		Help:      "Harvest calls by reason and outcome",
	}, []string{"reason", "outcome"})

	// spendTotal counts spend calls.
	// Labels: reason, outcome (debited, insufficient_balance, error)
	spendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saka",
		Subsystem: "ledger",
		Name:      "spend_total",
		Help:      "Spend calls by reason and outcome",
	}, []string{"reason", "outcome"})

	// grainsTotal sums grains moved per transaction type.
	grainsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saka",
		Subsystem: "ledger",
		Name:      "grains_total",
		Help:      "Grains moved by transaction type",
	}, []string{"transaction_type"})

	engineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saka",
		Subsystem: "engine",
		Name:      "runs_total",
		Help:      "Compost and redistribution runs",
	}, []string{"engine", "dry_run"})

	engineWalletFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saka",
		Subsystem: "engine",
		Name:      "wallet_failures_total",
		Help:      "Per-wallet failures isolated during engine runs",
	}, []string{"engine"})

	engineRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "saka",
		Subsystem: "engine",
		Name:      "run_duration_seconds",
		Help:      "Engine run duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
	}, []string{"engine"})

	// guardRejections counts writes stopped by the mutation guard.
	// Labels: table, operation (save, bulk_update, raw, delete, update)
	guardRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saka",
		Subsystem: "guard",
		Name:      "rejections_total",
		Help:      "Writes rejected by the mutation guard",
	}, []string{"table", "operation"})

	integrityAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saka",
		Subsystem: "integrity",
		Name:      "alerts_total",
		Help:      "Integrity alerts raised by detection method",
	}, []string{"method"})

	alertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saka",
		Subsystem: "integrity",
		Name:      "alerts_suppressed_total",
		Help:      "Alerts dropped inside the dedupe window",
	})

	outboxDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saka",
		Subsystem: "outbox",
		Name:      "deliveries_total",
		Help:      "Outbox deliveries by event type and result (sent, retry, failed)",
	}, []string{"event_type", "result"})
)

func RecordHarvest(reason, outcome string) {
	harvestTotal.WithLabelValues(reason, outcome).Inc()
}

func RecordSpend(reason, outcome string) {
	spendTotal.WithLabelValues(reason, outcome).Inc()
}

func RecordGrains(transactionType string, amount int64) {
	if amount <= 0 {
		return
	}
	grainsTotal.WithLabelValues(transactionType).Add(float64(amount))
}

// RecordEngineRun records one engine run and its duration.
func RecordEngineRun(engine string, dryRun bool, durationSec float64) {
	label := "false"
	if dryRun {
		label = "true"
	}
	engineRuns.WithLabelValues(engine, label).Inc()
	engineRunDuration.WithLabelValues(engine).Observe(durationSec)
}

func RecordEngineWalletFailure(engine string) {
	engineWalletFailures.WithLabelValues(engine).Inc()
}

func RecordGuardRejection(table, operation string) {
	guardRejections.WithLabelValues(table, operation).Inc()
}

func RecordIntegrityAlert(method string) {
	integrityAlerts.WithLabelValues(method).Inc()
}

func RecordAlertSuppressed() {
	alertsSuppressed.Inc()
}

func RecordOutboxDelivery(eventType, result string) {
	outboxDeliveries.WithLabelValues(eventType, result).Inc()
}

package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "coldchain_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	readingsTotal     *prometheus.CounterVec
	readingLatency    *prometheus.HistogramVec
	readingRejections *prometheus.CounterVec

	evaluationsTotal  *prometheus.CounterVec
	evaluationLatency *prometheus.HistogramVec
	statusTransitions *prometheus.CounterVec
	stateErrors       *prometheus.CounterVec
	ruleFallbacks     *prometheus.CounterVec

	alertEventsTotal *prometheus.CounterVec

	monitorSweeps       *prometheus.CounterVec
	monitorSweepLatency prometheus.Histogram
	monitorTicks        prometheus.Counter

	notificationsTotal *prometheus.CounterVec
	outboxDispatch     *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers collectors. db may be nil when running on in-memory stores.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		readingsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_total",
				Help: "Total submitted readings by result",
			},
			[]string{"result"},
		)
		readingLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "reading_latency_seconds",
				Help:    "Reading ingestion latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		readingRejections = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reading_rejections_total",
				Help: "Rejected readings by reason",
			},
			[]string{"reason"},
		)

		evaluationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "evaluations_total",
				Help: "Unit evaluations by trigger and result",
			},
			[]string{"trigger", "result"},
		)
		evaluationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "evaluation_latency_seconds",
				Help:    "Evaluation latency in seconds, persistence included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"trigger"},
		)
		statusTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "unit_status_transitions_total",
				Help: "Unit status transitions",
			},
			[]string{"from", "to"},
		)
		stateErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "unit_state_errors_total",
				Help: "Evaluations skipped because of corrupted unit state",
			},
			[]string{"reason"},
		)
		ruleFallbacks = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_fallbacks_total",
				Help: "Rule resolutions that fell back to the conservative default",
			},
			[]string{"reason"},
		)

		alertEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_events_total",
				Help: "Alert lifecycle events by type and action",
			},
			[]string{"type", "action"},
		)

		monitorSweeps = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "monitor_sweeps_total",
				Help: "Offline monitor sweeps by result",
			},
			[]string{"result"},
		)
		monitorSweepLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "monitor_sweep_latency_seconds",
				Help:    "Offline monitor sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)
		monitorTicks = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "monitor_ticks_total",
				Help: "Synthetic no-reading ticks evaluated",
			},
		)

		notificationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Notification deliveries by channel and result",
			},
			[]string{"channel", "result"},
		)
		outboxDispatch = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_dispatch_total",
				Help: "Outbox dispatch attempts by result",
			},
			[]string{"result"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_export_total",
				Help: "Alert history exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "alert_export_latency_seconds",
				Help:    "Alert history export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format"},
		)

		prometheus.MustRegister(
			readingsTotal,
			readingLatency,
			readingRejections,
			evaluationsTotal,
			evaluationLatency,
			statusTransitions,
			stateErrors,
			ruleFallbacks,
			alertEventsTotal,
			monitorSweeps,
			monitorSweepLatency,
			monitorTicks,
			notificationsTotal,
			outboxDispatch,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveReading records one submitted reading.
func ObserveReading(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if readingsTotal != nil {
		readingsTotal.WithLabelValues(result).Inc()
	}
	if readingLatency != nil {
		readingLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncReadingRejected counts a rejected reading.
func IncReadingRejected(reason string) {
	if readingRejections != nil {
		readingRejections.WithLabelValues(reason).Inc()
	}
}

// ObserveEvaluation records an evaluation for a reading or a tick.
func ObserveEvaluation(trigger string, err error, duration time.Duration) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if evaluationsTotal != nil {
		evaluationsTotal.WithLabelValues(trigger, result).Inc()
	}
	if evaluationLatency != nil {
		evaluationLatency.WithLabelValues(trigger).Observe(duration.Seconds())
	}
}

// IncStatusTransition counts a unit status change.
func IncStatusTransition(from, to string) {
	if from == to {
		return
	}
	if statusTransitions != nil {
		statusTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncStateError(reason string) {
	if stateErrors != nil {
		stateErrors.WithLabelValues(reason).Inc()
	}
}

func IncRuleFallback(reason string) {
	if ruleFallbacks != nil {
		ruleFallbacks.WithLabelValues(reason).Inc()
	}
}

// IncAlertEvent increments alert lifecycle counters.
func IncAlertEvent(alertType, action string) {
	if action == "" {
		action = "unknown"
	}
	if alertEventsTotal != nil {
		alertEventsTotal.WithLabelValues(alertType, action).Inc()
	}
}

// ObserveMonitorSweep records one offline monitor cycle.
func ObserveMonitorSweep(result string, ticked int, duration time.Duration) {
	if monitorSweeps != nil {
		monitorSweeps.WithLabelValues(result).Inc()
	}
	if monitorSweepLatency != nil && result != "skipped" {
		monitorSweepLatency.Observe(duration.Seconds())
	}
	if monitorTicks != nil && ticked > 0 {
		monitorTicks.Add(float64(ticked))
	}
}

func IncNotification(channel string, err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if notificationsTotal != nil {
		notificationsTotal.WithLabelValues(channel, result).Inc()
	}
}

// IncOutboxDispatch counts dispatch results: sent, retry or dead.
func IncOutboxDispatch(result string) {
	if outboxDispatch != nil {
		outboxDispatch.WithLabelValues(result).Inc()
	}
}

func ObserveExport(format, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format).Observe(duration.Seconds())
	}
}

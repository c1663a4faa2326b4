package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Action call paths and outcomes used as label values.
const (
	PathLocal  = "local"
	PathRemote = "remote"
	PathServe  = "serve"

	OutcomeOK             = "ok"
	OutcomeActionError    = "action_error"
	OutcomeTransportError = "transport_error"
	OutcomeUnknown        = "unknown_action"
)

var (
	registerOnce sync.Once

	adminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zonectl",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Admin HTTP requests by zone kind, zone address, route, and status.",
		},
		[]string{"kind", "zone", "method", "route", "status"},
	)
	adminDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zonectl",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "zone", "route"},
	)
	adminActionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zonectl",
			Subsystem: "admin",
			Name:      "action_requests_total",
			Help:      "Actions invoked through the admin API by zone, action, and status.",
		},
		[]string{"zone", "action", "status"},
	)
	actionCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zonectl",
			Subsystem: "action",
			Name:      "calls_total",
			Help:      "Action calls by zone, action, path, and outcome.",
		},
		[]string{"zone", "action", "path", "outcome"},
	)
	actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zonectl",
			Subsystem: "action",
			Name:      "call_duration_seconds",
			Help:      "Action call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"zone", "action", "path"},
	)
	actionInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zonectl",
			Subsystem: "action",
			Name:      "in_flight",
			Help:      "Action executions currently holding a concurrency slot.",
		},
		[]string{"zone", "action"},
	)
	actionWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zonectl",
			Subsystem: "action",
			Name:      "waiting",
			Help:      "Action executions queued for a concurrency slot.",
		},
		[]string{"zone", "action"},
	)
	storeVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zonectl",
			Subsystem: "store",
			Name:      "version",
			Help:      "Committed or applied state version.",
		},
		[]string{"zone"},
	)
	storeSnapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zonectl",
			Subsystem: "store",
			Name:      "snapshots_total",
			Help:      "State snapshots by zone and result (committed, applied, stale).",
		},
		[]string{"zone", "result"},
	)
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zonectl",
			Subsystem: "events",
			Name:      "total",
			Help:      "Event bus emissions and deliveries.",
		},
		[]string{"zone", "direction"},
	)
	alarmRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zonectl",
			Subsystem: "alarm",
			Name:      "runs_total",
			Help:      "Alarm handler runs by alarm and outcome.",
		},
		[]string{"alarm", "outcome"},
	)
	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zonectl",
			Subsystem: "transport",
			Name:      "envelopes_total",
			Help:      "Envelopes sent and received by zone and kind.",
		},
		[]string{"zone", "kind", "direction"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			adminRequests,
			adminDuration,
			adminActionRequests,
			actionCalls,
			actionDuration,
			actionInFlight,
			actionWaiting,
			storeVersion,
			storeSnapshots,
			eventsTotal,
			alarmRuns,
			envelopes,
		)
	})
}

// RecordAdminRequest counts one admin request. action is empty outside
// /actions/:id.
func RecordAdminRequest(scope AdminScope, method, route, action string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	adminRequests.WithLabelValues(scope.Kind, scope.Address, method, route, statusLabel).Inc()
	adminDuration.WithLabelValues(scope.Kind, scope.Address, route).Observe(duration.Seconds())
	if action != "" {
		adminActionRequests.WithLabelValues(scope.Address, action, statusLabel).Inc()
	}
}

func RecordActionCall(zone, action, path, outcome string, duration time.Duration) {
	RegisterMetrics()
	actionCalls.WithLabelValues(zone, action, path, outcome).Inc()
	actionDuration.WithLabelValues(zone, action, path).Observe(duration.Seconds())
}

func SetActionConcurrency(zone, action string, inFlight, waiting int64) {
	RegisterMetrics()
	actionInFlight.WithLabelValues(zone, action).Set(float64(inFlight))
	actionWaiting.WithLabelValues(zone, action).Set(float64(waiting))
}

func RecordStoreSnapshot(zone, result string, version uint64) {
	RegisterMetrics()
	storeSnapshots.WithLabelValues(zone, result).Inc()
	if result != "stale" {
		storeVersion.WithLabelValues(zone).Set(float64(version))
	}
}

func RecordEvent(zone, direction string) {
	RegisterMetrics()
	eventsTotal.WithLabelValues(zone, direction).Inc()
}

func RecordAlarmRun(alarm string, err error) {
	RegisterMetrics()
	outcome := OutcomeOK
	if err != nil {
		outcome = "error"
	}
	alarmRuns.WithLabelValues(alarm, outcome).Inc()
}

func RecordEnvelope(zone, kind, direction string) {
	RegisterMetrics()
	envelopes.WithLabelValues(zone, kind, direction).Inc()
}

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/hosting-engine/eko"
	"github.com/warp/hosting-engine/hosting"
)

// ─── EKO ─────────────────────────────────────────────────────────────────────

// PointsGranted counts points credited, by action type.
var PointsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hosting",
	Subsystem: "eko",
	Name:      "points_granted_total",
	Help:      "Total EKO points credited, by action type.",
}, []string{"action"})

// PointsDebited counts points removed by redemptions and adjustments.
var PointsDebited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hosting",
	Subsystem: "eko",
	Name:      "points_debited_total",
	Help:      "Total EKO points debited, by action type.",
}, []string{"action"})

// Redemptions counts redeem requests by outcome.
var Redemptions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hosting",
	Subsystem: "eko",
	Name:      "redemptions_total",
	Help:      "Total redemption requests, by outcome.",
}, []string{"outcome"})

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// LifecycleTransitions counts committed lifecycle events.
var LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hosting",
	Subsystem: "lifecycle",
	Name:      "transitions_total",
	Help:      "Total service lifecycle events, by event and resulting status.",
}, []string{"event", "from", "to"})

// ─── Scheduler ───────────────────────────────────────────────────────────────

var SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hosting",
	Subsystem: "scheduler",
	Name:      "runs_total",
	Help:      "Total renewal sweeps, by outcome.",
}, []string{"outcome"})

var SchedulerServices = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hosting",
	Subsystem: "scheduler",
	Name:      "services_total",
	Help:      "Services handled by renewal sweeps, by result (renewed, suspended, failed).",
}, []string{"result"})

var SchedulerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "hosting",
	Subsystem: "scheduler",
	Name:      "sweep_duration_seconds",
	Help:      "Renewal sweep duration in seconds.",
	Buckets:   prometheus.DefBuckets,
})

var SchedulerLastRun = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "hosting",
	Subsystem: "scheduler",
	Name:      "last_run_timestamp_seconds",
	Help:      "Unix time of the last completed renewal sweep.",
})

// MetricsObserver feeds ledger and lifecycle events into the collectors.
type MetricsObserver struct{}

var (
	_ eko.Observer     = MetricsObserver{}
	_ hosting.Observer = MetricsObserver{}
)

func (MetricsObserver) EntryRecorded(e eko.Entry) {
	switch {
	case e.Points > 0:
		PointsGranted.WithLabelValues(string(e.Action)).Add(float64(e.Points))
	case e.Points < 0:
		PointsDebited.WithLabelValues(string(e.Action)).Add(float64(-e.Points))
	}
}

func (MetricsObserver) Transitioned(_ string, from, to hosting.Status, event hosting.Event) {
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "none"
	}
	LifecycleTransitions.WithLabelValues(string(event), fromLabel, string(to)).Inc()
}

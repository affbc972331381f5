// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	// Scheduler metrics
	TicksTotal       prometheus.Counter
	TickErrors       prometheus.Counter
	RoundTransitions prometheus.Counter
	RemainingSlots   prometheus.Gauge
	AttemptDuration  *prometheus.HistogramVec

	// Placement metrics
	PlacementsTotal  *prometheus.CounterVec
	StakedLamports   prometheus.Counter
	PlannerBestEV    prometheus.Gauge
	QueueTruncations prometheus.Counter

	// Latency estimator metrics
	LatencyEstimateMs *prometheus.GaugeVec

	// Stream metrics
	StreamUpdates   prometheus.Counter
	StreamMissed    prometheus.Counter
	StreamRefreshes *prometheus.CounterVec
	StreamHealthy   prometheus.Gauge

	// Collaborator metrics
	CheckpointSubmissions *prometheus.CounterVec
	PriceRefreshes        *prometheus.CounterVec
	RoundOutcomes         *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ore_agent"
	}

	return &Metrics{
		TicksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total number of run loop ticks",
		}),
		TickErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_errors_total",
			Help:      "Total number of ticks that failed and backed off",
		}),
		RoundTransitions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "round_transitions_total",
			Help:      "Total number of observed round transitions",
		}),
		RemainingSlots: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "remaining_slots",
			Help:      "Slots remaining in the current round window",
		}),
		AttemptDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "attempt_duration_seconds",
			Help:      "Placement attempt duration by phase",
			Buckets:   []float64{.01, .025, .05, .1, .2, .4, .8, 1.6, 3.2},
		}, []string{"phase"}),

		PlacementsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "placement",
			Name:      "placements_total",
			Help:      "Total number of placements by status",
		}, []string{"status"}),
		StakedLamports: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "placement",
			Name:      "staked_lamports_total",
			Help:      "Total lamports staked by successful placements",
		}),
		PlannerBestEV: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "placement",
			Name:      "planner_best_ev_ratio",
			Help:      "Best EV ratio seen by the last planning pass",
		}),
		QueueTruncations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "placement",
			Name:      "queue_truncations_total",
			Help:      "Total number of queues cut short by the time budget",
		}),

		LatencyEstimateMs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "latency",
			Name:      "estimate_ms",
			Help:      "Rolling latency estimates in milliseconds",
		}, []string{"phase", "stat"}),

		StreamUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "updates_total",
			Help:      "Total number of applied round stream updates",
		}),
		StreamMissed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "missed_updates_total",
			Help:      "Total number of out-of-order round stream updates dropped",
		}),
		StreamRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "refreshes_total",
			Help:      "Total number of pull refreshes by result",
		}, []string{"result"}),
		StreamHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "healthy",
			Help:      "1 when the round stream is healthy",
		}),

		CheckpointSubmissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "submissions_total",
			Help:      "Total number of checkpoint submissions by result",
		}, []string{"result"}),
		PriceRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "refreshes_total",
			Help:      "Total number of price refreshes by result",
		}, []string{"result"}),
		RoundOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rounds",
			Name:      "outcomes_total",
			Help:      "Total number of evaluated rounds by outcome",
		}, []string{"outcome"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordTick increments the tick counter, and the error counter on failure.
func RecordTick(err error) {
	DefaultMetrics.TicksTotal.Inc()
	if err != nil {
		DefaultMetrics.TickErrors.Inc()
	}
}

// RecordRoundTransition increments the round transition counter.
func RecordRoundTransition() {
	DefaultMetrics.RoundTransitions.Inc()
}

// UpdateRemainingSlots sets the remaining slots gauge.
func UpdateRemainingSlots(slots int64) {
	DefaultMetrics.RemainingSlots.Set(float64(slots))
}

// RecordAttemptPhase records how long one phase of a placement attempt took.
func RecordAttemptPhase(phase string, seconds float64) {
	DefaultMetrics.AttemptDuration.WithLabelValues(phase).Observe(seconds)
}

// RecordPlacement counts one placement outcome.
func RecordPlacement(status string, lamports uint64, succeeded bool) {
	DefaultMetrics.PlacementsTotal.WithLabelValues(status).Inc()
	if succeeded {
		DefaultMetrics.StakedLamports.Add(float64(lamports))
	}
}

// UpdatePlannerBestEV sets the best EV gauge.
func UpdatePlannerBestEV(ev float64) {
	DefaultMetrics.PlannerBestEV.Set(ev)
}

// RecordQueueTruncated counts a queue cut short by the time budget.
func RecordQueueTruncated() {
	DefaultMetrics.QueueTruncations.Inc()
}

// UpdateLatencyEstimate sets a latency estimate gauge.
func UpdateLatencyEstimate(phase, stat string, ms float64) {
	DefaultMetrics.LatencyEstimateMs.WithLabelValues(phase, stat).Set(ms)
}

// RecordStreamUpdate counts an applied stream update.
func RecordStreamUpdate() {
	DefaultMetrics.StreamUpdates.Inc()
}

// RecordStreamMissed counts an out-of-order stream update.
func RecordStreamMissed() {
	DefaultMetrics.StreamMissed.Inc()
}

// RecordStreamRefresh counts a pull refresh.
func RecordStreamRefresh(err error) {
	DefaultMetrics.StreamRefreshes.WithLabelValues(result(err)).Inc()
}

// UpdateStreamHealthy sets the stream health gauge.
func UpdateStreamHealthy(healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	DefaultMetrics.StreamHealthy.Set(v)
}

// RecordCheckpoint counts a checkpoint submission.
func RecordCheckpoint(err error) {
	DefaultMetrics.CheckpointSubmissions.WithLabelValues(result(err)).Inc()
}

// RecordPriceRefresh counts a price refresh.
func RecordPriceRefresh(err error) {
	DefaultMetrics.PriceRefreshes.WithLabelValues(result(err)).Inc()
}

// RecordRoundOutcome counts an evaluated round.
func RecordRoundOutcome(outcome string) {
	DefaultMetrics.RoundOutcomes.WithLabelValues(outcome).Inc()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksCreated counts submitted task requests.
	TasksCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hive_tasks_created_total",
		Help: "Total number of task requests created",
	})

	// TasksReaped counts successful task reservations by bots.
	TasksReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hive_tasks_reaped_total",
		Help: "Total number of tasks claimed by bots",
	})

	// TasksCompleted counts tasks reaching a terminal state, by state.
	TasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_tasks_terminal_total",
		Help: "Total number of tasks reaching a terminal state",
	}, []string{"state"})

	// ClaimConflicts counts queue entries that were already taken when a
	// claim transaction ran.
	ClaimConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hive_claim_conflicts_total",
		Help: "Total number of claim attempts that lost the race",
	})

	// BotPolls counts bot polls by the command returned.
	BotPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_bot_polls_total",
		Help: "Total number of bot polls by resulting command",
	}, []string{"command"})

	// TaskUpdates counts bot task updates.
	TaskUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hive_task_updates_total",
		Help: "Total number of bot task updates applied",
	})

	// OutputBytes counts task output bytes committed to the store.
	OutputBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hive_output_bytes_total",
		Help: "Total task output bytes committed",
	})

	// SweepDuration observes the duration of sweeper passes.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hive_sweep_duration_seconds",
		Help:    "Duration of expiration/timeout sweeper passes",
		Buckets: prometheus.DefBuckets,
	})

	// TasksPending gauges the number of claimable queue entries.
	TasksPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hive_tasks_pending",
		Help: "Number of claimable queue entries",
	})

	// TasksRunning gauges the number of running task attempts.
	TasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hive_tasks_running",
		Help: "Number of running task attempts",
	})

	// BotsKnown gauges the number of registered bots.
	BotsKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hive_bots_known",
		Help: "Number of bots the server has seen",
	})

	// BotsQuarantined gauges the number of quarantined bots.
	BotsQuarantined = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hive_bots_quarantined",
		Help: "Number of quarantined bots",
	})

	// APIRequestDuration observes HTTP handler latency.
	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hive_api_request_duration_seconds",
		Help:    "Duration of API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		TasksCreated,
		TasksReaped,
		TasksCompleted,
		ClaimConflicts,
		BotPolls,
		TaskUpdates,
		OutputBytes,
		SweepDuration,
		TasksPending,
		TasksRunning,
		BotsKnown,
		BotsQuarantined,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	// OutcomeDryRun labels passes computed without persistence.
	OutcomeDryRun = "dry_run"
	// OutcomeBusy labels passes rejected because the session lock was held.
	OutcomeBusy = "busy"
)

var (
	passesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planner",
			Name:      "passes_total",
			Help:      "Scheduling passes handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	passDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "planner",
			Name:      "pass_seconds",
			Help:      "Scheduling pass latency in seconds, persistence included.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planner",
			Name:      "anomalies_total",
			Help:      "Anomalies seen by committed passes, partitioned by result.",
		},
		[]string{"result"},
	)

	windowsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "planner",
			Name:      "windows_created_total",
			Help:      "Maintenance windows synthesized and persisted.",
		},
	)

	triggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planner",
			Name:      "triggers_total",
			Help:      "Pass triggers received by the worker pool, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches the planner collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		passesTotal,
		passDurationSeconds,
		anomaliesTotal,
		windowsCreatedTotal,
		triggersTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Recorder forwards service and worker observations to the package
// collectors.
type Recorder struct{}

func (Recorder) ObservePass(outcome string, duration time.Duration) {
	switch outcome {
	case OutcomeSuccess, OutcomeDryRun, OutcomeBusy:
	default:
		outcome = OutcomeError
	}
	passesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	passDurationSeconds.Observe(duration.Seconds())
}

func (Recorder) CountAnomalies(assigned, failed, unassigned int) {
	anomaliesTotal.WithLabelValues("assigned").Add(float64(assigned))
	anomaliesTotal.WithLabelValues("failed").Add(float64(failed))
	anomaliesTotal.WithLabelValues("unassigned").Add(float64(unassigned))
}

func (Recorder) CountWindowsCreated(n int) {
	windowsCreatedTotal.Add(float64(n))
}

func (Recorder) ObserveTrigger(outcome string) {
	triggersTotal.WithLabelValues(outcome).Inc()
}

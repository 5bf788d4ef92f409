package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report engine activity.
type Metrics struct {
	stateDuration *prometheus.HistogramVec
	roleRetries   *prometheus.CounterVec
	taskOutcomes  *prometheus.CounterVec
	repairRounds  *prometheus.CounterVec
	tasksActive   prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once so
// that building several engines (tests, a CLI resuming many tasks) does not
// trip duplicate registration panics.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Pass a fresh registry when unique collectors are required (for example in
// tests). Registration errors other than duplicate registration panic, which
// mirrors promauto semantics and surfaces configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stateDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "state_duration_seconds",
			Help:      "Time spent working one state before its transition committed.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"state", "outcome"},
	)
	roleRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "role_retries_total",
			Help:      "Number of times a role invocation was retried after a transient failure.",
		},
		[]string{"role"},
	)
	taskOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "task_outcomes_total",
			Help:      "Tasks settled into a terminal status.",
		},
		[]string{"status"},
	)
	repairRounds := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "repair_rounds_total",
			Help:      "Repair loop entries, split by which loop bounced.",
		},
		[]string{"loop"},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "tasks_active",
			Help:      "Number of tasks currently being driven by this process.",
		},
	)

	collectors := []prometheus.Collector{stateDuration, roleRetries, taskOutcomes, repairRounds, tasksActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				// Reuse the existing collector when it matches the expected type.
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					stateDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target {
					case roleRetries:
						roleRetries = already.ExistingCollector.(*prometheus.CounterVec)
					case taskOutcomes:
						taskOutcomes = already.ExistingCollector.(*prometheus.CounterVec)
					case repairRounds:
						repairRounds = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					tasksActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stateDuration: stateDuration,
		roleRetries:   roleRetries,
		taskOutcomes:  taskOutcomes,
		repairRounds:  repairRounds,
		tasksActive:   tasksActive,
	}
}

// ObserveStateDuration records the time one state took, labelled with the
// guard that moved the task on.
func (m *Metrics) ObserveStateDuration(state, outcome string, duration time.Duration) {
	if m == nil || m.stateDuration == nil {
		return
	}
	m.stateDuration.WithLabelValues(state, outcome).Observe(duration.Seconds())
}

// IncRoleRetry counts one retried role invocation.
func (m *Metrics) IncRoleRetry(roleName string) {
	if m == nil || m.roleRetries == nil {
		return
	}
	m.roleRetries.WithLabelValues(roleName).Inc()
}

// IncTaskOutcome counts a task settling into done or failed.
func (m *Metrics) IncTaskOutcome(status string) {
	if m == nil || m.taskOutcomes == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(status).Inc()
}

// IncRepairRound counts one entry into a repair state.
func (m *Metrics) IncRepairRound(loop string) {
	if m == nil || m.repairRounds == nil {
		return
	}
	m.repairRounds.WithLabelValues(loop).Inc()
}

// IncActiveTasks marks a task as being driven.
func (m *Metrics) IncActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Inc()
}

// DecActiveTasks marks a driven task as released.
func (m *Metrics) DecActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Dec()
}

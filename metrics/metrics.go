// Package metrics exports registry activity as prometheus metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sarchlab/iotrack/hooking"
	"github.com/sarchlab/iotrack/session"
	"github.com/sarchlab/iotrack/tracking"
)

const namespace = "iotrack"

var (
	recordsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_created_total",
			Help:      "Count of tracking records created.",
		},
	)
	recordsReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_released_total",
			Help:      "Count of tracking records released.",
		},
	)
	recordsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_live",
			Help:      "Number of tracking records not released yet.",
		},
	)
	violations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Count of protocol violations by kind.",
		},
		[]string{"kind"},
	)
	surrogatesSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "surrogates_spawned_total",
			Help:      "Count of surrogate records spawned.",
		},
	)
	sessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Number of sessions not forgotten yet.",
		},
	)
)

var registerMetrics sync.Once

// Register registers all metrics with the default prometheus registerer.
func Register() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(recordsCreated)
		prometheus.MustRegister(recordsReleased)
		prometheus.MustRegister(recordsLive)
		prometheus.MustRegister(violations)
		prometheus.MustRegister(surrogatesSpawned)
		prometheus.MustRegister(sessionsOpen)

		for _, k := range tracking.AllViolationKinds() {
			violations.WithLabelValues(k.String())
		}
	})
}

// Hook updates the metrics from the hooks of a tracking database and a
// session manager.
type Hook struct{}

// NewHook creates a metrics hook.
func NewHook() *Hook {
	return &Hook{}
}

// Func updates the metric the hook position stands for.
func (h *Hook) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case tracking.HookPosRecordCreate:
		recordsCreated.Inc()
		recordsLive.Inc()
	case tracking.HookPosRecordFree:
		recordsReleased.Inc()
		recordsLive.Dec()
	case tracking.HookPosViolation:
		RecordViolation(ctx.Item.(tracking.Violation).Kind)
	case session.HookPosSurrogateSpawn:
		surrogatesSpawned.Inc()
	case session.HookPosSessionCreate:
		sessionsOpen.Inc()
	case session.HookPosSessionClose:
		sessionsOpen.Dec()
	}
}

// RecordViolation counts a violation of the given kind.
func RecordViolation(kind tracking.ViolationKind) {
	violations.WithLabelValues(kind.String()).Inc()
}

package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"dbus-systemcalc-go/internal/bus"
)

// Metrics are the operational counters SPEC_FULL.md §6 calls for: tick
// duration, dirty-recompute count, and supervisor-kill count, grounded in
// the same prometheus/client_golang usage the retrieval pack's web-scraping
// and edge-OS examples make of instrumenting a long-running loop. They are
// registered on their own registry; cmd/systemcalc decides whether to serve
// it.
type Metrics struct {
	Registry *prometheus.Registry

	TickDuration    prometheus.Histogram
	Recomputes      prometheus.Counter
	EventsDropped   prometheus.Counter
	SupervisorKills prometheus.Counter
}

// NewMetrics registers every gauge/counter/histogram, including a GaugeFunc
// mirroring internal/bus's own Dropped counter so a slow subscriber shows up
// in the same place as the engine's own event-queue drops.
func NewMetrics(b *bus.Bus) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "systemcalc_tick_duration_seconds",
			Help:    "Wall-clock duration of one aggregation tick.",
			Buckets: prometheus.DefBuckets,
		}),
		Recomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "systemcalc_dirty_recomputes_total",
			Help: "Number of ticks where the aggregation pipeline actually ran.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "systemcalc_engine_events_dropped_total",
			Help: "Number of bus-derived events dropped because the engine's queue was full.",
		}),
		SupervisorKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "systemcalc_supervisor_kills_total",
			Help: "Number of peer services killed for failing a liveness probe.",
		}),
	}

	busDropped := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "systemcalc_bus_dropped_messages_total",
		Help: "Messages dropped by the bus because a subscriber's queue was full.",
	}, func() float64 { return float64(b.Dropped.Load()) })

	reg.MustRegister(m.TickDuration, m.Recomputes, m.EventsDropped, m.SupervisorKills, busDropped)
	return m
}

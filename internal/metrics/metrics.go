// Package metrics exposes the supervisor's Prometheus metrics: a
// custom-registry Collector covering pool-registry slot occupancy,
// control-channel handoff outcomes, and worker lifecycle counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the supervisor reports.
type Collector struct {
	Registry *prometheus.Registry

	slotsActive      *prometheus.GaugeVec
	slotsPooled      *prometheus.GaugeVec
	slotsReassigning *prometheus.GaugeVec
	slotsUnused      *prometheus.GaugeVec
	registryFull     prometheus.Counter

	handoffsTotal       *prometheus.CounterVec
	handoffDuration     prometheus.Histogram
	reuseCycleDuration  *prometheus.HistogramVec
	assignDecisionTotal *prometheus.CounterVec

	workersForked    prometheus.Counter
	workersReaped    *prometheus.CounterVec
	forkDuration     prometheus.Histogram
	evictionsTotal   *prometheus.CounterVec
	shutdownDrainLen prometheus.Gauge
}

// New creates and registers all metrics on a fresh registry. Safe to call
// multiple times — each call returns an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		slotsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolcore_slots_active",
				Help: "Registry slots currently Active, by database",
			},
			[]string{"database"},
		),
		slotsPooled: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolcore_slots_pooled",
				Help: "Registry slots currently Pooled, by database",
			},
			[]string{"database"},
		),
		slotsReassigning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolcore_slots_reassigning",
				Help: "Registry slots currently Reassigning, by database",
			},
			[]string{"database"},
		),
		slotsUnused: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolcore_slots_unused",
				Help: "Registry slots currently Unused",
			},
			[]string{"database"},
		),
		registryFull: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "poolcore_registry_full_total",
				Help: "Times RegisterWorker failed because the registry had no free slot",
			},
		),

		handoffsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolcore_handoffs_total",
				Help: "Client handoffs over the control channel, by outcome",
			},
			[]string{"outcome"}, // sent, revert_no_channel, revert_send_failed
		),
		handoffDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "poolcore_handoff_duration_seconds",
				Help:    "Time to send a client fd over the control channel",
				Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
			},
		),
		reuseCycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poolcore_reuse_cycle_duration_seconds",
				Help:    "Time a worker spends from Active back to Waiting on the reuse protocol",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 18),
			},
			[]string{"database"},
		),
		assignDecisionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolcore_assign_decisions_total",
				Help: "assign_client outcomes, by decision",
			},
			[]string{"decision"}, // matched, forked, rejected
		),

		workersForked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "poolcore_workers_forked_total",
				Help: "Fresh worker processes forked",
			},
		),
		workersReaped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolcore_workers_reaped_total",
				Help: "Worker processes reaped, by exit status",
			},
			[]string{"status"}, // ok, error
		),
		forkDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "poolcore_fork_duration_seconds",
				Help:    "Time from accept to a fresh worker's cmd.Start() returning",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
		evictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolcore_evictions_total",
				Help: "Pooled slots closed by evict_database, by database",
			},
			[]string{"database"},
		),
		shutdownDrainLen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "poolcore_shutdown_drain_slots",
				Help: "Pooled slots closed by the most recent shutdown_pooled call",
			},
		),
	}

	reg.MustRegister(
		c.slotsActive,
		c.slotsPooled,
		c.slotsReassigning,
		c.slotsUnused,
		c.registryFull,
		c.handoffsTotal,
		c.handoffDuration,
		c.reuseCycleDuration,
		c.assignDecisionTotal,
		c.workersForked,
		c.workersReaped,
		c.forkDuration,
		c.evictionsTotal,
		c.shutdownDrainLen,
	)

	return c
}

// SlotCounts summarizes a registry snapshot for UpdateSlotGauges.
type SlotCounts struct {
	Active, Pooled, Reassigning, Unused map[string]int
}

// UpdateSlotGauges is the sole authority for the slot occupancy gauges; call
// it after every registry.Snapshot() with counts grouped by database name.
// Callers should use "" as the database key for Unused slots that carry no
// database assignment.
func (c *Collector) UpdateSlotGauges(counts SlotCounts) {
	c.slotsActive.Reset()
	c.slotsPooled.Reset()
	c.slotsReassigning.Reset()
	c.slotsUnused.Reset()
	for db, n := range counts.Active {
		c.slotsActive.WithLabelValues(db).Set(float64(n))
	}
	for db, n := range counts.Pooled {
		c.slotsPooled.WithLabelValues(db).Set(float64(n))
	}
	for db, n := range counts.Reassigning {
		c.slotsReassigning.WithLabelValues(db).Set(float64(n))
	}
	for db, n := range counts.Unused {
		c.slotsUnused.WithLabelValues(db).Set(float64(n))
	}
}

// RegistryFull increments the registry-exhaustion counter.
func (c *Collector) RegistryFull() {
	c.registryFull.Inc()
}

// HandoffSent records a successful send_handoff and its duration.
func (c *Collector) HandoffSent(d time.Duration) {
	c.handoffsTotal.WithLabelValues("sent").Inc()
	c.handoffDuration.Observe(d.Seconds())
}

// HandoffReverted records a failed handoff attempt by reason.
func (c *Collector) HandoffReverted(reason string) {
	c.handoffsTotal.WithLabelValues(reason).Inc()
}

// ReuseCycleCompleted observes the Active-to-Waiting duration for a worker.
func (c *Collector) ReuseCycleCompleted(database string, d time.Duration) {
	c.reuseCycleDuration.WithLabelValues(database).Observe(d.Seconds())
}

// AssignDecision records the outcome of one assign_client call.
func (c *Collector) AssignDecision(decision string) {
	c.assignDecisionTotal.WithLabelValues(decision).Inc()
}

// WorkerForked records a fresh fork and the time it took to start.
func (c *Collector) WorkerForked(d time.Duration) {
	c.workersForked.Inc()
	c.forkDuration.Observe(d.Seconds())
}

// WorkerReaped records a worker exit, successful or not.
func (c *Collector) WorkerReaped(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.workersReaped.WithLabelValues(status).Inc()
}

// DatabaseEvicted records how many pooled slots evict_database closed for a
// database.
func (c *Collector) DatabaseEvicted(database string, slots int) {
	c.evictionsTotal.WithLabelValues(database).Add(float64(slots))
}

// ShutdownDrained sets the gauge for the most recent shutdown_pooled call.
func (c *Collector) ShutdownDrained(slots int) {
	c.shutdownDrainLen.Set(float64(slots))
}

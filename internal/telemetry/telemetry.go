package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "datastore"

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
}

type CounterVec interface {
	With(labels ...string) Counter
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

type NoopStat struct{}

type noopCounterVec struct{}
type noopHistogramVec struct{}

func (n noopCounterVec) With(labels ...string) Counter     { return NoopStat{} }
func (n noopHistogramVec) With(labels ...string) Histogram { return NoopStat{} }

func (n NoopStat) Observe(float64) {}
func (n NoopStat) Inc()            {}
func (n NoopStat) Add(float64)     {}
func (n NoopStat) Set(float64)     {}

type prometheusCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *prometheusCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

type prometheusHistogramVec struct {
	vec *prometheus.HistogramVec
}

func (p *prometheusHistogramVec) With(labelValues ...string) Histogram {
	return p.vec.WithLabelValues(labelValues...)
}

// Metrics holds every instrument of the datastore. Build it with New or Noop.
type Metrics struct {
	registry *prometheus.Registry

	// WritesTotal counts write batches by result (success, locked, invalid, conflict, failed).
	WritesTotal CounterVec
	// WriteDurationSeconds measures a whole write batch including publish.
	WriteDurationSeconds Histogram
	// PositionsTotal counts committed positions.
	PositionsTotal Counter
	// ReadsTotal counts reads by operation and result.
	ReadsTotal CounterVec
	// ReadDurationSeconds measures reads by operation.
	ReadDurationSeconds HistogramVec
	// PublishFailuresTotal counts failed publishes by publisher.
	PublishFailuresTotal CounterVec
	// MigratedPositionsTotal counts positions staged by the migration engine.
	MigratedPositionsTotal Counter
	// MigrationIndex reports the live migration index after the last status check.
	MigrationIndex Gauge
}

var (
	writeBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	readBuckets  = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}
)

// Noop returns metrics that record nothing.
func Noop() *Metrics {
	return &Metrics{
		WritesTotal:            noopCounterVec{},
		WriteDurationSeconds:   NoopStat{},
		PositionsTotal:         NoopStat{},
		ReadsTotal:             noopCounterVec{},
		ReadDurationSeconds:    noopHistogramVec{},
		PublishFailuresTotal:   noopCounterVec{},
		MigratedPositionsTotal: NoopStat{},
		MigrationIndex:         NoopStat{},
	}
}

// New returns metrics registered on a fresh prometheus registry, or Noop when disabled.
func New(enabled bool) *Metrics {
	if !enabled {
		return Noop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	writesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "writer", Name: "writes_total", Help: "Write batches by result.",
	}, []string{"result"})
	writeDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "writer", Name: "write_duration_seconds", Help: "Write batch latency.", Buckets: writeBuckets,
	})
	positionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "writer", Name: "positions_total", Help: "Committed positions.",
	})
	readsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reader", Name: "reads_total", Help: "Reads by operation and result.",
	}, []string{"operation", "result"})
	readDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "reader", Name: "read_duration_seconds", Help: "Read latency by operation.", Buckets: readBuckets,
	}, []string{"operation"})
	publishFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "messaging", Name: "publish_failures_total", Help: "Failed publishes by publisher.",
	}, []string{"publisher"})
	migratedPositions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "migrations", Name: "migrated_positions_total", Help: "Positions staged by the migration engine.",
	})
	migrationIndex := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "migrations", Name: "migration_index", Help: "Live migration index.",
	})

	registry.MustRegister(writesTotal, writeDuration, positionsTotal, readsTotal, readDuration, publishFailures, migratedPositions, migrationIndex)

	return &Metrics{
		registry:               registry,
		WritesTotal:            &prometheusCounterVec{vec: writesTotal},
		WriteDurationSeconds:   writeDuration,
		PositionsTotal:         positionsTotal,
		ReadsTotal:             &prometheusCounterVec{vec: readsTotal},
		ReadDurationSeconds:    &prometheusHistogramVec{vec: readDuration},
		PublishFailuresTotal:   &prometheusCounterVec{vec: publishFailures},
		MigratedPositionsTotal: migratedPositions,
		MigrationIndex:         migrationIndex,
	}
}

// Handler returns the HTTP handler serving the registry, or nil when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// OrNoop returns m, or Noop metrics when m is nil.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return Noop()
	}
	return m
}

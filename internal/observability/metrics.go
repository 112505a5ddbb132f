// Package observability provides structured logging and Prometheus metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridmix/internal/domain"
)

// Cycle outcomes used as the "status" label.
const (
	StatusSuccess     = "success"
	StatusUnavailable = "feed_unavailable"
	StatusSchema      = "feed_schema"
	StatusOrdering    = "invalid_ordering"
	StatusCancelled   = "cancelled"
	StatusError       = "error"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Refresh metrics
	CyclesTotal     *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	FetchDuration   prometheus.Histogram
	RecordsScanned  prometheus.Counter
	RecordsAppended prometheus.Counter
	RecordsEvicted  prometheus.Counter
	SeriesLength    prometheus.Gauge
	Generation      prometheus.Gauge
	Refreshing      prometheus.Gauge
	GapsDetected    prometheus.Counter
	LastGapSeconds  prometheus.Gauge

	// Snapshot metrics
	CurrentPowerMW       prometheus.Gauge
	EmissionRate         prometheus.Gauge
	SourcePowerMW        *prometheus.GaugeVec
	LatestRecordUnixTime prometheus.Gauge

	// Sink metrics
	SinkPublishDuration *prometheus.HistogramVec
	SinkErrors          *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Stream metrics
	StreamClients prometheus.Gauge

	// Health metrics
	LastSuccessfulRefresh prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics creates a Metrics instance registered with reg.
// A nil reg selects the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gridmix"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: gatherer,

		// Refresh metrics
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "cycles_total",
			Help:      "Total number of refresh cycles by outcome",
		}, []string{"status"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "cycle_duration_seconds",
			Help:      "Refresh cycle duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "fetch_duration_seconds",
			Help:      "Feed page fetch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		RecordsScanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "records_scanned_total",
			Help:      "Total number of feed records scanned by merge",
		}),
		RecordsAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "records_appended_total",
			Help:      "Total number of records appended to the series",
		}),
		RecordsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "records_evicted_total",
			Help:      "Total number of records evicted by retention",
		}),
		SeriesLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "length",
			Help:      "Current number of records in the series",
		}),
		Generation: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "generation",
			Help:      "Current series generation",
		}),
		Refreshing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "in_progress",
			Help:      "1 while a refresh cycle is running",
		}),
		GapsDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "gaps_detected_total",
			Help:      "Merges whose page did not reach the known tail",
		}),
		LastGapSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "last_gap_seconds",
			Help:      "Width of the most recent detected gap in seconds",
		}),

		// Snapshot metrics
		CurrentPowerMW: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "current_power_mw",
			Help:      "Total production of the latest record in MW",
		}),
		EmissionRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "emission_rate_kg_per_kwh",
			Help:      "Emission rate of the latest record in kg CO2 per kWh",
		}),
		SourcePowerMW: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "source_power_mw",
			Help:      "Per-source production of the latest record in MW",
		}, []string{"source"}),
		LatestRecordUnixTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "latest_record_timestamp",
			Help:      "Unix timestamp of the latest record",
		}),

		// Sink metrics
		SinkPublishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "publish_duration_seconds",
			Help:      "Sink publish duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sink"}),
		SinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "errors_total",
			Help:      "Total number of sink publish errors",
		}, []string{"sink"}),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Stream metrics
		StreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "clients",
			Help:      "Number of connected WebSocket clients",
		}),

		// Health metrics
		LastSuccessfulRefresh: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_refresh_timestamp",
			Help:      "Unix timestamp of last successful refresh",
		}),
	}
}

// Handler returns an HTTP handler serving the registry m was created with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordCycle records the outcome and duration of one refresh cycle.
func (m *Metrics) RecordCycle(status string, durationSeconds float64) {
	m.CyclesTotal.WithLabelValues(status).Inc()
	m.CycleDuration.Observe(durationSeconds)
}

// RecordMerge records merge counters and the resulting series size.
func (m *Metrics) RecordMerge(scanned, appended, evicted, length int, generation uint64) {
	m.RecordsScanned.Add(float64(scanned))
	m.RecordsAppended.Add(float64(appended))
	m.RecordsEvicted.Add(float64(evicted))
	m.SeriesLength.Set(float64(length))
	m.Generation.Set(float64(generation))
}

// RecordGap records a detected gap of the given width.
func (m *Metrics) RecordGap(seconds float64) {
	m.GapsDetected.Inc()
	m.LastGapSeconds.Set(seconds)
}

// RecordSnapshot updates the latest-instant gauges.
func (m *Metrics) RecordSnapshot(s domain.Snapshot) {
	m.CurrentPowerMW.Set(s.CurrentPowerMW)
	m.EmissionRate.Set(s.EmissionRateKgPerKWh)
	m.LatestRecordUnixTime.Set(float64(s.Timestamp.Unix()))
	for _, src := range domain.Sources() {
		m.SourcePowerMW.WithLabelValues(src.String()).Set(s.Mix[src])
	}
}

// RecordSink records a sink publish.
func (m *Metrics) RecordSink(sink string, seconds float64, err error) {
	m.SinkPublishDuration.WithLabelValues(sink).Observe(seconds)
	if err != nil {
		m.SinkErrors.WithLabelValues(sink).Inc()
	}
}

// RecordDBQuery records database query metrics.
func (m *Metrics) RecordDBQuery(database, operation string, seconds float64, err error) {
	m.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		m.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", prometheus.DefaultRegisterer)

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDBQuery records database query metrics on DefaultMetrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.RecordDBQuery(database, operation, seconds, err)
}

package messagepipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "mq2db_"

// Metrics are the per-target pipeline counters. A nil *Metrics records nothing.
type Metrics struct {
	received      *prometheus.CounterVec
	decodeErrors  *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	flushFailures *prometheus.CounterVec
	rowsWritten   *prometheus.CounterVec
	rowsDropped   *prometheus.CounterVec
	bufferedRows  *prometheus.GaugeVec
	flushDuration *prometheus.HistogramVec
}

// NewMetrics registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	labels := []string{"target"}
	return &Metrics{
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "messages_received_total",
			Help: "Number of messages received from the bus",
		}, labels),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "decode_errors_total",
			Help: "Number of messages discarded because they could not be decoded",
		}, labels),
		flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "flushes_total",
			Help: "Number of committed flushes",
		}, labels),
		flushFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "flush_failures_total",
			Help: "Number of flushes that were rolled back",
		}, labels),
		rowsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "rows_written_total",
			Help: "Number of rows committed to the sink",
		}, labels),
		rowsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "rows_dropped_total",
			Help: "Number of buffered rows discarded because max_buffer was reached",
		}, labels),
		bufferedRows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricsPrefix + "buffered_rows",
			Help: "Number of rows waiting for the next flush",
		}, labels),
		flushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricsPrefix + "flush_duration_seconds",
			Help:    "Time taken by a flush, successful or not",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, labels),
	}
}

// targetMetrics binds the metric vectors to one target label.
type targetMetrics struct {
	received      prometheus.Counter
	decodeErrors  prometheus.Counter
	flushes       prometheus.Counter
	flushFailures prometheus.Counter
	rowsWritten   prometheus.Counter
	rowsDropped   prometheus.Counter
	bufferedRows  prometheus.Gauge
	flushDuration prometheus.Observer
}

func (m *Metrics) forTarget(target string) *targetMetrics {
	if m == nil {
		return nil
	}
	return &targetMetrics{
		received:      m.received.WithLabelValues(target),
		decodeErrors:  m.decodeErrors.WithLabelValues(target),
		flushes:       m.flushes.WithLabelValues(target),
		flushFailures: m.flushFailures.WithLabelValues(target),
		rowsWritten:   m.rowsWritten.WithLabelValues(target),
		rowsDropped:   m.rowsDropped.WithLabelValues(target),
		bufferedRows:  m.bufferedRows.WithLabelValues(target),
		flushDuration: m.flushDuration.WithLabelValues(target),
	}
}

func (t *targetMetrics) recordReceived() {
	if t != nil {
		t.received.Inc()
	}
}

func (t *targetMetrics) recordDecodeError() {
	if t != nil {
		t.decodeErrors.Inc()
	}
}

func (t *targetMetrics) recordDropped(rows int) {
	if t != nil && rows > 0 {
		t.rowsDropped.Add(float64(rows))
	}
}

func (t *targetMetrics) recordBuffered(rows int) {
	if t != nil {
		t.bufferedRows.Set(float64(rows))
	}
}

func (t *targetMetrics) recordFlush(rows int, took time.Duration, err error) {
	if t == nil {
		return
	}
	t.flushDuration.Observe(took.Seconds())
	if err != nil {
		t.flushFailures.Inc()
		return
	}
	t.flushes.Inc()
	t.rowsWritten.Add(float64(rows))
}

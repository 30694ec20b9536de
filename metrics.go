package hourtail

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments of an engine and its sink. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	linesForwarded prometheus.Counter
	bytesConsumed  prometheus.Counter
	rotations      prometheus.Counter
	readRetries    prometheus.Counter
	sinkErrors     *prometheus.CounterVec
	activeBucket   prometheus.Gauge
}

// NewMetrics creates the instruments and registers them with reg. A nil reg
// disables metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		linesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hourtail",
			Name:      "lines_forwarded_total",
			Help:      "Lines handed to the sink",
		}),
		bytesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hourtail",
			Name:      "bytes_consumed_total",
			Help:      "File bytes framed into lines",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hourtail",
			Name:      "rotations_total",
			Help:      "Completed hourly bucket rotations",
		}),
		readRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hourtail",
			Name:      "read_retries_total",
			Help:      "File reads retried after an I/O error",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hourtail",
			Name:      "sink_errors_total",
			Help:      "Lines the sink failed to deliver",
		}, []string{"sink"}),
		activeBucket: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hourtail",
			Name:      "active_bucket_timestamp_seconds",
			Help:      "Start of the hour currently being tailed",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.linesForwarded, m.bytesConsumed, m.rotations, m.readRetries, m.sinkErrors, m.activeBucket,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) lineForwarded() {
	if m == nil {
		return
	}
	m.linesForwarded.Inc()
}

func (m *Metrics) consumed(n int) {
	if m == nil {
		return
	}
	m.bytesConsumed.Add(float64(n))
}

func (m *Metrics) rotated(bucket time.Time) {
	if m == nil {
		return
	}
	m.rotations.Inc()
	m.activeBucket.Set(float64(bucket.Unix()))
}

func (m *Metrics) bucketLoaded(bucket time.Time) {
	if m == nil {
		return
	}
	m.activeBucket.Set(float64(bucket.Unix()))
}

func (m *Metrics) readRetried() {
	if m == nil {
		return
	}
	m.readRetries.Inc()
}

func (m *Metrics) sinkFailed(sink string, n int) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Add(float64(n))
}

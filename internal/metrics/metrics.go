package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediashare"

// Metrics exposes Prometheus collectors for the repository, hub and archive
// paths. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	uploads         *prometheus.CounterVec
	uploadBytes     prometheus.Counter
	deletes         *prometheus.CounterVec
	archives        *prometheus.CounterVec
	archiveBytes    prometheus.Counter
	archiveDuration prometheus.Histogram
	observers       prometheus.Gauge
	signals         prometheus.Counter
	dropped         *prometheus.CounterVec
	requests        *prometheus.CounterVec
}

// New registers every collector on a fresh registry, so several instances
// (for example one per test) never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "parts_total",
			Help:      "Uploaded file parts by terminal state.",
		}, []string{"state"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "stored_bytes_total",
			Help:      "Bytes committed to the repository by uploads.",
		}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "deletes_total",
			Help:      "Delete requests by kind and result.",
		}, []string{"kind", "result"}),
		archives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "requests_total",
			Help:      "Archive downloads by result.",
		}, []string{"result"}),
		archiveBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "bytes_total",
			Help:      "Compressed archive bytes written to clients.",
		}),
		archiveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "duration_seconds",
			Help:      "Time spent streaming an archive.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "observers",
			Help:      "Currently connected observers.",
		}),
		signals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "messages_sent_total",
			Help:      "Messages delivered to observers.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "observers_dropped_total",
			Help:      "Observers removed by the hub, by reason.",
		}, []string{"reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		m.uploads, m.uploadBytes, m.deletes,
		m.archives, m.archiveBytes, m.archiveDuration,
		m.observers, m.signals, m.dropped, m.requests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) UploadPart(state string, bytes int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(state).Inc()
	if bytes > 0 {
		m.uploadBytes.Add(float64(bytes))
	}
}

func (m *Metrics) Delete(kind, result string) {
	if m == nil {
		return
	}
	m.deletes.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Archive(result string, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.archives.WithLabelValues(result).Inc()
	m.archiveBytes.Add(float64(bytes))
	m.archiveDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserverJoined() {
	if m == nil {
		return
	}
	m.observers.Inc()
}

func (m *Metrics) ObserverLeft(reason string) {
	if m == nil {
		return
	}
	m.observers.Dec()
	if reason != "" {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.signals.Inc()
}

func (m *Metrics) Request(route string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

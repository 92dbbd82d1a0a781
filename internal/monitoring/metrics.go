// Package monitoring exposes Prometheus metrics for the HTTP surface and the
// file operations behind it.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "filebay"

// Metrics owns its registry, so several instances (tests) can coexist.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	UploadedFiles  prometheus.Counter
	UploadedBytes  prometheus.Counter
	RejectedFiles  prometheus.Counter
	ExtractedFiles prometheus.Counter

	SevenZipAvailable prometheus.Gauge

	startTime time.Time
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		),

		Operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "File operations by outcome",
			},
			[]string{"op", "outcome"},
		),
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "File operation duration in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 60, 300},
			},
			[]string{"op"},
		),

		UploadedFiles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_files_total",
			Help:      "Files written by uploads",
		}),
		UploadedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Declared size of accepted uploads",
		}),
		RejectedFiles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_files_total",
			Help:      "Uploads refused by name or extension checks",
		}),
		ExtractedFiles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extracted_files_total",
			Help:      "Files written by archive extraction",
		}),

		SevenZipAvailable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sevenzip_available",
			Help:      "1 when a 7-Zip binary was found at startup",
		}),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the server started",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordHTTPRequest(method, route, status string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) RecordOperation(op, outcome string, d time.Duration) {
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) RecordUploads(accepted, rejected int, bytes int64) {
	m.UploadedFiles.Add(float64(accepted))
	m.RejectedFiles.Add(float64(rejected))
	m.UploadedBytes.Add(float64(bytes))
}

func (m *Metrics) RecordExtract(files int) {
	m.ExtractedFiles.Add(float64(files))
}

func (m *Metrics) SetSevenZip(available bool) {
	if available {
		m.SevenZipAvailable.Set(1)
		return
	}
	m.SevenZipAvailable.Set(0)
}

// TrackRateLimitClients exports how many clients currently hold a rate-limit
// bucket. Call it at most once per Metrics.
func (m *Metrics) TrackRateLimitClients(clients func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rate_limit_clients",
		Help:      "Clients with a live rate-limit bucket",
	}, func() float64 { return float64(clients()) })
}

// Middleware records every request under its route template, so
// /fs/*path does not explode into one series per file.
func Middleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Timer measures one operation.
type Timer struct {
	start   time.Time
	metrics *Metrics
	op      string
}

func NewTimer(m *Metrics, op string) *Timer {
	return &Timer{start: time.Now(), metrics: m, op: op}
}

func (t *Timer) Stop(outcome string) {
	t.metrics.RecordOperation(t.op, outcome, time.Since(t.start))
}

// Package metrics exposes Prometheus collectors for the development backend.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission channels.
const (
	ChannelAwaited  = "awaited"
	ChannelTeardown = "teardown"
	ChannelStream   = "stream"
)

// Submission outcomes.
const (
	OutcomeGraded    = "graded"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	AttemptsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_attempts_started_total",
			Help: "Attempts started, by subject",
		},
		[]string{"subject"},
	)

	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_submissions_total",
			Help: "Submissions received, by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	StreamConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exam_stream_connections",
			Help: "Open student stream connections",
		},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Calling it more
// than once is a no-op.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			AttemptsStarted,
			Submissions,
			StreamConnections,
		)
	})
}

// RecordSubmission counts one submission on channel. first reports whether it
// was the one that got graded.
func RecordSubmission(channel string, first bool, err error) {
	outcome := OutcomeGraded
	switch {
	case err != nil:
		outcome = OutcomeRejected
	case !first:
		outcome = OutcomeDuplicate
	}
	Submissions.WithLabelValues(channel, outcome).Inc()
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		RequestCounter.WithLabelValues(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			endpoint,
		).Observe(time.Since(start).Seconds())
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

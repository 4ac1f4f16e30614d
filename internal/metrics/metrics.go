package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// OutcomeSuccess labels calls that produced a result.
	OutcomeSuccess = "success"
	// OutcomeError labels calls that failed.
	OutcomeError = "error"
	// OutcomeInvalid labels records rejected by validation.
	OutcomeInvalid = "invalid"
	// OutcomeCacheHit labels advisories served from the cache.
	OutcomeCacheHit = "cache_hit"
)

const namespace = "dropout_advisor"

var (
	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Records run through the pipeline, partitioned by mode, outcome and risk label.",
		},
		[]string{"mode", "outcome", "risk"},
	)

	advisoryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advisory_requests_total",
			Help:      "Advisory generation calls, partitioned by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	advisoryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "advisory_seconds",
			Help:      "Advisory generation latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		},
		[]string{"provider"},
	)

	batchRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_rows",
			Help:      "Rows per uploaded batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 7),
		},
	)

	batchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_seconds",
			Help:      "End-to-end batch latency in seconds.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"method", "endpoint"},
	)
)

// Register attaches the service collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		predictionsTotal,
		advisoryTotal,
		advisoryDurationSeconds,
		batchRows,
		batchDurationSeconds,
		httpRequestsTotal,
		httpRequestDuration,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObservePrediction counts one record. risk is empty when no prediction was made.
func ObservePrediction(mode, outcome, risk string) {
	if risk == "" {
		risk = "none"
	}
	predictionsTotal.WithLabelValues(mode, outcome, risk).Inc()
}

// ObserveAdvisory records an advisory call duration and outcome.
func ObserveAdvisory(provider string, duration time.Duration, outcome string) {
	if provider == "" {
		provider = "unknown"
	}
	advisoryTotal.WithLabelValues(provider, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	advisoryDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveBatch records the size and latency of one batch.
func ObserveBatch(rows int, duration time.Duration) {
	batchRows.Observe(float64(rows))
	if duration < 0 {
		duration = 0
	}
	batchDurationSeconds.Observe(duration.Seconds())
}

// Middleware counts HTTP requests per route
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		httpRequestsTotal.WithLabelValues(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
		).Inc()

		httpRequestDuration.WithLabelValues(
			c.Request.Method,
			endpoint,
		).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the given gatherer in the Prometheus text format
func Handler(g prometheus.Gatherer) gin.HandlerFunc {
	h := promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Package metrics holds the HTTP and process gauges served on /metrics.
// Escrow and processor counters are declared next to the code that moves them.
package metrics

import (
	"database/sql"
	"errors"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pactum"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status class.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_requests_in_flight",
		Help:      "HTTP requests currently being served.",
	})
)

// Sources read at scrape time. Unset sources report zero.
var (
	schedulerRunning atomic.Pointer[func() bool]
	openCircuits     atomic.Pointer[func() []string]
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRequestsInFlight,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_running",
			Help:      "1 while the reconciliation scheduler loop is running.",
		}, schedulerGauge),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processor_open_circuits",
			Help:      "Processor operations whose circuit is open or half-open.",
		}, circuitsGauge),
	)
}

// WatchScheduler reports running on the scheduler_running gauge.
func WatchScheduler(running func() bool) {
	schedulerRunning.Store(&running)
}

// WatchCircuits reports len(open()) on the processor_open_circuits gauge.
func WatchCircuits(open func() []string) {
	openCircuits.Store(&open)
}

// RegisterDB exports db's pool statistics. Registering a second pool is a
// no-op so tests can build several servers in one process.
func RegisterDB(db *sql.DB) error {
	if db == nil {
		return nil
	}
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

func schedulerGauge() float64 {
	if fn := schedulerRunning.Load(); fn != nil && (*fn)() {
		return 1
	}
	return 0
}

func circuitsGauge() float64 {
	if fn := openCircuits.Load(); fn != nil {
		return float64(len((*fn)()))
	}
	return 0
}

// Middleware records request count, latency and in-flight requests.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		// Route pattern, not raw path, to keep label cardinality bounded.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

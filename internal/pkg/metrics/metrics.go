package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proximity",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "path"})

	httpResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proximity",
		Subsystem: "http",
		Name:      "response_size_bytes",
		Help:      "HTTP response size in bytes",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
	}, []string{"method", "path"})

	// Proximity engine metrics
	ProximityCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "engine",
		Name:      "cycles_total",
		Help:      "Computation cycles by outcome (completed, cancelled, failed)",
	}, []string{"outcome"})

	ProximityCycleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "engine",
		Name:      "cycle_failures_total",
		Help:      "Failed computation cycles by error kind",
	}, []string{"kind"})

	ProximityCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "proximity",
		Subsystem: "engine",
		Name:      "cycle_duration_seconds",
		Help:      "Wall-clock time of completed computation cycles",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	ProximityNearRecords = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "proximity",
		Subsystem: "engine",
		Name:      "near_records",
		Help:      "Near-table size of completed computation cycles",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	ProximityTargets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proximity",
		Subsystem: "engine",
		Name:      "targets",
		Help:      "Targets currently known to the engine",
	})

	ProximityWorkerUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proximity",
		Subsystem: "engine",
		Name:      "worker_units",
		Help:      "Live worker units in the pool",
	})

	TargetsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "ingest",
		Name:      "targets_total",
		Help:      "Targets accepted by the engine, by source",
	}, []string{"source"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Proximity events published to the broker, by kind",
	}, []string{"kind"})

	EventPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "events",
		Name:      "publish_errors_total",
		Help:      "Proximity events that failed to publish",
	})

	ActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proximity",
		Subsystem: "ws",
		Name:      "active_connections",
		Help:      "Current number of active WebSocket connections",
	})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total cache hits",
	}, []string{"operation"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total cache misses",
	}, []string{"operation"})

	// Database pool metrics
	DBPoolConnsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proximity",
		Subsystem: "db",
		Name:      "pool_conns_open",
		Help:      "Total connections open in the database pool",
	})

	DBPoolConnsAcquired = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proximity",
		Subsystem: "db",
		Name:      "pool_conns_acquired",
		Help:      "Connections currently acquired from the database pool",
	})

	DBPoolConnsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proximity",
		Subsystem: "db",
		Name:      "pool_conns_idle",
		Help:      "Idle connections in the database pool",
	})
)

// Middleware records request metrics.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Response().StatusCode())
		path := c.Route().Path
		if path == "" {
			path = c.Path()
		}
		method := c.Method()

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(duration)
		httpResponseSize.WithLabelValues(method, path).Observe(float64(len(c.Response().Body())))

		return err
	}
}

// Handler returns a Fiber handler serving Prometheus /metrics endpoint.
func Handler() fiber.Handler {
	handler := promhttp.Handler()
	return func(c *fiber.Ctx) error {
		fasthttpadaptor.NewFastHTTPHandler(handler)(c.Context())
		return nil
	}
}

// PoolStat is the subset of pgxpool.Stat the DB gauges read.
type PoolStat interface {
	AcquiredConns() int32
	IdleConns() int32
	TotalConns() int32
}

// UpdateDBPoolMetrics updates database pool gauges from pgx pool stats.
func UpdateDBPoolMetrics(s PoolStat) {
	DBPoolConnsAcquired.Set(float64(s.AcquiredConns()))
	DBPoolConnsIdle.Set(float64(s.IdleConns()))
	DBPoolConnsOpen.Set(float64(s.TotalConns()))
}

// ObserveProximityEvent records cycle metrics for one engine event.
func ObserveProximityEvent(kind, errorKind string, elapsedMs int64, nearRecords int) {
	switch kind {
	case "update-end":
		ProximityCycles.WithLabelValues("completed").Inc()
		ProximityCycleDuration.Observe(float64(elapsedMs) / 1000)
		ProximityNearRecords.Observe(float64(nearRecords))
	case "update-cancel":
		ProximityCycles.WithLabelValues("cancelled").Inc()
	case "update-error":
		ProximityCycles.WithLabelValues("failed").Inc()
		ProximityCycleFailures.WithLabelValues(errorKind).Inc()
	}
}

// Package metrics holds the process-wide Prometheus collectors that are not
// owned by a single domain package, plus the gin middleware and /metrics
// handler. Domain packages register their own collectors in init().
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cardguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard",
		Name:      "active_websocket_clients",
		Help:      "Number of connected verdict stream clients.",
	})

	// GeoReferenceCodes is the number of postal codes loaded at startup.
	GeoReferenceCodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard",
		Name:      "geo_reference_codes",
		Help:      "Postal codes in the loaded geo reference table.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for database connections in seconds.",
	})

	RedisTotalConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "redis_total_connections",
		Help: "Connections in the Redis pool.",
	})
	RedisPoolTimeouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "redis_pool_timeouts_total",
		Help: "Times a Redis connection could not be obtained in time.",
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveWebSocketClients,
		GeoReferenceCodes,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		RedisTotalConnections,
		RedisPoolTimeouts,
		GoroutineCount,
	)
}

// PoolSources are the connection pools sampled by StartPoolCollector.
// Either may be nil.
type PoolSources struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

// StartPoolCollector samples pool statistics and the goroutine count every
// interval until ctx is done. Call in a goroutine.
func StartPoolCollector(ctx context.Context, src PoolSources, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samplePools(src)
		}
	}
}

func samplePools(src PoolSources) {
	if src.DB != nil {
		stats := src.DB.Stats()
		DBOpenConnections.Set(float64(stats.OpenConnections))
		DBInUseConnections.Set(float64(stats.InUse))
		DBWaitDuration.Set(stats.WaitDuration.Seconds())
	}
	if src.Redis != nil {
		if stats := src.Redis.PoolStats(); stats != nil {
			RedisTotalConnections.Set(float64(stats.TotalConns))
			RedisPoolTimeouts.Set(float64(stats.Timeouts))
		}
	}
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// Middleware records request count and latency by route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
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

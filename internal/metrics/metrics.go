package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clinicdesk",
		Name:      "http_in_flight_requests",
		Help:      "In-flight HTTP requests.",
	})

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clinicdesk",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	authRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinicdesk",
			Name:      "auth_rejections_total",
			Help:      "Rejected authentication attempts by reason.",
		},
		[]string{"reason"},
	)

	sessionsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinicdesk",
			Name:      "sessions_issued_total",
			Help:      "Sessions issued by login method.",
		},
		[]string{"method"},
	)

	tenantGateLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinicdesk",
			Name:      "tenant_gate_lookups_total",
			Help:      "Tenant catalog gate lookups by result.",
		},
		[]string{"result"},
	)
)

// Register adds the collectors to the default registry. Call once at startup.
func Register() {
	prometheus.MustRegister(httpInFlight, httpRequestDuration, authRejections, sessionsIssued, tenantGateLookups)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func AuthRejected(reason string) {
	authRejections.WithLabelValues(reason).Inc()
}

func SessionIssued(method string) {
	sessionsIssued.WithLabelValues(method).Inc()
}

// TenantGateLookup records a gate lookup; result is hit, miss or error.
func TenantGateLookup(result string) {
	tenantGateLookups.WithLabelValues(result).Inc()
}

// Instrument records in-flight requests and latency per matched route.
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 150},
		},
		[]string{"service", "method", "path"},
	)

	// Payment lifecycle metrics
	paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_total",
			Help: "Payments by terminal status",
		},
		[]string{"service", "status"},
	)

	paymentAmount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_amount_kes",
			Help:    "Payment amounts in KES",
			Buckets: prometheus.ExponentialBuckets(10, 4, 7),
		},
		[]string{"service", "status"},
	)

	pollAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_poll_attempts",
			Help:    "Status poll attempts per payment before a terminal result",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16, 20, 24},
		},
		[]string{"service"},
	)

	gatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests to the payment gateway",
		},
		[]string{"service", "operation", "outcome"},
	)

	ledgerCredits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_credits_total",
			Help: "Ledger balance credits applied",
		},
		[]string{"service"},
	)

	snapshotWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_snapshot_writes_total",
			Help: "Ledger store snapshot writes",
		},
		[]string{"service", "outcome"},
	)
)

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(httpRequestsTotal)
	registry.MustRegister(httpRequestDuration)
	registry.MustRegister(paymentsTotal)
	registry.MustRegister(paymentAmount)
	registry.MustRegister(pollAttempts)
	registry.MustRegister(gatewayRequests)
	registry.MustRegister(ledgerCredits)
	registry.MustRegister(snapshotWrites)
}

// Registry returns the prometheus registry
func Registry() *prometheus.Registry {
	return registry
}

// Handler returns a Fiber handler for the /metrics endpoint
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}

// Config holds metrics middleware configuration
type Config struct {
	ServiceName string
	SkipPaths   []string
}

// Middleware returns Fiber middleware that records HTTP metrics
func Middleware(cfg Config) fiber.Handler {
	skipPaths := make(map[string]bool)
	for _, path := range cfg.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *fiber.Ctx) error {
		if skipPaths[c.Path()] {
			return c.Next()
		}

		start := time.Now()

		err := c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Response().StatusCode())
		method := c.Method()
		path := c.Route().Path

		httpRequestsTotal.WithLabelValues(cfg.ServiceName, method, path, status).Inc()
		httpRequestDuration.WithLabelValues(cfg.ServiceName, method, path).Observe(duration)

		return err
	}
}

// RecordPayment records a payment reaching a terminal status
func RecordPayment(service, status string, amount int64) {
	paymentsTotal.WithLabelValues(service, status).Inc()
	paymentAmount.WithLabelValues(service, status).Observe(float64(amount))
}

// RecordPollAttempts records how many status polls a payment needed
func RecordPollAttempts(service string, attempts int) {
	pollAttempts.WithLabelValues(service).Observe(float64(attempts))
}

// RecordGatewayRequest records one gateway call and its outcome
func RecordGatewayRequest(service, operation, outcome string) {
	gatewayRequests.WithLabelValues(service, operation, outcome).Inc()
}

// RecordLedgerCredit records a balance credit
func RecordLedgerCredit(service string) {
	ledgerCredits.WithLabelValues(service).Inc()
}

// RecordSnapshotWrite records a store snapshot write
func RecordSnapshotWrite(service, outcome string) {
	snapshotWrites.WithLabelValues(service, outcome).Inc()
}

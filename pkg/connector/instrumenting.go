package connector

import (
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mnmfasteners/mnm-agent/pkg/debug"
)

var (
	methodError = []string{"method", "error"}

	sageRequestCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnm_agent",
		Subsystem: "connector",
		Name:      "sage_request_count",
		Help:      "Sage 50 request count",
	}, methodError)

	sageRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mnm_agent",
		Subsystem: "connector",
		Name:      "sage_request_duration_seconds",
		Help:      "Sage 50 request duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, methodError)
)

func init() {
	debug.Registry().MustRegister(sageRequestCount, sageRequestDuration)
}

// RequestMetrics returns the counter and histogram registered on the debug
// registry, for use with NewInstrumentingMiddleware.
func RequestMetrics() (metrics.Counter, metrics.Histogram) {
	return kitprometheus.NewCounter(sageRequestCount), kitprometheus.NewHistogram(sageRequestDuration)
}

// instrumentingMiddleware wraps Connector and enables request metrics
type instrumentingMiddleware struct {
	reqCount    metrics.Counter
	reqDuration metrics.Histogram
	next        Connector
}

// NewInstrumentingMiddleware ...
func NewInstrumentingMiddleware(
	reqCount metrics.Counter,
	reqDuration metrics.Histogram,
	next Connector,
) Connector {
	return &instrumentingMiddleware{
		reqCount:    reqCount,
		reqDuration: reqDuration,
		next:        next,
	}
}

func (s *instrumentingMiddleware) observe(method string, begin time.Time, err error) {
	labels := []string{
		"method", method,
		"error", strconv.FormatBool(err != nil),
	}
	s.reqCount.With(labels...).Add(1)
	s.reqDuration.With(labels...).Observe(time.Since(begin).Seconds())
}

// Connect ...
func (s *instrumentingMiddleware) Connect() (alreadyOpen bool, err error) {
	defer func(begin time.Time) { s.observe("Connect", begin, err) }(time.Now())
	return s.next.Connect()
}

// Release ...
func (s *instrumentingMiddleware) Release() (err error) {
	defer func(begin time.Time) { s.observe("Release", begin, err) }(time.Now())
	return s.next.Release()
}

// Status is not instrumented; it reads cached session state.
func (s *instrumentingMiddleware) Status() Status {
	return s.next.Status()
}

// CreateSalesOrder ...
func (s *instrumentingMiddleware) CreateSalesOrder(order SalesOrder) (out map[string]any, err error) {
	defer func(begin time.Time) { s.observe("CreateSalesOrder", begin, err) }(time.Now())
	return s.next.CreateSalesOrder(order)
}

// FindSalesOrder ...
func (s *instrumentingMiddleware) FindSalesOrder(ref string) (out map[string]any, err error) {
	defer func(begin time.Time) { s.observe("FindSalesOrder", begin, err) }(time.Now())
	return s.next.FindSalesOrder(ref)
}

// CreateCustomer ...
func (s *instrumentingMiddleware) CreateCustomer(customer Customer) (out map[string]any, err error) {
	defer func(begin time.Time) { s.observe("CreateCustomer", begin, err) }(time.Now())
	return s.next.CreateCustomer(customer)
}

// FindCustomer ...
func (s *instrumentingMiddleware) FindCustomer(accountRef string) (out map[string]any, err error) {
	defer func(begin time.Time) { s.observe("FindCustomer", begin, err) }(time.Now())
	return s.next.FindCustomer(accountRef)
}

// SearchCustomers ...
func (s *instrumentingMiddleware) SearchCustomers(query string, limit int) (out []map[string]any, err error) {
	defer func(begin time.Time) { s.observe("SearchCustomers", begin, err) }(time.Now())
	return s.next.SearchCustomers(query, limit)
}

// FindProduct ...
func (s *instrumentingMiddleware) FindProduct(sku string) (out map[string]any, err error) {
	defer func(begin time.Time) { s.observe("FindProduct", begin, err) }(time.Now())
	return s.next.FindProduct(sku)
}

// SearchProducts ...
func (s *instrumentingMiddleware) SearchProducts(query string, limit int) (out []map[string]any, err error) {
	defer func(begin time.Time) { s.observe("SearchProducts", begin, err) }(time.Now())
	return s.next.SearchProducts(query, limit)
}

// BatchCreateOrders ...
func (s *instrumentingMiddleware) BatchCreateOrders(orders []SalesOrder, stopOnError bool) (out BatchResult, err error) {
	defer func(begin time.Time) { s.observe("BatchCreateOrders", begin, err) }(time.Now())
	return s.next.BatchCreateOrders(orders, stopOnError)
}

// HealthCheck ...
func (s *instrumentingMiddleware) HealthCheck() (out map[string]any, err error) {
	defer func(begin time.Time) { s.observe("HealthCheck", begin, err) }(time.Now())
	return s.next.HealthCheck()
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PrometheusProvider implements the Provider interface using Prometheus
type PrometheusProvider struct {
	requestDuration  *prometheus.HistogramVec
	requestTotal     *prometheus.CounterVec
	requestsInFlight prometheus.Gauge

	filterMatches     *prometheus.CounterVec
	filterDrops       *prometheus.CounterVec
	workerCount       prometheus.Gauge
	subscriptionCount *prometheus.GaugeVec
	panicsTotal       *prometheus.CounterVec

	// Pushgateway fields (optional)
	pushgatewayURL     string
	pushgatewayJobName string
	pusher             *push.Pusher
	pushTicker         *time.Ticker
	pushStop           chan bool
}

// NewPrometheusProvider creates a new Prometheus metrics provider
// If cfg is nil, default configuration will be used
func NewPrometheusProvider(cfg *Config) *PrometheusProvider {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg.ApplyDefaults()
	}

	metricName := func(name string) string {
		if cfg.Namespace != "" {
			return cfg.Namespace + "_" + name
		}
		return name
	}

	p := &PrometheusProvider{
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricName("http_request_duration_seconds"),
				Help:    "Admin HTTP request duration in seconds",
				Buckets: cfg.HTTPRequestBuckets,
			},
			[]string{"method", "path", "status"},
		),
		requestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricName("http_requests_total"),
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		requestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: metricName("http_requests_in_flight"),
				Help: "Current number of admin HTTP requests being processed",
			},
		),
		filterMatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricName("filter_matches_total"),
				Help: "Total number of subscriber matches, counted before delivery is attempted",
			},
			[]string{"event_type"},
		),
		filterDrops: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricName("filter_drops_total"),
				Help: "Total number of non-deliveries, by reason",
			},
			[]string{"event_type", "reason"},
		),
		workerCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: metricName("filter_workers"),
				Help: "Current number of live filter workers",
			},
		),
		subscriptionCount: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricName("filter_subscriptions"),
				Help: "Current number of subscriptions per event type",
			},
			[]string{"event_type"},
		),
		panicsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricName("panics_total"),
				Help: "Total number of recovered panics",
			},
			[]string{"location"},
		),

		pushgatewayURL:     cfg.PushgatewayURL,
		pushgatewayJobName: cfg.PushgatewayJobName,
	}

	if cfg.PushgatewayURL != "" {
		p.pusher = push.New(cfg.PushgatewayURL, cfg.PushgatewayJobName).
			Gatherer(prometheus.DefaultGatherer)

		if cfg.PushgatewayInterval > 0 {
			p.pushStop = make(chan bool)
			p.pushTicker = time.NewTicker(time.Duration(cfg.PushgatewayInterval) * time.Second)
			go p.startAutoPush()
		}
	}

	return p
}

// ResponseWriter wraps http.ResponseWriter to capture status code
type ResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (p *PrometheusProvider) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	p.requestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	p.requestTotal.WithLabelValues(method, path, status).Inc()
}

func (p *PrometheusProvider) IncRequestsInFlight() {
	p.requestsInFlight.Inc()
}

func (p *PrometheusProvider) DecRequestsInFlight() {
	p.requestsInFlight.Dec()
}

func (p *PrometheusProvider) RecordFilterMatch(eventType string) {
	p.filterMatches.WithLabelValues(eventType).Inc()
}

func (p *PrometheusProvider) RecordFilterDrop(eventType, reason string) {
	p.filterDrops.WithLabelValues(eventType, reason).Inc()
}

func (p *PrometheusProvider) UpdateWorkerCount(delta int) {
	p.workerCount.Add(float64(delta))
}

func (p *PrometheusProvider) UpdateSubscriptionCount(eventType string, n int) {
	p.subscriptionCount.WithLabelValues(eventType).Set(float64(n))
}

func (p *PrometheusProvider) RecordPanic(location string) {
	p.panicsTotal.WithLabelValues(location).Inc()
}

// Handler implements Provider interface
func (p *PrometheusProvider) Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that collects metrics
func (p *PrometheusProvider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		p.IncRequestsInFlight()
		defer p.DecRequestsInFlight()

		rw := NewResponseWriter(w)
		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		status := strconv.Itoa(rw.statusCode)

		p.RecordHTTPRequest(r.Method, r.URL.Path, status, duration)
	})
}

// Push manually pushes metrics to the configured Pushgateway
func (p *PrometheusProvider) Push() error {
	if p.pusher == nil {
		return nil
	}
	return p.pusher.Push()
}

func (p *PrometheusProvider) startAutoPush() {
	for {
		select {
		case <-p.pushTicker.C:
			_ = p.Push()
		case <-p.pushStop:
			p.pushTicker.Stop()
			return
		}
	}
}

// StopAutoPush stops the automatic push goroutine
func (p *PrometheusProvider) StopAutoPush() {
	if p.pushStop != nil {
		close(p.pushStop)
	}
}

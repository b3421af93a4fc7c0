package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string

	// Addr for the metrics HTTP server, e.g. ":9090". Empty disables Start.
	Addr        string
	MetricsPath string // HTTP path for metrics endpoint (default: /metrics)

	Namespace        string    // Prometheus namespace (default: mcp)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Custom histogram buckets for latency, in seconds

	// Registry to register collectors with. A fresh registry is created when nil.
	Registry *prometheus.Registry
}

// Metrics holds the Prometheus collectors for transports, sessions and
// dispatch.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	mu     sync.Mutex
	server *http.Server

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	stageTotal      *prometheus.CounterVec

	framesTotal      *prometheus.CounterVec
	frameErrorsTotal *prometheus.CounterVec

	sessionsActive      prometheus.Gauge
	sessionsClosedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	if config.Namespace == "" {
		config.Namespace = "mcp"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = prometheus.DefBuckets
	}
	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	constLabels := prometheus.Labels{}
	if config.ServiceName != "" {
		constLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		constLabels["version"] = config.ServiceVersion
	}

	m := &Metrics{config: config, registry: registry}

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Duration of dispatched MCP requests in seconds",
			Buckets:     config.HistogramBuckets,
			ConstLabels: constLabels,
		},
		[]string{"method"},
	)
	m.requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_total",
			Help:        "Total number of dispatched MCP requests by final stage and error code",
			ConstLabels: constLabels,
		},
		[]string{"method", "stage", "code"},
	)
	m.stageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_stage_total",
			Help:        "Number of requests reaching each lifecycle stage",
			ConstLabels: constLabels,
		},
		[]string{"stage"},
	)
	m.framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "transport_frames_total",
			Help:        "Messages received and sent per transport",
			ConstLabels: constLabels,
		},
		[]string{"transport", "direction"},
	)
	m.frameErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "transport_frame_errors_total",
			Help:        "Frames rejected by a transport, by JSON-RPC error code",
			ConstLabels: constLabels,
		},
		[]string{"transport", "code"},
	)
	m.sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sessions_active",
			Help:        "Number of live sessions held by this instance",
			ConstLabels: constLabels,
		},
	)
	m.sessionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sessions_closed_total",
			Help:        "Sessions closed, by reason",
			ConstLabels: constLabels,
		},
		[]string{"reason"},
	)

	for _, c := range []prometheus.Collector{
		m.requestDuration, m.requestTotal, m.stageTotal,
		m.framesTotal, m.frameErrorsTotal,
		m.sessionsActive, m.sessionsClosedTotal,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordStage counts a request reaching a lifecycle stage.
func (m *Metrics) RecordStage(stage string) {
	m.stageTotal.WithLabelValues(stage).Inc()
}

// RecordRequest records a finished request. code is 0 on success.
func (m *Metrics) RecordRequest(method, stage string, code int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, stage, strconv.Itoa(code)).Inc()
}

// RecordFrame counts a message crossing a transport in direction "in" or "out".
func (m *Metrics) RecordFrame(transport, direction string) {
	m.framesTotal.WithLabelValues(transport, direction).Inc()
}

// RecordFrameError counts a frame the transport could not accept.
func (m *Metrics) RecordFrameError(transport string, code int) {
	m.frameErrorsTotal.WithLabelValues(transport, strconv.Itoa(code)).Inc()
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened() { m.sessionsActive.Inc() }

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed(reason string) {
	m.sessionsActive.Dec()
	m.sessionsClosedTotal.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Start serves the metrics endpoint on config.Addr until ctx is done or
// Shutdown is called.
func (m *Metrics) Start(ctx context.Context) error {
	if m.config.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(m.config.MetricsPath, m.Handler())

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	m.mu.Lock()
	m.server = srv
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	srv := m.server
	m.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

package middleware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
	LogRequests   bool
	Enabled       bool
}

// Observability records request counts and latencies into a private
// prometheus registry and opens a span per request.
type Observability struct {
	cfg       ObservabilityConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	registry  *prometheus.Registry
}

func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "vault"
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "http"
	}
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	registry.MustRegister(requests, durations)
	return &Observability{
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(cfg.ServiceName),
		requests:  requests,
		durations: durations,
		registry:  registry,
	}
}

func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !o.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()
			duration := time.Since(start)
			o.requests.WithLabelValues(route, r.Method, http.StatusText(recorder.status)).Inc()
			o.durations.WithLabelValues(route, r.Method).Observe(duration.Seconds())
			if o.cfg.LogRequests {
				o.logger.Info("http request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", recorder.status),
					slog.String("requestId", RequestIDFromContext(r.Context())),
					slog.Duration("duration", duration))
			}
		})
	}
}

// MetricsHandler serves this middleware's registry merged with the process
// default registry, which holds the domain collectors.
func (o *Observability) MetricsHandler() http.Handler {
	gatherers := prometheus.Gatherers{o.registry, prometheus.DefaultGatherer}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack is required by the websocket event stream.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("middleware: response writer cannot be hijacked")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request a correlation id, reusing a well-formed
// inbound X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the id assigned by RequestID, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

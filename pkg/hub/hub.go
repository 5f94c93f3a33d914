// Package hub serves a localstore Storage over HTTP and fans out change
// events to every connected context over WebSocket.
//
// The hub is what turns a storage-only backend (such as S3) into a full
// backend: clients write through PUT /v1/entry, and every other client
// watching /v1/watch receives the change.
//
//	srv := hub.New(storage, hub.WithLogger(logger))
//	defer srv.Close()
//	http.ListenAndServe(":7070", srv.Handler())
package hub

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	errs "github.com/vango-dev/localstore/internal/errors"
	"github.com/vango-dev/localstore/pkg/localstore"
)

// Defaults for Server options.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultMaxBodyBytes = 1 << 20
	DefaultSendBuffer   = 64
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPingInterval sets how often watchers are pinged. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = d
	}
}

// WithWriteTimeout sets the write deadline for watch frames.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// WithMaxBodyBytes limits the size of a PUT body.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBodyBytes = n
	}
}

// WithCheckOrigin sets the WebSocket origin check. Default: allow all.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// WithMetrics configures Prometheus metrics.
func WithMetrics(config MetricsConfig) Option {
	return func(s *Server) {
		s.metricsConfig = config
	}
}

// WithMetricsEndpoint enables or disables GET /metrics. Enabled by default.
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) {
		s.metricsEndpoint = enabled
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
// Default: the global provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(s *Server) {
		s.tracerProvider = provider
	}
}

// Server fronts a Storage and broadcasts writes to watchers.
type Server struct {
	storage localstore.Storage
	logger  *slog.Logger

	pingInterval time.Duration
	writeTimeout time.Duration
	maxBodyBytes int64
	upgrader     websocket.Upgrader

	metricsConfig   MetricsConfig
	metricsEndpoint bool
	metrics         *metrics

	tracerProvider trace.TracerProvider
	tracer         trace.Tracer

	// writeMu serializes writes so each change frame carries the exact
	// previous value.
	writeMu sync.Mutex

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	closed   bool
}

// New creates a hub over storage.
func New(storage localstore.Storage, opts ...Option) *Server {
	s := &Server{
		storage:      storage,
		logger:       slog.Default(),
		pingInterval: DefaultPingInterval,
		writeTimeout: DefaultWriteTimeout,
		maxBodyBytes: DefaultMaxBodyBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		metricsConfig:   defaultMetricsConfig(),
		metricsEndpoint: true,
		watchers:        make(map[*watcher]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With("component", "hub")
	if s.metricsConfig.Registry == nil {
		s.metricsConfig.Registry = prometheus.NewRegistry()
	}
	if s.metricsConfig.Buckets == nil {
		s.metricsConfig.Buckets = prometheus.DefBuckets
	}
	s.metrics = newMetrics(s.metricsConfig)
	s.tracer = newTracer(s.tracerProvider, defaultTracerName)
	return s
}

// Registry returns the registry holding the hub's metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.metricsConfig.Registry
}

// Handler returns the hub's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(PathEntry, s.instrument("entry.get", s.handleGet))
	r.Put(PathEntry, s.instrument("entry.put", s.handlePut))
	r.Get(PathWatch, s.instrument("watch", s.handleWatch))
	r.Get(PathHealth, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "ok")
	})
	if s.metricsEndpoint {
		r.Handle(PathMetrics, promhttp.HandlerFor(s.metricsConfig.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// WatcherCount returns the number of connected watchers.
func (s *Server) WatcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// Close disconnects every watcher. Later watch requests are refused.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	watchers := make([]*watcher, 0, len(s.watchers))
	for w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w.close()
	}
	return nil
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// instrument wraps h with a span, request metrics and error logging.
func (s *Server) instrument(route string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := s.startSpan(r, route)
		r = r.WithContext(ctx)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		err := h(ww, r)

		status := ww.Status()
		if status == 0 {
			// Hijacked by the WebSocket upgrade.
			status = http.StatusSwitchingProtocols
		}
		s.metrics.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		s.metrics.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		endSpan(span, status, err)

		if err != nil {
			s.logger.Warn("request failed",
				"route", route,
				"key", r.URL.Query().Get("key"),
				"status", status,
				"error", err)
		}
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) error {
	key := r.URL.Query().Get("key")
	if key == "" {
		return writeError(w, http.StatusBadRequest, errs.New("LS010"))
	}

	value, ok, err := s.storage.GetItem(r.Context(), key)
	if err != nil {
		s.metrics.storageErrors.WithLabelValues("get").Inc()
		return writeError(w, http.StatusBadGateway, errs.New("LS030").WithKey(key).Wrap(err))
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return nil
	}

	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, value)
	return nil
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) error {
	key := r.URL.Query().Get("key")
	if key == "" {
		return writeError(w, http.StatusBadRequest, errs.New("LS010"))
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return writeError(w, http.StatusRequestEntityTooLarge, errs.New("LS202").WithKey(key).Wrap(err))
		}
		return writeError(w, http.StatusBadRequest, errs.New("LS202").WithKey(key).Wrap(err))
	}
	if len(body) == 0 {
		return writeError(w, http.StatusBadRequest,
			errs.New("LS202").WithKey(key).WithDetail("The entry body must not be empty."))
	}
	value := string(body)

	s.writeMu.Lock()
	old, _, err := s.storage.GetItem(r.Context(), key)
	if err != nil {
		s.writeMu.Unlock()
		s.metrics.storageErrors.WithLabelValues("get").Inc()
		return writeError(w, http.StatusBadGateway, errs.New("LS030").WithKey(key).Wrap(err))
	}
	if err := s.storage.SetItem(r.Context(), key, value); err != nil {
		s.writeMu.Unlock()
		s.metrics.storageErrors.WithLabelValues("set").Inc()
		return writeError(w, http.StatusBadGateway, errs.New("LS031").WithKey(key).Wrap(err))
	}
	s.metrics.writesTotal.Inc()
	s.broadcast(Frame{
		Type:     FrameChange,
		Key:      key,
		OldValue: old,
		NewValue: value,
		Source:   sourceOf(r),
	})
	s.writeMu.Unlock()

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// broadcast queues f to every watcher except the writer.
func (s *Server) broadcast(f Frame) {
	s.mu.Lock()
	targets := make([]*watcher, 0, len(s.watchers))
	for w := range s.watchers {
		if f.Source != "" && w.source == f.Source {
			continue
		}
		targets = append(targets, w)
	}
	s.mu.Unlock()

	for _, w := range targets {
		if w.enqueue(f) {
			s.metrics.eventsBroadcast.Inc()
		} else {
			s.logger.Warn("watcher too slow, disconnecting", "source", w.source)
			w.close()
		}
	}
}

func writeError(w http.ResponseWriter, status int, err *errs.Error) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorBody{Code: err.Code, Message: err.Message})
	return err
}

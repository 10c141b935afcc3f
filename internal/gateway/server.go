// Package gateway exposes a local HTTP front end over one shared mieapi
// client. Every inbound request reuses the same session manager, so many
// concurrent callers share one backend session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mieweb/mieapi-go/internal/metrics"
	"github.com/mieweb/mieapi-go/internal/mieapi"
)

// Defaults for Server options.
const (
	DefaultAddr            = "127.0.0.1:8787"
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
	maxBodyBytes           = 10 << 20
	requestIDHeader        = "X-Request-ID"
)

// API is the slice of *mieapi.Client the gateway needs.
type API interface {
	Call(ctx context.Context, method, endpoint string, params url.Values, body any) (json.RawMessage, error)
	FetchLayout(ctx context.Context, lr mieapi.LayoutRequest) (json.RawMessage, error)
}

// Server routes inbound HTTP requests to the backend API.
type Server struct {
	api             API
	gatherer        prometheus.Gatherer
	metrics         *metrics.Metrics
	addr            string
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address used by Run.
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithShutdownTimeout bounds how long in-flight requests may drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithMetrics records per-route request counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a Server. gatherer backs /metrics; nil serves the
// default registry.
func NewServer(api API, gatherer prometheus.Gatherer, logger *slog.Logger, opts ...Option) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		api:             api,
		gatherer:        gatherer,
		addr:            DefaultAddr,
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler returns the routed handler with request-id and logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut} {
		mux.HandleFunc(method+" /api/{endpoint...}", s.handleCall)
	}

	mux.HandleFunc("GET /layout/{module}/{name}", s.handleLayout)
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return s.withRequestID(s.withLogging(mux))
}

// Run listens on the configured address and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway: listening on %s: %w", s.addr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("gateway listening", slog.String("addr", ln.Addr().String()))

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: serving: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()

		s.logger.Info("gateway shutting down", slog.Duration("timeout", s.shutdownTimeout))

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway: shutdown: %w", err)
		}

		return nil
	})

	return g.Wait()
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(mieapi.WithRequestID(r.Context(), id)))
	})
}

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		// r.Pattern is filled in by the mux on the shared *Request.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}

		s.metrics.ObserveGateway(route, rec.status)
		s.logger.Info("gateway request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", w.Header().Get(requestIDHeader)),
		)
	})
}

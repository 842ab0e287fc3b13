package flagkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nhalm/flagkit/storage"
	"github.com/nhalm/flagkit/store"
)

const (
	// maxFlagsBodyBytes caps POST bodies. The largest valid document is
	// four boolean fields, so 64KiB is already generous.
	maxFlagsBodyBytes = 64 << 10

	handlerTimeout = 60 * time.Second
	handlerGrace   = 5 * time.Second

	backupSweepInterval = time.Hour
)

// flagsContentTypes is the Content-Type allowlist for flag updates.
// The allowlist matches exact values, so common charset spellings are
// listed alongside the bare type.
var flagsContentTypes = []string{
	"application/json",
	"application/json; charset=utf-8",
	"application/json;charset=utf-8",
}

// Server serves the feature flag API: the flag document itself, a rate
// limit status probe, health, and Prometheus metrics.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	service  *FlagService
	limiter  *RateLimiter
	rlStore  store.Store
	metrics  *Metrics
	registry *prometheus.Registry
	router   chi.Router
	http     *http.Server

	bgCancel    context.CancelFunc
	watchDone   chan struct{}
	janitorDone chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerWithLogger overrides the logger built from the config.
// Useful in tests to keep output quiet or captured.
func ServerWithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer wires storage, the flag service, the rate limiter, metrics,
// and the router from cfg. It does not bootstrap the flag document;
// call Service().Init for that.
func NewServer(cfg Config, opts ...ServerOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		logger, err := NewLogger(cfg.Environment, cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		s.logger = logger
	}

	s.registry = prometheus.NewRegistry()
	s.metrics = NewMetrics(s.registry)

	s.service = NewFlagService(
		storage.NewFileStore(cfg.FlagsPath),
		FlagServiceWithLogger(s.logger),
		FlagServiceWithMetrics(s.metrics),
	)

	if cfg.RedisURL != "" {
		rs, err := store.NewRedis(store.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.rlStore = rs
		s.logger.Info("rate limiting backed by redis", zap.String("url", cfg.RedisURL))
	} else {
		s.rlStore = store.NewMemory()
	}

	rlOpts := []RateLimitOption{
		RateLimitWithLogger(s.logger),
		RateLimitWithMetrics(s.metrics),
	}
	for name, limit := range cfg.Endpoints {
		rlOpts = append(rlOpts, RateLimitWithEndpoint(name, limit.MaxRequests, limit.Window))
	}
	s.limiter = NewRateLimiter(s.rlStore, rlOpts...)

	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      handlerTimeout + handlerGrace + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Service returns the flag service the server reads and writes through.
func (s *Server) Service() *FlagService {
	return s.service
}

// Router returns the configured handler, for embedding or tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Sanitize())
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			ExposedHeaders: []string{"RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset", "Retry-After"},
			MaxAge:         300,
		}))
	}

	wrap := Handler(
		WithCanonlog(),
		WithCanonlogFields(func(r *http.Request) map[string]any {
			return map[string]any{"request_id": middleware.GetReqID(r.Context())}
		}),
		WithSLOs(),
		WithTimeout(handlerTimeout),
		WithGracefulShutdown(handlerGrace),
		WithAbandonCallback(func(r *http.Request) {
			s.logger.Error("abandoned handler still running after timeout",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
		}),
	)

	// Subrouters copy these handlers at mount time, so they must be
	// registered before any Route call.
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, ErrMethodNotAllowed)
	})

	r.Route("/api", func(api chi.Router) {
		api.Route("/feature-flags", func(ff chi.Router) {
			limit := s.limiter.Middleware("feature-flags")

			ff.With(SLO(SLOHighFast), wrap, limit).
				Get("/", s.handleGetFlags)

			ff.With(SLO(SLOHighSlow), wrap, limit,
				ValidateHeaders(
					ValidateWithHeader("Content-Type",
						ValidateRequired(),
						ValidateAllowList(flagsContentTypes...),
					),
				),
				MaxBodySize(maxFlagsBodyBytes),
			).Post("/", s.handlePostFlags)
		})

		api.With(SLO(SLOHighFast), wrap).
			Get("/rate-limit/status", s.handleRateLimitStatus)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return r
}

func (s *Server) handleGetFlags(_ http.ResponseWriter, r *http.Request) {
	flags, err := s.service.Load(r.Context())
	switch {
	case err == nil:
		SetResponse(r, http.StatusOK, flags)
	case errors.Is(err, os.ErrNotExist):
		SetError(r, ErrFlagsNotInitialized)
	default:
		s.logger.Error("failed to load flags", zap.Error(err))
		SetError(r, ErrInternal)
	}
}

func (s *Server) handlePostFlags(_ http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			SetError(r, ErrPayloadTooLarge.With("Request body too large"))
		} else {
			SetError(r, ErrBadRequest.With("Failed to read request body"))
		}
		return
	}

	flags, err := ParseFlags(body)
	if err != nil {
		s.metrics.validationFailure()
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			SetError(r, apiErr)
		} else {
			SetError(r, ErrBadRequest.With("Invalid flag document"))
		}
		return
	}

	if err := s.service.Save(r.Context(), flags); err != nil {
		s.logger.Error("failed to save flags", zap.Error(err))
		SetError(r, ErrInternal)
		return
	}

	SetResponse(r, http.StatusOK, flags)
}

type rateLimitStatusQuery struct {
	Endpoint string `query:"endpoint"`
}

func (s *Server) handleRateLimitStatus(_ http.ResponseWriter, r *http.Request) {
	var q rateLimitStatusQuery
	if !Query(r, &q) {
		return
	}

	status, err := s.limiter.Status(r, q.Endpoint)
	switch {
	case err == nil:
		SetResponse(r, http.StatusOK, status)
	case errors.Is(err, ErrNoRecord):
		SetError(r, ErrNoRateLimitRecord)
	default:
		s.logger.Error("failed to read rate limit status", zap.Error(err))
		SetError(r, ErrInternal)
	}
}

// writeAPIError writes a JSON error body outside the Handler chain.
func writeAPIError(w http.ResponseWriter, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(errorResponse{Error: apiErr})
}

// Start serves HTTP until Shutdown is called. When the config enables
// watching, the flag file watcher runs alongside the listener.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.cfg.WatchFlags {
		s.watchDone = make(chan struct{})
		go func() {
			defer close(s.watchDone)
			if err := s.service.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("flags watcher stopped", zap.Error(err))
			}
		}()
	}

	if s.cfg.BackupMaxAge > 0 {
		s.janitorDone = make(chan struct{})
		go s.pruneBackupsLoop(ctx)
	}

	s.logger.Info("server listening",
		zap.String("addr", s.cfg.Addr),
		zap.String("flags_file", s.cfg.FlagsPath),
		zap.Bool("watch", s.cfg.WatchFlags),
	)

	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pruneBackupsLoop prunes old backups once at startup and then on
// every sweep interval until the background context is canceled.
func (s *Server) pruneBackupsLoop(ctx context.Context) {
	defer close(s.janitorDone)

	ticker := time.NewTicker(backupSweepInterval)
	defer ticker.Stop()

	for {
		if _, _, err := s.service.CleanupBackups(s.cfg.BackupMaxAge); err != nil {
			s.logger.Warn("backup cleanup failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown stops the listener, waits for in-flight handlers, stops the
// background workers, and closes the rate limit store. The context
// bounds the whole sequence.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.http.Shutdown(ctx)

	if werr := WaitForHandlers(ctx); werr != nil && err == nil {
		err = werr
	}

	if s.bgCancel != nil {
		s.bgCancel()
	}
	for _, done := range []chan struct{}{s.watchDone, s.janitorDone} {
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	}

	if cerr := s.rlStore.Close(); cerr != nil && err == nil {
		err = cerr
	}

	_ = s.logger.Sync()
	return err
}

package flagkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
)

// handlerWG tracks in-flight handlers so shutdown can wait for them.
var handlerWG sync.WaitGroup

// HandlerOption configures the Handler middleware.
type HandlerOption func(*config)

type config struct {
	canonlog         bool
	canonlogFields   func(*http.Request) map[string]any
	slosEnabled      bool
	timeout          time.Duration
	gracefulShutdown time.Duration
	abandonCallback  func(*http.Request)
}

// WithCanonlog enables canonical logging for requests.
// Creates a logger at request start and flushes it after response.
// Logs method, path, route, status, and duration_ms for each request.
// Errors set via SetError are automatically logged.
func WithCanonlog() HandlerOption {
	return func(c *config) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds custom fields to each log entry.
// The function receives the request and returns fields to add.
// Called at request start, before the handler executes.
func WithCanonlogFields(fn func(*http.Request) map[string]any) HandlerOption {
	return func(c *config) {
		c.canonlogFields = fn
	}
}

// WithSLOs enables SLO status logging.
// Requires WithCanonlog() to be enabled.
// Reads SLO tier and target from context (set via SLO or SLOWithTarget)
// and logs slo_class and slo_status (PASS or FAIL) based on request duration.
func WithSLOs() HandlerOption {
	return func(c *config) {
		c.slosEnabled = true
	}
}

// WithTimeout bounds handler execution. The handler runs with a
// deadline on its request context; when the deadline passes before the
// handler responds, a 504 gateway_timeout error is written and any
// later response from the handler is discarded.
func WithTimeout(d time.Duration) HandlerOption {
	return func(c *config) {
		c.timeout = d
	}
}

// WithGracefulShutdown sets how long to wait, after a timeout response
// has been written, for the handler to notice its cancelled context
// and return. Only meaningful together with WithTimeout.
func WithGracefulShutdown(d time.Duration) HandlerOption {
	return func(c *config) {
		c.gracefulShutdown = d
	}
}

// WithAbandonCallback registers a function called when a timed-out
// handler is still running after the graceful shutdown wait. The
// handler goroutine keeps running; the callback is the hook for
// alerting on leaked work.
func WithAbandonCallback(fn func(*http.Request)) HandlerOption {
	return func(c *config) {
		c.abandonCallback = fn
	}
}

// WaitForHandlers blocks until every in-flight handler has returned,
// or ctx is done. Call during server shutdown after the listener has
// stopped accepting requests.
func WaitForHandlers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		handlerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler returns middleware that manages response state and writes responses.
func Handler(opts ...HandlerOption) func(http.Handler) http.Handler {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)

			var start time.Time
			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				start = time.Now()

				canonlog.InfoAddMany(ctx, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})

				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}

			finalize := func() {
				if cfg.canonlog {
					state.mu.Lock()
					status := state.status
					if state.err != nil {
						status = state.err.Status
						canonlog.ErrorAdd(ctx, state.err)
					}
					state.mu.Unlock()

					duration := time.Since(start)

					route := r.URL.Path
					if rctx := chi.RouteContext(ctx); rctx != nil {
						if pattern := rctx.RoutePattern(); pattern != "" {
							route = pattern
						}
					}

					canonlog.InfoAddMany(ctx, map[string]any{
						"route":       route,
						"status":      status,
						"duration_ms": duration.Milliseconds(),
					})

					if cfg.slosEnabled {
						if tier, target, ok := GetSLO(ctx); ok {
							sloStatus := "PASS"
							if duration > target {
								sloStatus = "FAIL"
							}
							canonlog.InfoAdd(ctx, "slo_class", string(tier))
							canonlog.InfoAdd(ctx, "slo_status", sloStatus)
						}
					}

					canonlog.Flush(ctx)
				}

				writeResponse(w, state)
			}

			if cfg.timeout <= 0 {
				r = r.WithContext(ctx)

				handlerWG.Add(1)
				defer handlerWG.Done()

				defer func() {
					if rec := recover(); rec != nil {
						state.setError(ErrInternal)
						if cfg.canonlog {
							canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
						}
					}
					finalize()
				}()

				next.ServeHTTP(w, r)
				return
			}

			tctx, cancel := context.WithTimeout(ctx, cfg.timeout)
			defer cancel()
			r = r.WithContext(tctx)

			done := make(chan struct{})
			handlerWG.Add(1)
			go func() {
				defer handlerWG.Done()
				defer close(done)
				defer func() {
					if rec := recover(); rec != nil {
						state.setError(ErrInternal)
						if cfg.canonlog {
							canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
						}
					}
				}()
				next.ServeHTTP(w, r)
			}()

			select {
			case <-done:
				// The handler may have returned because the deadline
				// cancelled its context. If it produced nothing, the
				// client still gets the timeout error.
				if tctx.Err() != nil && state.empty() {
					state.setError(ErrGatewayTimeout)
				}
				finalize()

			case <-tctx.Done():
				state.setError(ErrGatewayTimeout)
				finalize()

				if cfg.gracefulShutdown > 0 {
					select {
					case <-done:
						return
					case <-time.After(cfg.gracefulShutdown):
					}
				}
				if cfg.abandonCallback != nil {
					select {
					case <-done:
					default:
						cfg.abandonCallback(r)
					}
				}
			}
		})
	}
}

func writeResponse(w http.ResponseWriter, state *State) {
	if !state.markWritten() {
		return
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	for key, values := range state.headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	if state.err != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(errorResponse{Error: state.err}); err != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("Internal server error"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(state.err.Status)
		w.Write(buf.Bytes())
		return
	}

	if state.body != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(state.body); err != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("Internal server error"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(state.status)
		w.Write(buf.Bytes())
		return
	}

	if state.status != 0 {
		w.WriteHeader(state.status)
	}
}

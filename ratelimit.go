// Rate limiting middleware for Chi and standard http.Handler.
//
// Callers are identified by a fingerprint of client IP and User-Agent,
// namespaced by endpoint name. Each endpoint gets a fixed window and request
// ceiling configured via functional options; unconfigured or empty endpoint
// names share the "default" bucket. Denied requests receive 429 (Too Many
// Requests) with a JSON body reporting how many seconds until the window
// resets. Granted requests carry standard rate limit headers (RateLimit-Limit,
// RateLimit-Remaining, RateLimit-Reset) depending on the header mode.
//
// Example:
//
//	st := store.NewMemory()
//	defer st.Close()
//	limiter := flagkit.NewRateLimiter(st,
//	    flagkit.RateLimitWithEndpoint("feature-flags", 60, time.Minute),
//	)
//	r.Use(limiter.Middleware("feature-flags"))
//
// The limiter fails open: when the backing store errors, the request is
// granted and the failure is logged, never surfaced to the client.
//
// For distributed deployments (Kubernetes), use the Redis store. The in-memory
// store is only suitable for single-instance deployments and development.

package flagkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/nhalm/flagkit/store"
)

// DefaultEndpoint is the bucket used when a request's endpoint is empty or
// has no configured limit.
const DefaultEndpoint = "default"

// DefaultLimit applies to the default bucket unless overridden.
var DefaultLimit = Limit{MaxRequests: 60, Window: time.Minute}

// ErrNoRecord is returned by Status when the caller has no live window.
// It is distinct from store errors so callers can tell "never seen" apart
// from "the check itself failed".
var ErrNoRecord = errors.New("ratelimit: no record for key")

// Limit is the request ceiling for one fixed window.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// RateLimitHeaderMode controls when rate limit headers are included in responses.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways includes rate limit headers on all responses (default).
	// Headers: RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset
	// On 429: Also includes Retry-After
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	// Headers on 429: RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset, Retry-After
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever never includes rate limit headers in any response.
	// Use this when you want rate limiting without exposing limits to clients.
	RateLimitHeadersNever
)

// Result is one admission decision.
//
// It marshals to the wire shape clients see: {"success":true,"remaining":N}
// when granted, {"success":false,"retryAfter":N} when denied. A fail-open
// grant (store failure) marshals to {"success":true} with no remaining count,
// since the true count is unknown.
type Result struct {
	Success    bool
	Remaining  int // requests left in the window; -1 when unknown
	RetryAfter int // seconds until the window resets; set only when denied

	limit    int
	ttl      time.Duration
	failOpen bool
}

// MarshalJSON emits the response shape {success, retryAfter?, remaining?}.
func (res Result) MarshalJSON() ([]byte, error) {
	switch {
	case !res.Success:
		return json.Marshal(struct {
			Success    bool `json:"success"`
			RetryAfter int  `json:"retryAfter"`
		}{false, res.RetryAfter})
	case res.Remaining < 0:
		return json.Marshal(struct {
			Success bool `json:"success"`
		}{true})
	default:
		return json.Marshal(struct {
			Success   bool `json:"success"`
			Remaining int  `json:"remaining"`
		}{true, res.Remaining})
	}
}

// Status is a read-only projection of a caller's current window.
type Status struct {
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// RateLimiter admits or denies requests per caller and endpoint using fixed
// time windows held in an injectable store.
type RateLimiter struct {
	store      store.Store
	limits     map[string]Limit
	fallback   Limit
	logger     *zap.Logger
	metrics    *Metrics
	headerMode RateLimitHeaderMode
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// RateLimitWithEndpoint sets the limit for a named endpoint.
// Configure "default" to change the bucket shared by unconfigured endpoints,
// or use RateLimitWithDefault.
func RateLimitWithEndpoint(name string, maxRequests int, window time.Duration) RateLimitOption {
	return func(l *RateLimiter) {
		l.limits[name] = Limit{MaxRequests: maxRequests, Window: window}
	}
}

// RateLimitWithDefault overrides the limit for the default bucket.
func RateLimitWithDefault(maxRequests int, window time.Duration) RateLimitOption {
	return func(l *RateLimiter) {
		l.fallback = Limit{MaxRequests: maxRequests, Window: window}
	}
}

// RateLimitWithLogger sets the logger for fail-open store errors.
// Defaults to a no-op logger.
func RateLimitWithLogger(logger *zap.Logger) RateLimitOption {
	return func(l *RateLimiter) {
		l.logger = logger
	}
}

// RateLimitWithMetrics records per-endpoint decisions on m.
func RateLimitWithMetrics(m *Metrics) RateLimitOption {
	return func(l *RateLimiter) {
		l.metrics = m
	}
}

// RateLimitWithHeaderMode configures when rate limit headers are included in responses.
func RateLimitWithHeaderMode(mode RateLimitHeaderMode) RateLimitOption {
	return func(l *RateLimiter) {
		l.headerMode = mode
	}
}

// NewRateLimiter creates a rate limiter backed by st.
// Endpoints without a RateLimitWithEndpoint entry share the default bucket
// (60 requests per minute unless RateLimitWithDefault overrides it).
func NewRateLimiter(st store.Store, opts ...RateLimitOption) *RateLimiter {
	l := &RateLimiter{
		store:      st,
		limits:     make(map[string]Limit),
		fallback:   DefaultLimit,
		logger:     zap.NewNop(),
		headerMode: RateLimitHeadersAlways,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check admits or denies one request against the endpoint's window.
// The caller is fingerprinted from the request's client IP and User-Agent,
// so two different browsers on one host count separately.
//
// Check never fails: a store error is logged and the request granted
// (availability over strict enforcement).
func (l *RateLimiter) Check(r *http.Request, endpoint string) Result {
	name, limit := l.resolve(endpoint)
	key := name + ":" + fingerprint(clientIP(r), r.UserAgent())

	count, ttl, limited, err := l.store.Increment(r.Context(), key, limit.Window, int64(limit.MaxRequests))
	if err != nil {
		l.logger.Warn("rate limit check failed, failing open",
			zap.String("endpoint", name),
			zap.Error(err),
		)
		l.metrics.rateLimitDecision(name, "failopen")
		return Result{Success: true, Remaining: -1, limit: limit.MaxRequests, failOpen: true}
	}

	if limited {
		l.metrics.rateLimitDecision(name, "denied")
		return Result{
			Success:    false,
			RetryAfter: retryAfterSeconds(ttl),
			limit:      limit.MaxRequests,
			ttl:        ttl,
		}
	}

	l.metrics.rateLimitDecision(name, "granted")
	return Result{
		Success:   true,
		Remaining: max(0, limit.MaxRequests-int(count)),
		limit:     limit.MaxRequests,
		ttl:       ttl,
	}
}

// Status reports the caller's remaining quota without consuming any.
// Returns ErrNoRecord when the caller has no live window for the endpoint.
func (l *RateLimiter) Status(r *http.Request, endpoint string) (Status, error) {
	name, limit := l.resolve(endpoint)
	key := name + ":" + fingerprint(clientIP(r), r.UserAgent())

	count, ttl, ok, err := l.store.Get(r.Context(), key)
	if err != nil {
		return Status{}, fmt.Errorf("rate limit status failed: %w", err)
	}
	if !ok {
		return Status{}, ErrNoRecord
	}

	return Status{
		Remaining: max(0, limit.MaxRequests-int(count)),
		ResetAt:   time.Now().Add(ttl),
	}, nil
}

// Middleware returns rate limiting middleware for one endpoint.
// Sets the following headers based on header mode:
//   - RateLimit-Limit: The rate limit ceiling for the current window
//   - RateLimit-Remaining: Number of requests remaining in the current window
//   - RateLimit-Reset: Unix timestamp when the current window resets
//   - Retry-After: (only when limited) Seconds until the window resets
//
// These headers follow the IETF draft-ietf-httpapi-ratelimit-headers
// specification. Fail-open grants skip the headers since the counts are
// unknown. Inside a Handler chain the middleware goes through the request
// state; standalone it writes to the ResponseWriter directly.
func (l *RateLimiter) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := l.Check(r, endpoint)

			useWrapper := HasState(r.Context())
			showHeaders := l.headerMode == RateLimitHeadersAlways ||
				(l.headerMode == RateLimitHeadersOnLimitExceeded && !res.Success)

			if showHeaders && !res.failOpen {
				limitVal := strconv.Itoa(res.limit)
				remaining := strconv.Itoa(res.Remaining)
				reset := strconv.FormatInt(time.Now().Add(res.ttl).Unix(), 10)
				if useWrapper {
					SetHeader(r, "RateLimit-Limit", limitVal)
					SetHeader(r, "RateLimit-Remaining", remaining)
					SetHeader(r, "RateLimit-Reset", reset)
				} else {
					w.Header().Set("RateLimit-Limit", limitVal)
					w.Header().Set("RateLimit-Remaining", remaining)
					w.Header().Set("RateLimit-Reset", reset)
				}
			}

			if !res.Success {
				if showHeaders {
					if useWrapper {
						SetHeader(r, "Retry-After", strconv.Itoa(res.RetryAfter))
					} else {
						w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
					}
				}
				if useWrapper {
					SetResponse(r, http.StatusTooManyRequests, res)
				} else {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusTooManyRequests)
					json.NewEncoder(w).Encode(res)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// resolve maps an endpoint name to its bucket and limit. Names without a
// configured limit collapse into the default bucket so they share one window.
func (l *RateLimiter) resolve(endpoint string) (string, Limit) {
	if endpoint != "" {
		if lim, ok := l.limits[endpoint]; ok {
			return endpoint, lim
		}
	}
	if lim, ok := l.limits[DefaultEndpoint]; ok {
		return DefaultEndpoint, lim
	}
	return DefaultEndpoint, l.fallback
}

// fingerprint derives the caller identity key component from client IP and
// User-Agent. Murmur3 keeps keys short and uniform; this is identity
// bucketing, not security hashing.
func fingerprint(ip, userAgent string) string {
	return fmt.Sprintf("%016x", murmur3.Sum64([]byte(ip+"\n"+userAgent)))
}

// clientIP extracts the caller address from RemoteAddr. Behind a proxy,
// mount chi's middleware.RealIP upstream so RemoteAddr already holds the
// forwarded client address.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func retryAfterSeconds(ttl time.Duration) int {
	secs := int(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

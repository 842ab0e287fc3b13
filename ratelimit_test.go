package flagkit_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nhalm/flagkit"
	"github.com/nhalm/flagkit/store"
)

func newTestRequest(ip, userAgent string) *http.Request {
	req := httptest.NewRequest("GET", "/test", http.NoBody)
	req.RemoteAddr = ip + ":1234"
	req.Header.Set("User-Agent", userAgent)
	return req
}

func TestRateLimiter_Check_RemainingCountdown(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	limiter := flagkit.NewRateLimiter(st,
		flagkit.RateLimitWithEndpoint("test", 5, time.Minute),
	)
	req := newTestRequest("192.168.1.1", "countdown-agent")

	for i, want := range []int{4, 3, 2, 1, 0} {
		res := limiter.Check(req, "test")
		if !res.Success {
			t.Fatalf("check %d: expected grant, got denial", i+1)
		}
		if res.Remaining != want {
			t.Errorf("check %d: Remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	res := limiter.Check(req, "test")
	if res.Success {
		t.Fatal("6th check: expected denial, got grant")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("6th check: RetryAfter = %d, want > 0", res.RetryAfter)
	}
}

func TestRateLimiter_Check_WindowReset(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	limiter := flagkit.NewRateLimiter(st,
		flagkit.RateLimitWithEndpoint("test", 5, 200*time.Millisecond),
	)
	req := newTestRequest("192.168.1.1", "reset-agent")

	for i := 0; i < 5; i++ {
		if res := limiter.Check(req, "test"); !res.Success {
			t.Fatalf("check %d: expected grant, got denial", i+1)
		}
	}
	if res := limiter.Check(req, "test"); res.Success {
		t.Fatal("expected denial once window is full")
	}

	time.Sleep(250 * time.Millisecond)

	res := limiter.Check(req, "test")
	if !res.Success {
		t.Fatal("expected grant after window reset")
	}
	if res.Remaining != 4 {
		t.Errorf("Remaining after reset = %d, want 4", res.Remaining)
	}
}

func TestRateLimiter_Check_DistinctFingerprints(t *testing.T) {
	t.Run("different_user_agents", func(t *testing.T) {
		st := store.NewMemory()
		defer st.Close()

		limiter := flagkit.NewRateLimiter(st,
			flagkit.RateLimitWithEndpoint("test", 1, time.Minute),
		)

		chrome := newTestRequest("192.168.1.1", "Chrome/120.0")
		firefox := newTestRequest("192.168.1.1", "Firefox/121.0")

		if res := limiter.Check(chrome, "test"); !res.Success {
			t.Fatal("first caller: expected grant")
		}
		if res := limiter.Check(chrome, "test"); res.Success {
			t.Fatal("first caller: expected denial after exhausting limit")
		}
		if res := limiter.Check(firefox, "test"); !res.Success {
			t.Error("second caller should not share the first caller's window")
		}
	})

	t.Run("different_ips", func(t *testing.T) {
		st := store.NewMemory()
		defer st.Close()

		limiter := flagkit.NewRateLimiter(st,
			flagkit.RateLimitWithEndpoint("test", 1, time.Minute),
		)

		first := newTestRequest("192.168.1.1", "shared-agent")
		second := newTestRequest("192.168.1.2", "shared-agent")

		if res := limiter.Check(first, "test"); !res.Success {
			t.Fatal("first caller: expected grant")
		}
		if res := limiter.Check(second, "test"); !res.Success {
			t.Error("different IP should not share the first caller's window")
		}
	})
}

func TestRateLimiter_Check_DefaultBucket(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	limiter := flagkit.NewRateLimiter(st,
		flagkit.RateLimitWithDefault(1, time.Minute),
	)
	req := newTestRequest("192.168.1.1", "default-agent")

	// Unconfigured endpoints collapse into one shared bucket.
	if res := limiter.Check(req, "alpha"); !res.Success {
		t.Fatal("first check: expected grant")
	}
	if res := limiter.Check(req, "beta"); res.Success {
		t.Error("unconfigured endpoints should share the default bucket")
	}
	if res := limiter.Check(req, ""); res.Success {
		t.Error("empty endpoint should share the default bucket")
	}
}

func TestRateLimiter_Check_ConfiguredEndpointIsolated(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	limiter := flagkit.NewRateLimiter(st,
		flagkit.RateLimitWithEndpoint("feature-flags", 1, time.Minute),
	)
	req := newTestRequest("192.168.1.1", "isolated-agent")

	if res := limiter.Check(req, "feature-flags"); !res.Success {
		t.Fatal("first check: expected grant")
	}
	if res := limiter.Check(req, "feature-flags"); res.Success {
		t.Fatal("expected denial after exhausting the endpoint limit")
	}

	// Other endpoints fall back to the default bucket and stay unaffected.
	if res := limiter.Check(req, "other"); !res.Success {
		t.Error("unconfigured endpoint should not share the configured endpoint's window")
	}
}

type errorStore struct{}

func (e *errorStore) Increment(_ context.Context, _ string, _ time.Duration, _ int64) (int64, time.Duration, bool, error) {
	return 0, 0, false, errors.New("storage backend unavailable")
}

func (e *errorStore) Get(_ context.Context, _ string) (int64, time.Duration, bool, error) {
	return 0, 0, false, errors.New("storage backend unavailable")
}

func (e *errorStore) Reset(_ context.Context, _ string) error {
	return errors.New("storage backend unavailable")
}

func (e *errorStore) Close() error {
	return nil
}

func TestRateLimiter_Check_FailOpen(t *testing.T) {
	limiter := flagkit.NewRateLimiter(&errorStore{})
	req := newTestRequest("192.168.1.1", "failopen-agent")

	res := limiter.Check(req, "test")
	if !res.Success {
		t.Fatal("store failure should fail open, not deny")
	}
	if res.Remaining != -1 {
		t.Errorf("Remaining = %d, want -1 (unknown)", res.Remaining)
	}

	body, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if m["success"] != true {
		t.Errorf("success = %v, want true", m["success"])
	}
	if _, ok := m["remaining"]; ok {
		t.Error("fail-open grant should omit remaining from the response")
	}
}

func TestRateLimiter_Status(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	limiter := flagkit.NewRateLimiter(st,
		flagkit.RateLimitWithEndpoint("test", 5, time.Minute),
	)
	req := newTestRequest("192.168.1.1", "status-agent")

	if _, err := limiter.Status(req, "test"); !errors.Is(err, flagkit.ErrNoRecord) {
		t.Fatalf("Status() before any check: error = %v, want ErrNoRecord", err)
	}

	limiter.Check(req, "test")

	status, err := limiter.Status(req, "test")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", status.Remaining)
	}
	if !status.ResetAt.After(time.Now()) {
		t.Errorf("ResetAt = %v, want a future time", status.ResetAt)
	}

	// Status is read-only: asking again must not consume quota.
	again, err := limiter.Status(req, "test")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if again.Remaining != status.Remaining {
		t.Errorf("second Status() Remaining = %d, want %d", again.Remaining, status.Remaining)
	}
}

func TestRateLimiter_Status_StoreError(t *testing.T) {
	limiter := flagkit.NewRateLimiter(&errorStore{})
	req := newTestRequest("192.168.1.1", "status-error-agent")

	_, err := limiter.Status(req, "test")
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if errors.Is(err, flagkit.ErrNoRecord) {
		t.Error("store failure must be distinguishable from a missing record")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	limiter := flagkit.NewRateLimiter(st,
		flagkit.RateLimitWithEndpoint("test", 2, time.Minute),
	)
	handler := limiter.Middleware("test")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := newTestRequest("192.168.1.1", "middleware-agent")

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if retry := rr.Header().Get("Retry-After"); retry == "" {
		t.Error("expected Retry-After header")
	}

	var resp struct {
		Success    bool `json:"success"`
		RetryAfter int  `json:"retryAfter"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Success {
		t.Error("denied response should report success=false")
	}
	if resp.RetryAfter <= 0 {
		t.Errorf("retryAfter = %d, want > 0", resp.RetryAfter)
	}
}

func TestRateLimitHeaders(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	limiter := flagkit.NewRateLimiter(st,
		flagkit.RateLimitWithEndpoint("test", 5, time.Minute),
	)
	handler := limiter.Middleware("test")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := newTestRequest("192.168.1.1", "headers-agent")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if limit := rr.Header().Get("RateLimit-Limit"); limit != "5" {
		t.Errorf("expected RateLimit-Limit: 5, got %s", limit)
	}
	if remaining := rr.Header().Get("RateLimit-Remaining"); remaining != "4" {
		t.Errorf("expected RateLimit-Remaining: 4, got %s", remaining)
	}
	if reset := rr.Header().Get("RateLimit-Reset"); reset == "" {
		t.Error("expected RateLimit-Reset header")
	}
}

func TestRateLimiter_HeaderModes(t *testing.T) {
	tests := []struct {
		name                  string
		mode                  flagkit.RateLimitHeaderMode
		wantHeadersOnSuccess  bool
		wantHeadersOnExceeded bool
	}{
		{
			name:                  "HeadersAlways",
			mode:                  flagkit.RateLimitHeadersAlways,
			wantHeadersOnSuccess:  true,
			wantHeadersOnExceeded: true,
		},
		{
			name:                  "HeadersOnLimitExceeded",
			mode:                  flagkit.RateLimitHeadersOnLimitExceeded,
			wantHeadersOnSuccess:  false,
			wantHeadersOnExceeded: true,
		},
		{
			name:                  "HeadersNever",
			mode:                  flagkit.RateLimitHeadersNever,
			wantHeadersOnSuccess:  false,
			wantHeadersOnExceeded: false,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemory()
			defer st.Close()

			limiter := flagkit.NewRateLimiter(st,
				flagkit.RateLimitWithEndpoint("test", 2, time.Minute),
				flagkit.RateLimitWithHeaderMode(tt.mode),
			)
			handler := limiter.Middleware("test")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := newTestRequest(fmt.Sprintf("192.168.1.%d", 100+i), "mode-agent")

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}

			hasHeaders := rr.Header().Get("RateLimit-Limit") != ""
			if hasHeaders != tt.wantHeadersOnSuccess {
				t.Errorf("success response: headers present = %v, want %v", hasHeaders, tt.wantHeadersOnSuccess)
			}

			rr = httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			rr = httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusTooManyRequests {
				t.Fatalf("expected 429, got %d", rr.Code)
			}

			hasHeaders = rr.Header().Get("RateLimit-Limit") != ""
			if hasHeaders != tt.wantHeadersOnExceeded {
				t.Errorf("exceeded response: headers present = %v, want %v", hasHeaders, tt.wantHeadersOnExceeded)
			}
		})
	}
}

func TestRateLimiter_Middleware_WithWrapper(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	limiter := flagkit.NewRateLimiter(st,
		flagkit.RateLimitWithEndpoint("test", 1, time.Minute),
	)

	handler := flagkit.Handler()(limiter.Middleware("test")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		flagkit.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	})))

	req := newTestRequest("192.168.1.1", "wrapper-agent")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("first request: expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr.Code)
	}

	var resp struct {
		Success    bool `json:"success"`
		RetryAfter int  `json:"retryAfter"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Success || resp.RetryAfter <= 0 {
		t.Errorf("denied body = %+v, want success=false and retryAfter > 0", resp)
	}

	if rr.Header().Get("RateLimit-Limit") != "1" {
		t.Error("expected RateLimit-Limit header")
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimiter_Middleware_FailOpen(t *testing.T) {
	limiter := flagkit.NewRateLimiter(&errorStore{})
	handler := limiter.Middleware("test")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := newTestRequest("192.168.1.1", "failopen-middleware-agent")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("store failure should fail open with 200, got %d", rr.Code)
	}
	if rr.Header().Get("RateLimit-Limit") != "" {
		t.Error("fail-open response should not carry rate limit headers")
	}
}

func TestRateLimiter_ConcurrentSameKey(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	defer st.Close()

	const (
		limit       = 50
		concurrency = 100
	)

	limiter := flagkit.NewRateLimiter(st,
		flagkit.RateLimitWithEndpoint("test", limit, time.Minute),
	)
	handler := limiter.Middleware("test")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var (
		allowed atomic.Int64
		denied  atomic.Int64
		wg      sync.WaitGroup
		startCh = make(chan struct{})
	)

	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()

			<-startCh

			req := newTestRequest("192.168.1.1", "concurrent-agent")
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code == http.StatusOK {
				allowed.Add(1)
			} else if rr.Code == http.StatusTooManyRequests {
				denied.Add(1)
			}
		}()
	}

	close(startCh)
	wg.Wait()

	if allowed.Load() != limit {
		t.Errorf("expected exactly %d allowed requests, got %d", limit, allowed.Load())
	}
	if denied.Load() != concurrency-limit {
		t.Errorf("expected exactly %d denied requests, got %d", concurrency-limit, denied.Load())
	}
}

func TestResult_MarshalJSON(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	limiter := flagkit.NewRateLimiter(st,
		flagkit.RateLimitWithEndpoint("test", 2, time.Minute),
	)
	req := newTestRequest("192.168.1.1", "marshal-agent")

	granted := limiter.Check(req, "test")
	body, err := json.Marshal(granted)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(body) != `{"success":true,"remaining":1}` {
		t.Errorf("granted body = %s", body)
	}

	limiter.Check(req, "test")
	denied := limiter.Check(req, "test")
	body, err = json.Marshal(denied)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if m["success"] != false {
		t.Errorf("denied success = %v, want false", m["success"])
	}
	if _, ok := m["retryAfter"]; !ok {
		t.Error("denied body should carry retryAfter")
	}
	if _, ok := m["remaining"]; ok {
		t.Error("denied body should not carry remaining")
	}
}

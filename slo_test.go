package flagkit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestSLO_SetsTierInContext(t *testing.T) {
	tests := []struct {
		name           string
		tier           SLOTier
		expectedTarget time.Duration
	}{
		{"Critical", SLOCritical, 50 * time.Millisecond},
		{"HighFast", SLOHighFast, 100 * time.Millisecond},
		{"HighSlow", SLOHighSlow, 1000 * time.Millisecond},
		{"Low", SLOLow, 5000 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var capturedTier SLOTier
			var capturedTarget time.Duration
			var found bool

			handler := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				capturedTier, capturedTarget, found = GetSLO(r.Context())
			})

			req := httptest.NewRequest("GET", "/api/feature-flags", http.NoBody)
			rec := httptest.NewRecorder()
			SLO(tt.tier)(handler).ServeHTTP(rec, req)

			if !found {
				t.Fatal("expected SLO tier to be set in context")
			}
			if capturedTier != tt.tier {
				t.Errorf("expected tier %s, got %s", tt.tier, capturedTier)
			}
			if capturedTarget != tt.expectedTarget {
				t.Errorf("expected target %v, got %v", tt.expectedTarget, capturedTarget)
			}
		})
	}
}

func TestSLOWithTarget_SetsCustomTarget(t *testing.T) {
	customTarget := 200 * time.Millisecond

	var capturedTier SLOTier
	var capturedTarget time.Duration
	var found bool

	handler := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		capturedTier, capturedTarget, found = GetSLO(r.Context())
	})

	req := httptest.NewRequest("GET", "/api/feature-flags", http.NoBody)
	rec := httptest.NewRecorder()
	SLOWithTarget(customTarget)(handler).ServeHTTP(rec, req)

	if !found {
		t.Fatal("expected SLO tier to be set in context")
	}
	if capturedTier != "custom" {
		t.Errorf("expected tier 'custom', got %s", capturedTier)
	}
	if capturedTarget != customTarget {
		t.Errorf("expected target %v, got %v", customTarget, capturedTarget)
	}
}

func TestGetSLO_NoContext(t *testing.T) {
	handler := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		tier, target, found := GetSLO(r.Context())
		if found {
			t.Error("expected SLO tier to not be found in context")
		}
		if tier != "" {
			t.Errorf("expected empty tier, got %s", tier)
		}
		if target != 0 {
			t.Errorf("expected zero target, got %v", target)
		}
	})

	req := httptest.NewRequest("GET", "/api/feature-flags", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
}

func TestSLO_DifferentRoutesHaveDifferentSLOs(t *testing.T) {
	r := chi.NewRouter()

	var getTier, postTier, statusTier SLOTier

	r.With(SLO(SLOHighFast)).Get("/api/feature-flags", func(_ http.ResponseWriter, r *http.Request) {
		getTier, _, _ = GetSLO(r.Context())
	})

	r.With(SLO(SLOHighSlow)).Post("/api/feature-flags", func(_ http.ResponseWriter, r *http.Request) {
		postTier, _, _ = GetSLO(r.Context())
	})

	r.With(SLO(SLOCritical)).Get("/health", func(_ http.ResponseWriter, r *http.Request) {
		statusTier, _, _ = GetSLO(r.Context())
	})

	req := httptest.NewRequest("GET", "/api/feature-flags", http.NoBody)
	r.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest("POST", "/api/feature-flags", http.NoBody)
	r.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest("GET", "/health", http.NoBody)
	r.ServeHTTP(httptest.NewRecorder(), req)

	if getTier != SLOHighFast {
		t.Errorf("expected GET tier %s, got %s", SLOHighFast, getTier)
	}
	if postTier != SLOHighSlow {
		t.Errorf("expected POST tier %s, got %s", SLOHighSlow, postTier)
	}
	if statusTier != SLOCritical {
		t.Errorf("expected health tier %s, got %s", SLOCritical, statusTier)
	}
}

func TestSLO_RouteWithoutSLO(t *testing.T) {
	r := chi.NewRouter()

	var withSLOFound, withoutSLOFound bool

	r.With(SLO(SLOHighFast)).Get("/api/feature-flags", func(_ http.ResponseWriter, r *http.Request) {
		_, _, withSLOFound = GetSLO(r.Context())
	})

	r.Get("/metrics", func(_ http.ResponseWriter, r *http.Request) {
		_, _, withoutSLOFound = GetSLO(r.Context())
	})

	req := httptest.NewRequest("GET", "/api/feature-flags", http.NoBody)
	r.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest("GET", "/metrics", http.NoBody)
	r.ServeHTTP(httptest.NewRecorder(), req)

	if !withSLOFound {
		t.Error("expected SLO to be found on the flags route")
	}
	if withoutSLOFound {
		t.Error("expected SLO to not be found on the metrics route")
	}
}

func TestSLOTierConstants(t *testing.T) {
	if SLOCritical != "critical" {
		t.Errorf("expected Critical = 'critical', got %s", SLOCritical)
	}
	if SLOHighFast != "high_fast" {
		t.Errorf("expected HighFast = 'high_fast', got %s", SLOHighFast)
	}
	if SLOHighSlow != "high_slow" {
		t.Errorf("expected HighSlow = 'high_slow', got %s", SLOHighSlow)
	}
	if SLOLow != "low" {
		t.Errorf("expected Low = 'low', got %s", SLOLow)
	}
}

package flagkit

// SLO (Service Level Objective) tagging middleware.
//
// Routes declare a latency tier; the Handler middleware compares actual
// request duration against the tier's target and logs PASS/FAIL on the
// canonical log line. Flag reads sit on the fast tier since clients block
// on them at startup, flag writes tolerate the slower tier.

import (
	"context"
	"net/http"
	"time"
)

// SLOTier represents an SLO classification level.
type SLOTier string

const (
	// SLOCritical is for essential probes like health checks (50ms target).
	SLOCritical SLOTier = "critical"

	// SLOHighFast is for reads clients block on, like fetching the flag
	// document (100ms target).
	SLOHighFast SLOTier = "high_fast"

	// SLOHighSlow is for writes that hit disk with locking and backups
	// (1000ms target).
	SLOHighSlow SLOTier = "high_slow"

	// SLOLow is for background and maintenance work (5000ms target).
	SLOLow SLOTier = "low"

	// sloCustom is used internally for SLOWithTarget.
	sloCustom SLOTier = "custom"
)

var sloTargets = map[SLOTier]time.Duration{
	SLOCritical: 50 * time.Millisecond,
	SLOHighFast: 100 * time.Millisecond,
	SLOHighSlow: 1000 * time.Millisecond,
	SLOLow:      5000 * time.Millisecond,
}

type sloContextKey string

const sloConfigKey sloContextKey = "slo_config"

type sloConfig struct {
	tier   SLOTier
	target time.Duration
}

// SLO tags requests with a predefined tier and its latency target.
func SLO(tier SLOTier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg := &sloConfig{
				tier:   tier,
				target: sloTargets[tier],
			}
			ctx := context.WithValue(r.Context(), sloConfigKey, cfg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SLOWithTarget tags requests with a custom latency target.
// The tier is logged as "custom".
func SLOWithTarget(target time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg := &sloConfig{
				tier:   sloCustom,
				target: target,
			}
			ctx := context.WithValue(r.Context(), sloConfigKey, cfg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSLO retrieves the SLO tier and target from context.
// Returns the tier, target duration, and true if set; otherwise empty values and false.
func GetSLO(ctx context.Context) (SLOTier, time.Duration, bool) {
	cfg, ok := ctx.Value(sloConfigKey).(*sloConfig)
	if !ok {
		return "", 0, false
	}
	return cfg.tier, cfg.target, true
}

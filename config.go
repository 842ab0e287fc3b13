package flagkit

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds everything needed to run a flag server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `validate:"required"`

	// FlagsPath is the flag document location. Backups land in a
	// "backups" directory next to it.
	FlagsPath string `validate:"required"`

	// BackupMaxAge is the retention age used when the server prunes
	// backups. Zero keeps every backup.
	BackupMaxAge time.Duration `validate:"min=0"`

	// CORSOrigins enables browser cross-origin access when non-empty.
	CORSOrigins []string

	// Endpoints maps rate limited endpoint names to their limits.
	// Endpoints not listed here share the "default" bucket.
	Endpoints map[string]Limit

	// RedisURL switches the rate limiter to the Redis store when set
	// (host:port). Empty means in-memory, which is per-process only.
	RedisURL      string
	RedisPassword string
	RedisDB       int `validate:"min=0,max=15"`

	LogLevel    string `validate:"oneof=debug info warn error"`
	Environment string `validate:"oneof=development production"`

	// WatchFlags reloads the in-process snapshot when another process
	// rewrites the flag file.
	WatchFlags bool
}

// DefaultConfig returns a development configuration serving flags from
// ./flags.json with the standard limit on the flags endpoint.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		FlagsPath:    "flags.json",
		BackupMaxAge: 7 * 24 * time.Hour,
		Endpoints: map[string]Limit{
			"feature-flags": DefaultLimit,
		},
		LogLevel:    "info",
		Environment: "development",
	}
}

// Validate reports the first problem with the configuration.
func (c Config) Validate() error {
	validateMu.RLock()
	err := validate.Struct(c)
	validateMu.RUnlock()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	for name, limit := range c.Endpoints {
		if limit.MaxRequests < 1 {
			return fmt.Errorf("invalid config: endpoint %q: max requests must be at least 1", name)
		}
		if limit.Window < time.Second {
			return fmt.Errorf("invalid config: endpoint %q: window must be at least 1s", name)
		}
	}
	return nil
}

// NewLogger builds the process logger. Production gets sampled JSON
// with ISO8601 timestamps and no stacktraces; everything else gets the
// colored development console encoder.
func NewLogger(environment, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.DisableStacktrace = true
		cfg.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}

package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nhalm/flagkit"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the feature flag HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServe(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("environment", "development", "log output format (development or production)")
	flags.Bool("watch", false, "reload the in-process snapshot when the flag file changes on disk")
	flags.Duration("backup-max-age", 7*24*time.Hour, "prune backups older than this while serving (0 disables)")
	flags.Int("rate-limit", flagkit.DefaultLimit.MaxRequests, "max requests per client per window on the flag endpoints")
	flags.Duration("rate-window", flagkit.DefaultLimit.Window, "rate limit window")
	flags.StringSlice("cors-origin", nil, "allowed CORS origin, repeatable (empty disables CORS)")
	flags.String("redis-url", "", "redis URL for shared rate limit state (empty keeps in-memory counters)")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database number")

	for _, name := range []string{
		"addr", "environment", "watch", "backup-max-age",
		"rate-limit", "rate-window", "cors-origin",
		"redis-url", "redis-password", "redis-db",
	} {
		bindFlag(cmd, name)
	}

	return cmd
}

func runServe(ctx context.Context) error {
	cfg := flagkit.DefaultConfig()
	cfg.Addr = viper.GetString("addr")
	cfg.FlagsPath = viper.GetString("flags-file")
	cfg.BackupMaxAge = viper.GetDuration("backup-max-age")
	cfg.CORSOrigins = viper.GetStringSlice("cors-origin")
	cfg.Endpoints = map[string]flagkit.Limit{
		"feature-flags": {
			MaxRequests: viper.GetInt("rate-limit"),
			Window:      viper.GetDuration("rate-window"),
		},
	}
	cfg.RedisURL = viper.GetString("redis-url")
	cfg.RedisPassword = viper.GetString("redis-password")
	cfg.RedisDB = viper.GetInt("redis-db")
	cfg.LogLevel = viper.GetString("log-level")
	cfg.Environment = viper.GetString("environment")
	cfg.WatchFlags = viper.GetBool("watch")

	var opts []flagkit.ServerOption
	if viper.GetBool("quiet") {
		opts = append(opts, flagkit.ServerWithLogger(zap.NewNop()))
	}

	srv, err := flagkit.NewServer(cfg, opts...)
	if err != nil {
		return err
	}

	// First boot creates the document with schema defaults so GET has
	// something to serve.
	if _, err := srv.Service().Init(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		done <- srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Start(); err != nil {
		return err
	}
	return <-done
}

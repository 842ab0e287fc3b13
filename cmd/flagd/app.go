package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nhalm/flagkit"
	"github.com/nhalm/flagkit/storage"
)

func submain(ctx context.Context) int {
	cmd := newRootCommand()
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flagd",
		Short:         "flagd manages a file-backed feature flag store and serves it over HTTP",
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.String("flags-file", "flags.json", "path to the flag document")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.BoolP("quiet", "q", false, "suppress diagnostic logging")

	viper.SetEnvPrefix("FLAGD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{"flags-file", "log-level", "quiet"} {
		bindFlag(cmd, name)
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newCleanupCommand())
	cmd.AddCommand(newBackupsCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindFlag(cmd *cobra.Command, name string) {
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(name)
	}
	if flag == nil {
		panic(fmt.Sprintf("flag %q not found", name))
	}
	if err := viper.BindPFlag(name, flag); err != nil {
		panic(err)
	}
}

// newCLIService builds a FlagService for the one-shot commands. The
// serve command constructs its own through NewServer instead.
func newCLIService() (*flagkit.FlagService, error) {
	logger, err := newCLILogger()
	if err != nil {
		return nil, err
	}
	st := storage.NewFileStore(viper.GetString("flags-file"))
	return flagkit.NewFlagService(st, flagkit.FlagServiceWithLogger(logger)), nil
}

func newCLILogger() (*zap.Logger, error) {
	if viper.GetBool("quiet") {
		return zap.NewNop(), nil
	}
	return flagkit.NewLogger("development", viper.GetString("log-level"))
}

// printFlags writes one name=value line per flag in schema order.
func printFlags(out io.Writer, flags *flagkit.Flags) {
	values := flags.Map()
	for _, key := range flagkit.FlagKeys() {
		fmt.Fprintf(out, "%s=%t\n", key, values[key])
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

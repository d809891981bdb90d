// Command markguided runs the registry broker for one host: it caches
// configuration blocks from every local daemon, answers configuration
// queries from clients, and participates in discovery on the registry
// port.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/KeckObservatory/mKTL/config"
	"github.com/KeckObservatory/mKTL/metric"
	"github.com/KeckObservatory/mKTL/registry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	cmd := &cobra.Command{
		Use:           "markguided",
		Short:         "Run the mKTL registry broker",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
	}

	if err := cmd.Execute(); err != nil {
		slog.Error("registry failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultAppConfig()

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	opts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithMetricRegistry(metric.NewRegistry()),
		registry.WithSweepInterval(cfg.SweepInterval()),
	}
	if cfg.Registry.Port > 0 {
		opts = append(opts, registry.WithPort(cfg.Registry.Port))
	}

	broker, err := registry.New(opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := broker.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	return broker.Stop(shutdownTimeout)
}

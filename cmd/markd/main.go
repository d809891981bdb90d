// Command markd runs one authoritative mKTL daemon: it loads the items
// descriptor for the given store and identifier, binds its request and
// publish sockets, answers discovery, and serves until terminated.
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
	"github.com/KeckObservatory/mKTL/daemon"
	"github.com/KeckObservatory/mKTL/metric"
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

	if err := newCommand().Execute(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		module        string
		subclass      string
		configuration string
		appconfig     string
	)

	cmd := &cobra.Command{
		Use:   "markd <store> <identifier>",
		Short: "Run an authoritative mKTL daemon",
		Long: "markd serves the items described by the descriptor registered under\n" +
			"<identifier> within <store>. A --configuration file supersedes any\n" +
			"cached descriptor; --subclass selects a compiled-in daemon factory.",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1], module, subclass, configuration, appconfig)
		},
	}

	cmd.Flags().StringVar(&module, "module", "", "module namespace for the daemon subclass")
	cmd.Flags().StringVar(&subclass, "subclass", "", "registered daemon factory (default: base caching store)")
	cmd.Flags().StringVar(&configuration, "configuration", "", "items descriptor file, superseding any cached copy")
	cmd.Flags().StringVar(&appconfig, "appconfig", "", "application configuration file (YAML)")

	return cmd
}

func run(storeName, identifier, module, subclass, configuration, appconfig string) error {
	cfg := config.DefaultAppConfig()

	if appconfig != "" {
		loaded, err := config.LoadAppConfig(appconfig)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	factoryName := subclass
	if module != "" && subclass != "" {
		factoryName = module + "." + subclass
	}

	factory, err := daemon.LookupFactory(factoryName)
	if err != nil {
		return err
	}

	opts := []daemon.Option{
		daemon.WithFactory(factory),
		daemon.WithLogger(logger),
		daemon.WithMetricRegistry(metric.NewRegistry()),
		daemon.WithSearchWindow(cfg.SearchWindow()),
	}
	if configuration != "" {
		opts = append(opts, daemon.WithDescriptorFile(configuration))
	}

	d, err := daemon.New(storeName, identifier, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	return d.Stop(shutdownTimeout)
}

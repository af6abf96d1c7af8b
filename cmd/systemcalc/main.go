// Command systemcalc runs the aggregator as a standalone process: it opens
// its in-process bus, wires every internal package through internal/engine,
// and serves until terminated (spec.md §6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dbus-systemcalc-go/internal/bootstrap"
	"dbus-systemcalc-go/internal/engine"
)

const version = "1.0.0"

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:     "systemcalc",
	Short:   "Aggregate per-device readings into a single system view",
	Long:    "systemcalc is the central aggregator for a distributed energy-management platform: it mirrors every connected device's published values, chooses the active battery source and the primary inverter/charger, and republishes one consolidated system view.",
	Version: version,

	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSystemcalc,
}

func init() {
	rootCmd.Flags().BoolVar(&debugFlag, "debug", false, "log at debug level with human-readable text output")
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "systemcalc:", err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}

func runSystemcalc(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debugFlag {
		cfg.Logging.Debug = true
	}

	log := newLogger(cfg.Logging)

	eng := engine.New(log, engine.Config{
		BusQueueLen: cfg.Bus.QueueLen,
		RelayPath:   cfg.Relay.Path,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:         cfg.Metrics.Addr,
			Handler:      promhttp.HandlerFor(eng.MetricsRegistry(), promhttp.HandlerOpts{}),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("systemcalc: serving metrics", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

func newLogger(cfg bootstrap.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Debug {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

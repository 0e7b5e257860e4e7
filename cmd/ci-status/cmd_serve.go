package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	apply bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Sweep periodically and expose metrics",
	Long: "Runs a sweep immediately and then every configured interval until interrupted.\n" +
		"When metrics_addr is set, Prometheus metrics are served on /metrics.",
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveFlags.apply, "import", false, "Apply the config inventory at startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveFlags.apply {
		if err := applyInventory(ctx, a); err != nil {
			return err
		}
	}

	runner, closeRunner, err := newRunner(a)
	if err != nil {
		return err
	}
	defer closeRunner()

	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.log.Info("metrics listening", "addr", a.cfg.MetricsAddr)
	}

	a.log.Info("serving", "interval", a.cfg.Interval, "parallel", a.cfg.Parallel)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := runner.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			a.log.Info("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

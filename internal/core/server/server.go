package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/geosql-mediator/internal/core/config"
	"github.com/mohammed-shakir/geosql-mediator/internal/core/health"
	middleware "github.com/mohammed-shakir/geosql-mediator/internal/core/middleware"
)

// Run starts the daemon's control-plane HTTP server: liveness, readiness
// and a Prometheus /metrics scrape point. It never serves query traffic --
// clients reach the mediator through the Postgres wire protocol, not HTTP.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, rr health.ReadinessReporter) error {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(rr))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

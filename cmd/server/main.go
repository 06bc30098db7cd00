package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"odmflush/internal/issue"
	issuehandler "odmflush/internal/issue/handler"
	"odmflush/internal/platform/config"
	"odmflush/internal/platform/httpserver"
	"odmflush/internal/platform/logger"
	httpmetrics "odmflush/internal/platform/metrics"
	"odmflush/internal/schema"
	httptransport "odmflush/internal/transport/http"
	"odmflush/internal/unitofwork"
	uowmetrics "odmflush/internal/unitofwork/metrics"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.close()

	if err := store.gateway.EnsureIndexes(ctx, issue.Schema().Indexes()...); err != nil {
		return fmt.Errorf("ensure issue indexes: %w", err)
	}

	sink, err := openEvents(ctx, cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer sink.close()

	checks := map[string]httptransport.HealthCheck{"store": store.health}
	if sink.health != nil {
		checks["events"] = sink.health
	}

	schemas := schema.NewRegistry(issue.Schema())
	flushMetrics := uowmetrics.New(reg)
	sessions := func() *unitofwork.Session {
		return unitofwork.New(store.gateway,
			unitofwork.WithSchemas(schemas),
			unitofwork.WithLogger(log),
			unitofwork.WithMetrics(flushMetrics),
			unitofwork.WithPublisher(sink.publisher),
			unitofwork.WithMaxConcurrentWrites(cfg.Flush.MaxConcurrentWrites),
			unitofwork.WithReloadOnReject(cfg.Flush.ReloadOnReject),
		)
	}
	svc := issue.NewService(sessions, issue.WithLogger(log))

	router := httptransport.NewRouter(httptransport.Config{
		Logger:         log,
		Metrics:        httpmetrics.New(reg),
		Gatherer:       reg,
		RequestTimeout: cfg.Server.RequestTimeout,
		Checks:         checks,
	}, issuehandler.New(svc, log))
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting odmflush", "addr", cfg.Server.Addr, "backend", cfg.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if sink.worker != nil {
		g.Go(func() error {
			if err := sink.worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}

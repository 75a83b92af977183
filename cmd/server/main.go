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

	"medguard/internal/access"
	accessmetrics "medguard/internal/access/metrics"
	"medguard/internal/breakglass"
	"medguard/internal/capture"
	"medguard/internal/directory"
	"medguard/internal/identity"
	"medguard/internal/platform/config"
	"medguard/internal/platform/httpserver"
	"medguard/internal/platform/logger"
	"medguard/internal/platform/metrics"
	"medguard/internal/records"
	"medguard/internal/reporting"
	httptransport "medguard/internal/transport/http"
	"medguard/pkg/fieldcrypt"
	"medguard/pkg/platform/audit"
	kafkasink "medguard/pkg/platform/audit/sink/kafka"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in the internal packages.
func main() {
	if err := run(); err != nil {
		slog.Error("medguard stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backing, err := openInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backing.close(log)

	reg := metrics.NewRegistry()
	app, err := buildApp(cfg, backing, reg, log)
	if err != nil {
		return err
	}

	srv := httpserver.New(cfg.Server.Addr, app.router)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting medguard",
			"addr", cfg.Server.Addr,
			"env", cfg.Environment,
			"postgres", backing.auditDB != nil,
			"redis", backing.redis != nil,
			"kafka", backing.kafka != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	// In-flight audit writes finish before the stores they write to close.
	_ = app.dispatcher.Close()
	return nil
}

type app struct {
	router     http.Handler
	dispatcher *audit.Dispatcher
}

func buildApp(cfg config.Config, in *infra, reg *prometheus.Registry, log *slog.Logger) (*app, error) {
	crypt, err := fieldcrypt.New(cfg.Crypto.MasterSecret,
		fieldcrypt.WithSalt(cfg.Crypto.Salt),
		fieldcrypt.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("init field encryption: %w", err)
	}

	auditMetrics := audit.NewMetricsWith(reg)
	trailOpts := []audit.Option{audit.WithLogger(log), audit.WithMetrics(auditMetrics)}
	if in.kafka != nil {
		trailOpts = append(trailOpts, audit.WithSink(kafkasink.New(in.kafka, cfg.Kafka.Topic,
			kafkasink.WithLogger(log),
			kafkasink.WithMetrics(auditMetrics),
		)))
	}
	trail := audit.NewTrail(in.auditStore, trailOpts...)
	dispatcher := audit.NewDispatcher(trail,
		audit.WithDispatchLogger(log),
		audit.WithDispatchMetrics(auditMetrics),
	)

	// Secondary ids go through the cache; documents and before-state are
	// always read from the catalog.
	var resolver directory.Resolver = in.catalog
	if in.redis != nil {
		resolver = directory.NewCached(in.catalog, in.redis,
			directory.WithCacheTTL(cfg.Redis.CacheTTL),
			directory.WithCacheLogger(log),
		)
	}

	policies, err := access.LoadPolicyFile(cfg.Access.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load access policies: %w", err)
	}
	accessSvc, err := access.New(resolver, trail,
		access.WithPolicies(policies),
		access.WithMetrics(accessmetrics.NewWith(reg)),
		access.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("init access engine: %w", err)
	}

	bgOpts := []breakglass.Option{
		breakglass.WithLogger(log),
		breakglass.WithMetrics(breakglass.NewMetricsWith(reg)),
	}
	if cfg.Access.BreakGlassFailClosed {
		bgOpts = append(bgOpts, breakglass.WithFailClosed())
	}
	protocol, err := breakglass.New(resolver, trail, bgOpts...)
	if err != nil {
		return nil, fmt.Errorf("init break-glass: %w", err)
	}

	recordSvc, err := records.New(in.catalog, crypt, records.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("init records: %w", err)
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Verifier:   identity.NewVerifier(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer, cfg.Auth.Audience),
		Policies:   policies,
		Access:     access.NewMiddleware(accessSvc, log),
		BreakGlass: protocol,
		Capture: capture.New(dispatcher,
			capture.WithStateReader(in.catalog),
			capture.WithResolver(resolver),
			capture.WithLogger(log),
			capture.WithMetrics(capture.NewMetricsWith(reg)),
		),
		Records:        records.NewHandler(recordSvc, log),
		Reporting:      reporting.New(trail, log),
		Metrics:        metrics.NewWith(reg),
		MetricsHandler: metrics.Handler(reg),
		Health:         in.health(),
		Logger:         log,
	})
	return &app{router: router, dispatcher: dispatcher}, nil
}

package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/logging"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/server"
	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger, err := logging.New(cfg.App.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("settled stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	startedAt := time.Now().UTC()
	clk := clock.RealClock{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	deps, err := wire(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	settleCfg := settlement.Config{
		Store:    deps.store,
		Ledger:   ledger.NewGuarded(deps.ledger, cfg.Ledger.Timeout, m, logger),
		Treasury: deps.treasury,
		Audit:    deps.audit,
		Clock:    clk,
		Logger:   logger,
		Observer: m,
	}
	if deps.notifier != nil {
		settleCfg.Notifier = deps.notifier
	}
	if len(deps.events) > 0 {
		settleCfg.Events = deps.events
	}
	engine, err := settlement.NewEngine(settleCfg)
	if err != nil {
		return err
	}
	transfers, err := settlement.NewTransferService(settleCfg)
	if err != nil {
		return err
	}
	reconciler := settlement.NewReconciler(engine, settlement.ReconcilerConfig{
		Grace:       cfg.Reconcile.Grace,
		ReviewAfter: cfg.Reconcile.ReviewAfter,
		Batch:       cfg.Reconcile.Batch,
	})
	reconciler.Start(ctx, cfg.Reconcile.Interval)
	if deps.db != nil {
		go refreshGauges(ctx, m, deps, cfg.Reconcile.Interval)
	}

	keyset, err := auth.ResolveKeyset(cfg.JWT.Secret, cfg.JWT.Keyset, cfg.JWT.ActiveKID, cfg.JWT.KeysetFile)
	if err != nil {
		return err
	}
	verifier := auth.NewJWTVerifierWithKeyset(keyset)
	tlsCfg, err := server.BuildTLSConfig(cfg.TLS)
	if err != nil {
		return err
	}
	guard, err := server.NewRemoteAccessGuard(clk, deps.audit, logger, cfg.App.TrustedCIDRs)
	if err != nil {
		return err
	}

	api := server.NewAPI(engine, transfers, cfg.EVM.MinorUnitDecimals, logger)
	handler, err := server.NewHTTPHandler(server.HTTPOptions{
		Service:  api,
		Verifier: verifier,
		Guard:    guard,
		System: server.SystemHandler{
			Version:   cfg.App.Version,
			StartedAt: startedAt,
			Clock:     clk,
			Ready:     deps.Ready,
		},
		Gatherer: reg,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	grpcServer, health := server.NewGRPCServer(api, verifier, tlsCfg, logger)

	grpcListener, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr), zap.Bool("tls", tlsCfg != nil))
		errc <- grpcServer.Serve(grpcListener)
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr), zap.Bool("tls", tlsCfg != nil))
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	logger.Info("settled stopped")
	return serveErr
}

func refreshGauges(ctx context.Context, m *metrics.Metrics, deps *dependencies, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.RefreshPayoutCounts(ctx, deps.db)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

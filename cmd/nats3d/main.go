package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nats3/internal/api"
	"nats3/internal/bus"
	"nats3/internal/catalog"
	"nats3/internal/catalog/postgres"
	"nats3/internal/config"
	"nats3/internal/metrics"
	"nats3/internal/objstore"
	"nats3/internal/reconciler"
	"nats3/internal/supervisor"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfgPath := flag.String("config", "/etc/nats3/config.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("nats3d exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := openCatalog(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cat.Close()

	store, err := objstore.New(objstore.Config{
		Endpoint:  cfg.S3.Endpoint,
		Region:    cfg.S3.Region,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		UseSSL:    cfg.S3.UseSSL,
		Retry: objstore.RetryConfig{
			MaxAttempts: cfg.S3.Retry.MaxAttempts,
			BaseDelay:   cfg.S3.Retry.BaseDelay,
			MaxDelay:    cfg.S3.Retry.MaxDelay,
		},
	}, log)
	if err != nil {
		return err
	}

	busClient, err := bus.Connect(cfg.Bus.URL, log)
	if err != nil {
		return err
	}
	defer busClient.Close()

	met := metrics.New()
	sup := supervisor.New(cat, supervisor.NATSBus{Client: busClient}, store, met, log, supervisor.Config{
		HealthInterval: cfg.Reconciler.Interval,
	})
	if err := sup.Start(ctx); err != nil {
		return err
	}

	// Store jobs declared in the config start (idempotently) at boot.
	for _, spec := range cfg.StoreJobs {
		job, err := sup.CreateStoreJob(ctx, spec.Job(), true)
		if err != nil {
			log.Warn("declared store job failed to start", zap.String("name", spec.Name), zap.Error(err))
			continue
		}
		log.Info("declared store job running", zap.String("name", job.Name), zap.String("job_id", job.ID.String()))
	}

	gc := reconciler.New(cat, store, cfg.Reconciler.Interval, cfg.Reconciler.SafetyWindow, log)
	go gc.Run(ctx)

	server := api.New(cfg.HTTP.Listen, sup, cat, met, log)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn("supervisor shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}

func openCatalog(ctx context.Context, cfg config.Config, log *zap.Logger) (catalog.Catalog, error) {
	if cfg.DB.URL == "" {
		log.Warn("db.url unset, using in-memory catalog: state will not survive restart")
		return catalog.NewInMem(), nil
	}
	store, err := postgres.New(ctx, cfg.DB.URL, log)
	if err != nil {
		return nil, err
	}
	if cfg.DB.Migrate {
		if err := store.Migrate(); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

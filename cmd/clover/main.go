package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/tracing/exporters"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("clover stopped with an error")
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (ectologger.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return zapadapter.NewZapEctoLogger(zapLogger.With(zap.String("service", cfg.AppName)), nil), nil
}

func run(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, tracing.ProviderConfig{
		ServiceName: cfg.AppName,
		Enabled:     cfg.OTLPEnabled,
		OTLP: exporters.OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Protocol: cfg.OTLPProtocol,
			Insecure: cfg.OTLPInsecure,
		},
	})
	if err != nil {
		return err
	}

	a := &app{cfg: cfg, logger: logger}
	s := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	a.register(s)

	if err = s.Start(ctx); err == nil {
		a.health.SetReady(true)
		logger.Infof("%s %s started on port %d", cfg.AppName, version, cfg.Port)

		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case err = <-a.serverErr:
			logger.WithError(err).Error("http server failed")
		}
		a.health.SetReady(false)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if stopErr := s.Stop(stopCtx); stopErr != nil {
		logger.WithError(stopErr).Warn("failed to stop cleanly")
	}
	if tracingErr := shutdownTracing(stopCtx); tracingErr != nil {
		logger.WithError(tracingErr).Warn("failed to flush traces")
	}
	return err
}

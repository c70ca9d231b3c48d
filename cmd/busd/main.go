package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pincex/eventbus/internal/bus"
	"github.com/pincex/eventbus/internal/config"
	"github.com/pincex/eventbus/internal/submgr"
	"github.com/pincex/eventbus/internal/submgr/memsubmgr"
	"github.com/pincex/eventbus/internal/submgr/redissubmgr"
	transportws "github.com/pincex/eventbus/internal/transport/ws"
)

// newZapLogger builds the daemon's JSON logger, tagging every line with
// the busd service name so multiplexed log aggregation can tell it apart
// from the other daemons sharing a host.
func newZapLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(os.Stdout), zapLevel)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).With(zap.String("service", "busd")), nil
}

func main() {
	zapLogger, err := newZapLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	cfgManager := config.NewManager(os.Getenv("BUSD_CONFIG"), zapLogger)
	cfg, err := cfgManager.Load()
	if err != nil {
		zapLogger.Fatal("failed to load configuration", zap.Error(err))
	}

	manager, closeManager := buildSubscriptionManager(cfg, zapLogger)
	defer closeManager()

	eventBus := bus.New(manager, zapLogger, bus.WithUpstreamTimeout(cfg.UpstreamCallTimeout))

	gateway := transportws.NewGateway(eventBus, zapLogger)
	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		zapLogger.Info("busd listening", zap.String("addr", cfg.ListenAddr), zap.String("subscription_manager", string(cfg.SubscriptionManager)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	zapLogger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		zapLogger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildSubscriptionManager(cfg *config.Config, zapLogger *zap.Logger) (submgr.Manager, func()) {
	switch cfg.SubscriptionManager {
	case config.BackendRedis:
		m := redissubmgr.New(cfg.RedisAddr, zapLogger)
		return m, func() { _ = m.Close() }
	default:
		m := memsubmgr.New()
		return m, func() {}
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/user/llm-gateway-go/internal/api"
	"github.com/user/llm-gateway-go/internal/api/middleware"
	"github.com/user/llm-gateway-go/internal/breaker"
	"github.com/user/llm-gateway-go/internal/cache"
	"github.com/user/llm-gateway-go/internal/client"
	"github.com/user/llm-gateway-go/internal/config"
	"github.com/user/llm-gateway-go/internal/database"
	"github.com/user/llm-gateway-go/internal/metrics"
	"github.com/user/llm-gateway-go/internal/registry"
	"github.com/user/llm-gateway-go/internal/retry"
	"github.com/user/llm-gateway-go/internal/router"
	"github.com/user/llm-gateway-go/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Println(version.Info())
			os.Exit(0)
		case "--init":
			if err := runInit(); err != nil {
				log.Fatalf("init: %v", err)
			}
			os.Exit(0)
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		}
	}
	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func printUsage() {
	fmt.Printf("LLM Gateway - %s\n\n", version.Short())
	fmt.Println("Usage: gateway [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --init         Generate gateway.yaml.example and .env.example templates")
	fmt.Println("  --version, -v  Show version information")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("Without options, starts the gateway server.")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Use environment variables, gateway.yaml, or both (env wins).")
	fmt.Println("  Run 'gateway --init' to generate configuration templates.")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logDir := getLogDir()
	logger, err := newLogger(cfg.Server.LogLevel, logDir, cfg.LogRotation)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting llm-gateway",
		zap.String("version", version.Short()),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("upstreams", len(cfg.Upstreams)),
	)

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	metricsSink := metrics.New()

	store := breaker.NewSQLiteKVStore(db)
	brk := breaker.New(store, logger,
		cfg.Breaker.FailureThreshold,
		time.Duration(cfg.Breaker.RecoveryWindowS)*time.Second,
		metricsSink.BreakerBackendUnavailable,
	).WithMetrics(metricsSink)

	resolver := cfg.RetryResolver()
	selector := retry.NewSelector(resolver, cfg.Retry.DefaultStrategy)
	for _, u := range cfg.Upstreams {
		if u.Strategy != "" {
			selector.SetStrategy(u.Name, u.Strategy)
		}
	}

	reg, err := registry.New(cfg.UpstreamConfigs(), logger)
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	reg.Start(ctx)
	defer reg.Shutdown()

	respCache := cache.New(time.Duration(cfg.Cache.TTLSeconds)*time.Second, cfg.Cache.MaxSize)
	httpClient := client.New()
	defer httpClient.CloseIdleConnections()

	rt := router.New(reg, brk, selector, respCache, httpClient, metricsSink, logger)

	server := api.NewServer(api.ServerDeps{
		Router:     rt,
		Metrics:    metricsSink,
		Logger:     logger,
		AuthHeader: cfg.Server.AuthHeader,
		APIKeys:    cfg.Server.APIKeys,
		RateLimit: &middleware.RateLimitConfig{
			Enabled:       cfg.RateLimit.Enabled,
			MaxRequests:   cfg.RateLimit.MaxRequests,
			WindowSeconds: cfg.RateLimit.WindowSeconds,
			ExemptPaths:   []string{"/health", "/metrics"},
		},
		RequestTTL: time.Duration(cfg.Server.WriteTimeoutS) * time.Second,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutS) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutS) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutS) * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutS)*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func newLogger(level string, logDir string, rotation config.LogRotationConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug", "DEBUG":
		zapLevel = zap.DebugLevel
	case "warn", "WARN":
		zapLevel = zap.WarnLevel
	case "error", "ERROR":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "gateway.log"),
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderCfg),
		zapcore.AddSync(lj),
		zapLevel,
	)

	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	stdoutCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l < zapcore.WarnLevel
		}),
	)
	stderrCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l >= zapcore.WarnLevel
		}),
	)

	core := zapcore.NewTee(fileCore, stdoutCore, stderrCore)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	), nil
}

func getLogDir() string {
	if dir := os.Getenv("LLM_GATEWAY_LOGS_DIR"); dir != "" {
		return dir
	}
	return "logs"
}

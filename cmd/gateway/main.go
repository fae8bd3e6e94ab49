package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nexa-labs/assistant-gateway/internal/api/rpc"
	gws "github.com/nexa-labs/assistant-gateway/internal/api/websocket"
	"github.com/nexa-labs/assistant-gateway/internal/domain/principal"
	"github.com/nexa-labs/assistant-gateway/internal/infrastructure/auth"
	"github.com/nexa-labs/assistant-gateway/internal/infrastructure/cache"
	"github.com/nexa-labs/assistant-gateway/internal/infrastructure/config"
	"github.com/nexa-labs/assistant-gateway/internal/infrastructure/repository"
	"github.com/nexa-labs/assistant-gateway/internal/infrastructure/telemetry"
	"github.com/nexa-labs/assistant-gateway/internal/service/audit"
	"github.com/nexa-labs/assistant-gateway/internal/service/authn"
	"github.com/nexa-labs/assistant-gateway/internal/service/confirm"
	"github.com/nexa-labs/assistant-gateway/internal/service/quota"
	"github.com/nexa-labs/assistant-gateway/internal/service/risk"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing. Metrics are exposed on /metrics separately.
	tracing, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    "assistant-gateway",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  cfg.Telemetry.ExportTimeout,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	// Backing stores.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("invalid postgres url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
	poolCfg.MaxConnLifetime = cfg.Postgres.ConnMaxLifetime
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("postgres pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres unreachable: %w", err)
	}

	// Token codec and resolver.
	codec := auth.NewCodec(
		auth.Scheme{
			Secret:        []byte(cfg.Auth.User.Secret),
			Issuer:        cfg.Auth.User.Issuer,
			TokenType:     principal.TokenTypeUser,
			TokenExpiry:   cfg.Auth.User.TokenExpiry,
			RefreshExpiry: cfg.Auth.User.RefreshExpiry,
		},
		auth.Scheme{
			Secret:        []byte(cfg.Auth.Admin.Secret),
			Issuer:        cfg.Auth.Admin.Issuer,
			TokenType:     principal.TokenTypeAdmin,
			TokenExpiry:   cfg.Auth.Admin.TokenExpiry,
			RefreshExpiry: cfg.Auth.Admin.RefreshExpiry,
		},
	)
	resolver := authn.NewResolver(codec, cfg.Auth.AllowLegacyUserID)

	// Authentication service.
	sessions := cache.NewRedisSessionStore(redisClient)
	authSvc := authn.NewService(authn.ServiceParams{
		Codec:              codec,
		Users:              repository.NewUserRepository(pool),
		Admins:             repository.NewAdminRepository(pool),
		Sessions:           sessions,
		Attempts:           cache.NewRedisLoginLimiter(redisClient, cfg.Auth.LoginAttemptLimit, cfg.Auth.LoginAttemptWindow, logger),
		Logger:             logger,
		UserTokenExpiry:    cfg.Auth.User.TokenExpiry,
		UserRefreshExpiry:  cfg.Auth.User.RefreshExpiry,
		AdminTokenExpiry:   cfg.Auth.Admin.TokenExpiry,
		AdminRefreshExpiry: cfg.Auth.Admin.RefreshExpiry,
	})

	// Quota guard.
	limits := make(map[quota.Type]int64, len(cfg.Quota.Limits))
	for name, limit := range cfg.Quota.Limits {
		limits[quota.Type(name)] = limit
	}
	guard := quota.NewGuard(
		cache.NewRedisQuotaStore(redisClient, limits, cfg.Quota.Period, logger),
		logger,
	)

	// Risk pipeline.
	evaluator := risk.NewEvaluator(risk.Config{
		AlertThreshold:       cfg.Risk.AlertThreshold,
		BatchSizeThreshold:   cfg.Risk.BatchSizeThreshold,
		SuspiciousIPPrefixes: cfg.Risk.SuspiciousIPs,
	}, logger)
	dispatcher := risk.NewDispatcher(logger)
	auditor := audit.NewLogger(evaluator, dispatcher, logger)

	// Connection registry and confirmation broker.
	registry := gws.NewRegistry(logger)
	broker := confirm.NewBroker(registry, cfg.Confirm.DefaultTimeout, logger)
	defer broker.Shutdown()

	// Alert sinks: a structured log line and a push to connected admins.
	dispatcher.Register("log", func(ctx context.Context, alert risk.Alert) error {
		logger.Warn("risk alert",
			zap.String("level", string(alert.Level)),
			zap.Int("score", alert.Score),
			zap.String("category", alert.Category),
			zap.String("action", alert.Action),
			zap.String("user_id", alert.UserID),
			zap.String("reason", alert.Reason))
		return nil
	})
	dispatcher.Register("admin-push", func(ctx context.Context, alert risk.Alert) error {
		registry.BroadcastWhere("risk.alert", alert, func(rec gws.ConnectionRecord) bool {
			_, ok := rec.Auth.AdminID()
			return ok
		})
		return nil
	})

	// RPC surface over both transports.
	router := rpc.NewRouter(resolver, guard, auditor, logger)
	rpc.NewHandlers(authSvc, guard, broker, logger).Mount(router)
	wsHandler := gws.NewHandler(registry, router, resolver, logger)

	server := rpc.NewServer(rpc.ServerConfig{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
	}, router, wsHandler, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("gateway started",
		zap.Int("port", cfg.Server.Port),
		zap.String("environment", cfg.Environment),
		zap.String("version", cfg.Version))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Environment == "production" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

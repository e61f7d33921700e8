package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/config"
	"github.com/amerfu/tokengate/internal/database"
	"github.com/amerfu/tokengate/internal/logger"
	"github.com/amerfu/tokengate/internal/router"
	"github.com/amerfu/tokengate/internal/services/ledger"
	"github.com/amerfu/tokengate/internal/services/upstream"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Upstream.APIKey == "" {
		log.Fatal("upstream.api_key is required, set UPSTREAM_API_KEY")
	}

	// The database holds teams and their quotas. Without it there is
	// nothing to meter, so failure here is fatal.
	if err := database.Initialize(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}); err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer database.Close()

	// Redis is optional. Without it rate limits fall back to in-process
	// counters, enforced per replica.
	redisClient := connectRedis(cfg, log)

	appCtx, stopServices := context.WithCancel(context.Background())
	defer stopServices()

	led := ledger.New(&ledger.Config{
		Store:          ledger.NewGormStore(database.GetDB()),
		Logger:         log,
		ReservationTTL: cfg.Proxy.ReservationTTL,
	})
	led.Start(appCtx)

	upstreamClient := upstream.NewClient(&cfg.Upstream, log)

	handler := router.NewRouter(cfg, log, database.GetDB(), redisClient, led, upstreamClient)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Starting tokengate",
			zap.Int("port", cfg.Server.Port),
			zap.String("upstream", cfg.Upstream.BaseURL),
			zap.Strings("models", cfg.Proxy.AllowedModels),
			zap.Bool("redis", redisClient != nil))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// In-flight requests have drained, so the reservation janitor can go.
	stopServices()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Error("Failed to close Redis client", zap.Error(err))
		}
	}

	log.Info("Server stopped")
}

func connectRedis(cfg *config.Config, log *zap.Logger) *redis.Client {
	if cfg.Redis.URL == "" {
		return nil
	}

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Warn("Invalid Redis URL, continuing without Redis", zap.Error(err))
		return nil
	}
	if cfg.Redis.Password != "" {
		opt.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opt.DB = cfg.Redis.DB
	}
	if cfg.Redis.PoolSize > 0 {
		opt.PoolSize = cfg.Redis.PoolSize
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("Redis unreachable, continuing without it", zap.Error(err))
		_ = client.Close()
		return nil
	}

	log.Info("Connected to Redis", zap.String("url", cfg.Redis.URL))
	return client
}

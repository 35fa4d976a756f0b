package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"

	"github.com/ceofreddy254-dot/Stk-push/internal/config"
	"github.com/ceofreddy254-dot/Stk-push/internal/handler"
	"github.com/ceofreddy254-dot/Stk-push/internal/lifecycle"
	"github.com/ceofreddy254-dot/Stk-push/internal/store"
	"github.com/ceofreddy254-dot/Stk-push/pkg/cache"
	"github.com/ceofreddy254-dot/Stk-push/pkg/database"
	"github.com/ceofreddy254-dot/Stk-push/pkg/events"
	"github.com/ceofreddy254-dot/Stk-push/pkg/logger"
	"github.com/ceofreddy254-dot/Stk-push/pkg/metrics"
	"github.com/ceofreddy254-dot/Stk-push/pkg/middleware"
	"github.com/ceofreddy254-dot/Stk-push/pkg/mpesa"
	"github.com/ceofreddy254-dot/Stk-push/pkg/response"
	"github.com/ceofreddy254-dot/Stk-push/pkg/sms"
	"github.com/ceofreddy254-dot/Stk-push/pkg/telemetry"
)

const serviceName = "stkpush"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(serviceName, cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		provider, err := telemetry.Init(ctx, &telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			CollectorURL: cfg.Telemetry.CollectorURL,
			Enabled:      true,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize telemetry")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	st, flush := buildStore(ctx, cfg)
	defer flush()

	gateway := buildGateway(cfg)

	lcCfg := lifecycle.DefaultConfig()
	if cfg.Lifecycle.PollAttempts > 0 {
		lcCfg.PollAttempts = cfg.Lifecycle.PollAttempts
	}
	if cfg.Lifecycle.PollInterval > 0 {
		lcCfg.PollInterval = cfg.Lifecycle.PollInterval
	}
	if cfg.Lifecycle.MinAmount > 0 {
		lcCfg.MinAmount = cfg.Lifecycle.MinAmount
	}
	if cfg.Lifecycle.MaxAmount > 0 {
		lcCfg.MaxAmount = cfg.Lifecycle.MaxAmount
	}
	if cfg.Lifecycle.CreditPolicy == string(lifecycle.CreditOnInitiate) {
		logger.Warn().Msg("Credit-on-initiate policy enabled, balances are credited before gateway confirmation")
		lcCfg.CreditPolicy = lifecycle.CreditOnInitiate
	}
	if cfg.Lifecycle.ReceiptTTL > 0 {
		lcCfg.ReceiptTTL = cfg.Lifecycle.ReceiptTTL
	}

	ctrl := lifecycle.New(st, gateway, lcCfg)

	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(ctx, &cache.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisCache.Close()
		ctrl.WithCache(redisCache)
	}

	if cfg.Kafka.Enabled {
		publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers)
		defer publisher.Close()
		ctrl.WithPublisher(publisher)
	}

	if cfg.SMS.Enabled {
		ctrl.WithSMS(sms.NewClient(&sms.Config{
			APIKey:   cfg.SMS.APIKey,
			Username: cfg.SMS.Username,
			Sender:   cfg.SMS.SenderID,
		}))
	}

	app := fiber.New(fiber.Config{
		AppName:      "stkpush",
		ErrorHandler: response.ErrorHandler,
		// Longer than the worst-case polling loop (24 * 5s) so initiation
		// requests are not cut off mid-poll.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 150 * time.Second,
	})

	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.Logger())
	app.Use(metrics.Middleware(metrics.Config{
		ServiceName: serviceName,
		SkipPaths:   []string{"/health", "/metrics"},
	}))
	app.Use(middleware.RateLimiter(middleware.RateLimitConfig{
		Max:      100,
		Duration: time.Minute,
	}))

	app.Get("/metrics", metrics.Handler())
	handler.New(ctrl, st).RegisterRoutes(app)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		logger.Info().Str("addr", addr).Msg("Starting STK push service")
		if err := app.Listen(addr); err != nil {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
}

// buildStore picks the ledger backend. The returned flush runs at shutdown;
// it is a no-op for Postgres, which is durable on its own.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func()) {
	if cfg.Store.Backend == "postgres" {
		pool, err := database.NewPool(ctx, &database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to ensure database schema")
		}

		logger.Info().Msg("Using Postgres ledger store")
		return pg, pool.Close
	}

	snapshot, err := store.LoadSnapshot(cfg.Store.SnapshotPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Store.SnapshotPath).Msg("Failed to load ledger snapshot")
	}

	mem := store.NewMemoryStoreFromSnapshot(snapshot, store.NewFileSnapshotter(cfg.Store.SnapshotPath))
	mem.StartAutoFlush(ctx, cfg.Store.FlushInterval)

	logger.Info().Str("path", cfg.Store.SnapshotPath).Msg("Using in-memory ledger store with file snapshots")
	return mem, func() {
		if err := mem.Flush(); err != nil {
			logger.Error().Err(err).Msg("Final snapshot flush failed")
		}
	}
}

func buildGateway(cfg *config.Config) lifecycle.Gateway {
	if cfg.Mpesa.UseMock || cfg.Mpesa.ConsumerKey == "" {
		logger.Warn().Msg("Using mock payment gateway, no real STK pushes will be sent")
		return mpesa.NewMockClient()
	}

	return mpesa.NewClient(&mpesa.Config{
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		PassKey:        cfg.Mpesa.Passkey,
		ShortCode:      cfg.Mpesa.ShortCode,
		CallbackURL:    cfg.Mpesa.CallbackURL,
		Sandbox:        cfg.Mpesa.BaseURL == "https://sandbox.safaricom.co.ke",
	})
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signalbot/internal/api"
	"signalbot/internal/bot"
	"signalbot/internal/config"
	"signalbot/internal/exchange"
	"signalbot/internal/repository"
	"signalbot/internal/service"
	"signalbot/internal/websocket"
	"signalbot/pkg/circuitbreaker"
	"signalbot/pkg/crypto"
	"signalbot/pkg/ratelimit"
	"signalbot/pkg/utils"
)

func main() {
	hashPassword := flag.String("hash-password", "", "print bcrypt hash for OPS_PASSWORD_HASH and exit")
	encryptSecret := flag.String("encrypt-secret", "", "encrypt a webhook secret or API key with ENCRYPTION_KEY and exit")
	flag.Parse()

	// Служебные режимы не требуют полной конфигурации
	if *hashPassword != "" {
		hash, err := crypto.HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}
	if *encryptSecret != "" {
		if err := printEncrypted(*encryptSecret); err != nil {
			log.Fatalf("Failed to encrypt secret: %v", err)
		}
		return
	}

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer appLogger.Sync()
	logger := appLogger.Logger

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server exited")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	vault, err := crypto.NewVault([]byte(cfg.Security.EncryptionKey))
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	limiter, rateWindows, closeRedis := initLimiter(cfg, logger)
	defer closeRedis()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		IsFailure:        exchange.IsServiceFailure,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			bot.RecordBreakerState(name, int(to))
		},
	}, logger)

	factory := exchange.NewNetworkFactory(exchange.FactoryConfig{
		MainnetURL: cfg.Exchange.MainnetURL,
		TestnetURL: cfg.Exchange.TestnetURL,
		RPS:        cfg.Exchange.RPS,
		HTTP:       exchange.HTTPClientConfig{TotalTimeout: cfg.Exchange.Timeout},
	})
	defer factory.Close()

	// Инициализация репозиториев
	userRepo := repository.NewUserRepository(db)
	positionRepo := repository.NewPositionRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	// Инициализация сервисов
	telegram := service.NewTelegramNotifier(cfg.Notifier.TelegramAPIURL, cfg.Notifier.Timeout)
	credentials := service.NewCredentialManager(vault, logger)
	notifications := service.NewNotificationService(notificationRepo, telegram, logger)
	risk := service.NewRiskManager(positionRepo, service.RiskLimits{
		MaxOpenPositions: cfg.Risk.MaxOpenPositions,
		MaxNotional:      cfg.Risk.MaxNotional,
	})
	authenticator := service.NewWebhookAuthenticator(userRepo, vault, limiter, logger)

	var alertSink bot.AlertSink
	if admin := service.NewAdminAlerter(telegram, cfg.Notifier.AdminToken, cfg.Notifier.AdminChatID); admin.Enabled() {
		alertSink = admin
	} else {
		logger.Warn("admin alert channel not configured, alerts go to log and stream only")
	}
	monitoring := bot.NewMonitoringManager(bot.MonitoringConfig{
		Interval: cfg.Monitor.Interval,
		Cooldown: cfg.Monitor.AlertCooldown,
	}, breakers, alertSink, logger)

	trades := service.NewTradeOrchestrator(service.TradeDeps{
		Credentials:   credentials,
		Risk:          risk,
		Factory:       factory,
		Breakers:      breakers,
		Positions:     positionRepo,
		Notifications: notifications,
		Alerts:        monitoring,
		Metrics:       bot.MetricsCollector{},
		Logger:        logger,
	})

	// WebSocket hub для ops-дашборда
	hub := websocket.NewHub(cfg.Server.AllowedOrigins, logger)
	notifications.SetWebSocketHub(hub)
	monitoring.SetEventBroadcaster(hub)

	batchCfg := bot.BatchConfig{
		Concurrency:        cfg.Batch.Concurrency,
		ItemTimeout:        cfg.Batch.ItemTimeout,
		MaxRetries:         cfg.Batch.MaxRetries,
		BaseDelay:          cfg.Batch.BaseDelay,
		BreakerRatio:       cfg.Batch.BreakerRatio,
		BreakerMinRequests: cfg.Batch.BreakerMinRequest,
		BreakerRecovery:    cfg.Batch.BreakerRecovery,
		Adaptive:           true,
		AdaptiveMin:        cfg.Batch.AdaptiveMin,
		AdaptiveMax:        cfg.Batch.AdaptiveMax,
		AdaptiveInitial:    cfg.Batch.AdaptiveInitial,
	}

	closer := bot.NewPositionClosureOrchestrator(bot.ClosureDeps{
		Positions:     positionRepo,
		Users:         userRepo,
		Credentials:   credentials,
		Factory:       factory,
		Breakers:      breakers,
		Notifications: notifications,
		Hub:           hub,
		Alerts:        monitoring,
		Batch:         batchCfg,
		Logger:        logger,
	})

	worker := bot.NewPositionMonitorWorker(bot.WorkerConfig{
		Interval:              cfg.Monitor.Interval,
		HealthInterval:        cfg.Monitor.HealthInterval,
		MaxConsecutiveErrors:  cfg.Monitor.MaxConsecutiveErrors,
		UserConcurrency:       cfg.Monitor.UserConcurrency,
		OrphanPendingAge:      cfg.Monitor.OrphanPendingAge,
		NotificationRetention: cfg.Monitor.NotificationRetention,
	}, bot.WorkerDeps{
		Positions:   positionRepo,
		Users:       userRepo,
		Credentials: credentials,
		Factory:     factory,
		Breakers:    breakers,
		States: bot.NewPositionStateManager(bot.Policy{
			TimeLimit:          cfg.Policy.TimeLimit,
			EmergencyThreshold: cfg.Policy.EmergencyThreshold,
		}),
		Closer:        closer,
		Batch:         bot.NewBatchProcessor("monitor", batchCfg, logger),
		Monitoring:    monitoring,
		Notifications: notifications,
		RateWindows:   rateWindows,
		Logger:        logger,
	})

	// Настройка HTTP роутера
	router := api.SetupRoutes(&api.Dependencies{
		Authenticator:   authenticator,
		Trades:          trades,
		Notifications:   notifications,
		Health:          monitoring,
		Breakers:        breakers,
		Closer:          closer,
		Stream:          http.HandlerFunc(hub.ServeWS),
		MaxWebhookBody:  cfg.Webhook.MaxBodyBytes,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		OpsAuthEnabled:  cfg.Security.OpsAuthEnabled,
		OpsUsername:     cfg.Security.OpsUsername,
		OpsPasswordHash: cfg.Security.OpsPasswordHash,
		Logger:          logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return worker.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		worker.Stop()
		err := server.Shutdown(shutdownCtx)
		hub.Stop()
		if err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// initLimiter - локальный детектор либо Redis с откатом на локальный.
// Локальный детектор возвращается отдельно: его окна чистит health loop воркера
func initLimiter(cfg *config.Config, logger *zap.Logger) (ratelimit.Limiter, *ratelimit.Detector, func()) {
	window := ratelimit.WindowConfig{
		Window:      cfg.Webhook.RateWindow,
		MaxRequests: cfg.Webhook.RateLimit,
		BaseBackoff: cfg.Webhook.BaseBackoff,
		MaxBackoff:  cfg.Webhook.MaxBackoff,
	}
	local := ratelimit.NewDetector(window)
	if !cfg.Redis.Enabled {
		return local, local, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logger.Info("webhook rate limit backed by redis", zap.String("addr", cfg.Redis.Addr))

	limiter := ratelimit.NewFailoverLimiter(ratelimit.NewRedisDetector(rdb, window), local, func(err error) {
		logger.Warn("redis rate limiter unavailable, using local window", zap.Error(err))
	})
	return limiter, local, func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}
}

// printEncrypted шифрует значение для колонок users.encrypted_*
func printEncrypted(plaintext string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	vault, err := crypto.NewVault([]byte(os.Getenv("ENCRYPTION_KEY")))
	if err != nil {
		return err
	}
	ciphertext, err := vault.Encrypt([]byte(plaintext))
	if err != nil {
		return err
	}
	fmt.Println(ciphertext)
	return nil
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

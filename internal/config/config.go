package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Security SecurityConfig `toml:"security"`
	Exchange ExchangeConfig `toml:"exchange"`
	Notifier NotifierConfig `toml:"notifier"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Redis    RedisConfig    `toml:"redis"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Batch    BatchConfig    `toml:"batch"`
	Breaker  BreakerConfig  `toml:"breaker"`
	Policy   PolicyConfig   `toml:"policy"`
	Risk     RiskConfig     `toml:"risk"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int           `toml:"port"`
	Host            string        `toml:"host"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	AllowedOrigins  []string      `toml:"allowed_origins"`
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Host            string        `toml:"host"`
	Port            int           `toml:"port"`
	Name            string        `toml:"name"`
	User            string        `toml:"user"`
	Password        string        `toml:"password"`
	SSLMode         string        `toml:"ssl_mode"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

// SecurityConfig - ключ шифрования и доступ к ops API
type SecurityConfig struct {
	EncryptionKey   string `toml:"encryption_key"`
	OpsAuthEnabled  bool   `toml:"ops_auth_enabled"`
	OpsUsername     string `toml:"ops_username"`
	OpsPasswordHash string `toml:"ops_password_hash"` // bcrypt
}

// ExchangeConfig - endpoints REST API биржи по сетям
type ExchangeConfig struct {
	MainnetURL string        `toml:"mainnet_url"`
	TestnetURL string        `toml:"testnet_url"`
	Timeout    time.Duration `toml:"timeout"`
	RPS        float64       `toml:"rps"`
}

// NotifierConfig - Telegram Bot API и админский канал для алертов
type NotifierConfig struct {
	TelegramAPIURL string        `toml:"telegram_api_url"`
	AdminToken     string        `toml:"admin_token"`
	AdminChatID    string        `toml:"admin_chat_id"`
	Timeout        time.Duration `toml:"timeout"`
}

// WebhookConfig - лимиты входящих сигналов
type WebhookConfig struct {
	RateWindow   time.Duration `toml:"rate_window"`
	RateLimit    int           `toml:"rate_limit"`
	BaseBackoff  time.Duration `toml:"base_backoff"`
	MaxBackoff   time.Duration `toml:"max_backoff"`
	MaxBodyBytes int64         `toml:"max_body_bytes"`
}

// RedisConfig - общий бэкенд rate limit (опционально)
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// MonitorConfig - воркер мониторинга позиций
type MonitorConfig struct {
	Interval              time.Duration `toml:"interval"`
	HealthInterval        time.Duration `toml:"health_interval"`
	MaxConsecutiveErrors  int           `toml:"max_consecutive_errors"`
	UserConcurrency       int           `toml:"user_concurrency"`
	OrphanPendingAge      time.Duration `toml:"orphan_pending_age"`
	NotificationRetention time.Duration `toml:"notification_retention"`
	AlertCooldown         time.Duration `toml:"alert_cooldown"`
}

// BatchConfig - BatchProcessor
type BatchConfig struct {
	Concurrency       int           `toml:"concurrency"`
	ItemTimeout       time.Duration `toml:"item_timeout"`
	MaxRetries        int           `toml:"max_retries"`
	BaseDelay         time.Duration `toml:"base_delay"`
	BreakerRatio      float64       `toml:"breaker_ratio"`
	BreakerMinRequest int           `toml:"breaker_min_requests"`
	BreakerRecovery   time.Duration `toml:"breaker_recovery"`
	AdaptiveMin       int           `toml:"adaptive_min"`
	AdaptiveMax       int           `toml:"adaptive_max"`
	AdaptiveInitial   int           `toml:"adaptive_initial"`
}

// BreakerConfig - circuit breaker внешних сервисов
type BreakerConfig struct {
	FailureThreshold int           `toml:"failure_threshold"`
	RecoveryTimeout  time.Duration `toml:"recovery_timeout"`
}

// PolicyConfig - правила автоматического закрытия позиций
type PolicyConfig struct {
	TimeLimit          time.Duration `toml:"time_limit"`
	EmergencyThreshold float64       `toml:"emergency_threshold"`
}

// RiskConfig - лимиты по умолчанию, если у пользователя не заданы свои
type RiskConfig struct {
	MaxOpenPositions int     `toml:"max_open_positions"`
	MaxNotional      float64 `toml:"max_notional"`
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// Defaults - значения по умолчанию, до файла и окружения
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "signalbot",
			User:            "signalbot",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Security: SecurityConfig{
			OpsAuthEnabled: true,
			OpsUsername:    "ops",
		},
		Exchange: ExchangeConfig{
			Timeout: 30 * time.Second,
			RPS:     10,
		},
		Notifier: NotifierConfig{
			TelegramAPIURL: "https://api.telegram.org",
			Timeout:        10 * time.Second,
		},
		Webhook: WebhookConfig{
			RateWindow:   60 * time.Second,
			RateLimit:    10,
			BaseBackoff:  5 * time.Second,
			MaxBackoff:   5 * time.Minute,
			MaxBodyBytes: 64 << 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Monitor: MonitorConfig{
			Interval:              30 * time.Second,
			HealthInterval:        300 * time.Second,
			MaxConsecutiveErrors:  5,
			UserConcurrency:       4,
			OrphanPendingAge:      time.Hour,
			NotificationRetention: 30 * 24 * time.Hour,
			AlertCooldown:         5 * time.Minute,
		},
		Batch: BatchConfig{
			Concurrency:       10,
			ItemTimeout:       30 * time.Second,
			MaxRetries:        3,
			BaseDelay:         time.Second,
			BreakerRatio:      0.5,
			BreakerMinRequest: 10,
			BreakerRecovery:   60 * time.Second,
			AdaptiveMin:       1,
			AdaptiveMax:       50,
			AdaptiveInitial:   10,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
		},
		Policy: PolicyConfig{
			TimeLimit:          24 * time.Hour,
			EmergencyThreshold: 0.20,
		},
		Risk: RiskConfig{
			MaxOpenPositions: 10,
			MaxNotional:      100000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load собирает конфигурацию слоями: defaults, TOML (CONFIG_FILE), .env, окружение.
// Результат проходит Validate.
func Load() (*Config, error) {
	// .env загружается первым, чтобы CONFIG_FILE тоже можно было задать в нем
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv перекрывает значения переменными окружения.
// Текущее значение служит default'ом, так что пустая переменная ничего не меняет.
func applyEnv(c *Config) {
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.ReadTimeout = getEnvAsDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvAsDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.SSLMode = getEnv("DB_SSL_MODE", c.Database.SSLMode)
	c.Database.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)

	c.Security.EncryptionKey = getEnv("ENCRYPTION_KEY", c.Security.EncryptionKey)
	c.Security.OpsAuthEnabled = getEnvAsBool("OPS_AUTH_ENABLED", c.Security.OpsAuthEnabled)
	c.Security.OpsUsername = getEnv("OPS_USERNAME", c.Security.OpsUsername)
	c.Security.OpsPasswordHash = getEnv("OPS_PASSWORD_HASH", c.Security.OpsPasswordHash)

	c.Exchange.MainnetURL = getEnv("EXCHANGE_MAINNET_URL", c.Exchange.MainnetURL)
	c.Exchange.TestnetURL = getEnv("EXCHANGE_TESTNET_URL", c.Exchange.TestnetURL)
	c.Exchange.Timeout = getEnvAsDuration("EXCHANGE_TIMEOUT", c.Exchange.Timeout)
	c.Exchange.RPS = getEnvAsFloat("EXCHANGE_RPS", c.Exchange.RPS)

	c.Notifier.TelegramAPIURL = getEnv("TELEGRAM_API_URL", c.Notifier.TelegramAPIURL)
	c.Notifier.AdminToken = getEnv("ADMIN_TELEGRAM_TOKEN", c.Notifier.AdminToken)
	c.Notifier.AdminChatID = getEnv("ADMIN_TELEGRAM_CHAT_ID", c.Notifier.AdminChatID)

	c.Webhook.RateWindow = getEnvAsDuration("WEBHOOK_RATE_WINDOW", c.Webhook.RateWindow)
	c.Webhook.RateLimit = getEnvAsInt("WEBHOOK_RATE_LIMIT", c.Webhook.RateLimit)
	c.Webhook.MaxBodyBytes = int64(getEnvAsInt("WEBHOOK_MAX_BODY_BYTES", int(c.Webhook.MaxBodyBytes)))

	c.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)

	c.Monitor.Interval = getEnvAsDuration("MONITOR_INTERVAL", c.Monitor.Interval)
	c.Monitor.HealthInterval = getEnvAsDuration("MONITOR_HEALTH_INTERVAL", c.Monitor.HealthInterval)
	c.Monitor.MaxConsecutiveErrors = getEnvAsInt("MONITOR_MAX_CONSECUTIVE_ERRORS", c.Monitor.MaxConsecutiveErrors)
	c.Monitor.UserConcurrency = getEnvAsInt("MONITOR_USER_CONCURRENCY", c.Monitor.UserConcurrency)
	c.Monitor.OrphanPendingAge = getEnvAsDuration("MONITOR_ORPHAN_PENDING_AGE", c.Monitor.OrphanPendingAge)
	c.Monitor.NotificationRetention = getEnvAsDuration("MONITOR_NOTIFICATION_RETENTION", c.Monitor.NotificationRetention)
	c.Monitor.AlertCooldown = getEnvAsDuration("MONITOR_ALERT_COOLDOWN", c.Monitor.AlertCooldown)

	c.Batch.Concurrency = getEnvAsInt("BATCH_CONCURRENCY", c.Batch.Concurrency)
	c.Batch.ItemTimeout = getEnvAsDuration("BATCH_ITEM_TIMEOUT", c.Batch.ItemTimeout)
	c.Batch.MaxRetries = getEnvAsInt("BATCH_MAX_RETRIES", c.Batch.MaxRetries)
	c.Batch.BaseDelay = getEnvAsDuration("BATCH_BASE_DELAY", c.Batch.BaseDelay)
	c.Batch.BreakerRatio = getEnvAsFloat("BATCH_BREAKER_RATIO", c.Batch.BreakerRatio)
	c.Batch.BreakerMinRequest = getEnvAsInt("BATCH_BREAKER_MIN_REQUESTS", c.Batch.BreakerMinRequest)
	c.Batch.BreakerRecovery = getEnvAsDuration("BATCH_BREAKER_RECOVERY", c.Batch.BreakerRecovery)
	c.Batch.AdaptiveMin = getEnvAsInt("BATCH_ADAPTIVE_MIN", c.Batch.AdaptiveMin)
	c.Batch.AdaptiveMax = getEnvAsInt("BATCH_ADAPTIVE_MAX", c.Batch.AdaptiveMax)
	c.Batch.AdaptiveInitial = getEnvAsInt("BATCH_ADAPTIVE_INITIAL", c.Batch.AdaptiveInitial)

	c.Breaker.FailureThreshold = getEnvAsInt("BREAKER_FAILURE_THRESHOLD", c.Breaker.FailureThreshold)
	c.Breaker.RecoveryTimeout = getEnvAsDuration("BREAKER_RECOVERY_TIMEOUT", c.Breaker.RecoveryTimeout)

	c.Policy.TimeLimit = getEnvAsDuration("POLICY_TIME_LIMIT", c.Policy.TimeLimit)
	c.Policy.EmergencyThreshold = getEnvAsFloat("POLICY_EMERGENCY_THRESHOLD", c.Policy.EmergencyThreshold)

	c.Risk.MaxOpenPositions = getEnvAsInt("RISK_MAX_OPEN_POSITIONS", c.Risk.MaxOpenPositions)
	c.Risk.MaxNotional = getEnvAsFloat("RISK_MAX_NOTIONAL", c.Risk.MaxNotional)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
}

// Validate проверяет параметры безопасности и числовые диапазоны
func (c *Config) Validate() error {
	if err := c.validateSecurity(); err != nil {
		return err
	}
	return c.validateRanges()
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ENCRYPTION_KEY обязателен для расшифровки секретов webhook и ключей бирж
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required for decrypting user credentials")
	}

	if len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	if c.Security.OpsAuthEnabled {
		if c.Security.OpsUsername == "" {
			return fmt.Errorf("OPS_USERNAME is required when ops auth is enabled")
		}
		if c.Security.OpsPasswordHash == "" {
			return fmt.Errorf("OPS_PASSWORD_HASH is required when ops auth is enabled")
		}
	}

	if c.Exchange.MainnetURL == "" && c.Exchange.TestnetURL == "" {
		return fmt.Errorf("at least one of EXCHANGE_MAINNET_URL, EXCHANGE_TESTNET_URL is required")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL must be positive, got %v", c.Monitor.Interval)
	}

	if c.Monitor.HealthInterval <= 0 {
		return fmt.Errorf("MONITOR_HEALTH_INTERVAL must be positive, got %v", c.Monitor.HealthInterval)
	}

	if c.Monitor.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("MONITOR_MAX_CONSECUTIVE_ERRORS must be at least 1, got %d", c.Monitor.MaxConsecutiveErrors)
	}

	if c.Monitor.UserConcurrency < 1 {
		return fmt.Errorf("MONITOR_USER_CONCURRENCY must be at least 1, got %d", c.Monitor.UserConcurrency)
	}

	if c.Webhook.RateWindow <= 0 || c.Webhook.RateLimit < 1 {
		return fmt.Errorf("WEBHOOK_RATE_WINDOW and WEBHOOK_RATE_LIMIT must be positive")
	}

	if c.Webhook.MaxBodyBytes < 1024 {
		return fmt.Errorf("WEBHOOK_MAX_BODY_BYTES must be at least 1024, got %d", c.Webhook.MaxBodyBytes)
	}

	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("BATCH_CONCURRENCY must be at least 1, got %d", c.Batch.Concurrency)
	}

	if c.Batch.MaxRetries < 0 || c.Batch.MaxRetries > 10 {
		return fmt.Errorf("BATCH_MAX_RETRIES must be between 0 and 10, got %d", c.Batch.MaxRetries)
	}

	if c.Batch.BreakerRatio <= 0 || c.Batch.BreakerRatio > 1 {
		return fmt.Errorf("BATCH_BREAKER_RATIO must be in (0, 1], got %v", c.Batch.BreakerRatio)
	}

	if c.Batch.AdaptiveMin < 1 || c.Batch.AdaptiveMax < c.Batch.AdaptiveMin {
		return fmt.Errorf("BATCH_ADAPTIVE_MIN/MAX invalid: min=%d max=%d", c.Batch.AdaptiveMin, c.Batch.AdaptiveMax)
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1, got %d", c.Breaker.FailureThreshold)
	}

	if c.Policy.TimeLimit <= 0 {
		return fmt.Errorf("POLICY_TIME_LIMIT must be positive, got %v", c.Policy.TimeLimit)
	}

	if c.Policy.EmergencyThreshold <= 0 || c.Policy.EmergencyThreshold >= 1 {
		return fmt.Errorf("POLICY_EMERGENCY_THRESHOLD must be in (0, 1), got %v", c.Policy.EmergencyThreshold)
	}

	if c.Risk.MaxOpenPositions < 0 || c.Risk.MaxNotional < 0 {
		return fmt.Errorf("RISK limits cannot be negative")
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// Package config loads engine configuration from a JSON file with
// environment variable overrides for deployment-sensitive values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"bybit-trading-engine/internal/admission"
	"bybit-trading-engine/internal/api"
	"bybit-trading-engine/internal/circuit"
	"bybit-trading-engine/internal/engine"
	"bybit-trading-engine/internal/guardian"
	"bybit-trading-engine/internal/ladder"
	"bybit-trading-engine/internal/logging"
	"bybit-trading-engine/internal/notification"
	"bybit-trading-engine/internal/portfolio"
	"bybit-trading-engine/internal/reconcile"
	"bybit-trading-engine/internal/store"
)

// BybitConfig holds exchange credentials and connectivity.
type BybitConfig struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Testnet   bool   `json:"testnet"`
}

// NotificationConfig groups the delivery channels.
type NotificationConfig struct {
	Enabled  bool                        `json:"enabled"`
	Telegram notification.TelegramConfig `json:"telegram"`
	Discord  notification.DiscordConfig  `json:"discord"`
}

// StoreConfig groups the persistence backends. Either backend can be
// disabled; the engine degrades to in-memory operation.
type StoreConfig struct {
	PostgresEnabled bool                 `json:"postgres_enabled"`
	Postgres        store.PostgresConfig `json:"postgres"`
	RedisEnabled    bool                 `json:"redis_enabled"`
	Redis           store.RedisConfig    `json:"redis"`
}

// Config is the full engine configuration tree.
type Config struct {
	Bybit        BybitConfig          `json:"bybit"`
	Server       api.ServerConfig     `json:"server"`
	Conservative admission.ModeConfig `json:"conservative"`
	Scalping     admission.ModeConfig `json:"scalping"`
	Portfolio    portfolio.Settings   `json:"portfolio"`
	Ladder       ladder.Config        `json:"ladder"`
	Guardian     guardian.Config      `json:"guardian"`
	Circuit      circuit.Config       `json:"circuit_breaker"`
	Reconcile    reconcile.Config     `json:"reconcile"`
	Engine       engine.Config        `json:"engine"`
	Store        StoreConfig          `json:"store"`
	Notification NotificationConfig   `json:"notification"`
	Logging      logging.Config       `json:"logging"`
}

// Default returns the full default tree. Every section mirrors its
// package's production defaults.
func Default() *Config {
	return &Config{
		Server:       api.DefaultServerConfig(),
		Conservative: admission.DefaultConservativeConfig(),
		Scalping:     admission.DefaultScalpingConfig(),
		Portfolio:    portfolio.DefaultSettings(),
		Ladder:       ladder.DefaultConfig(),
		Guardian:     guardian.DefaultConfig(),
		Circuit:      circuit.DefaultConfig(),
		Reconcile:    reconcile.DefaultConfig(),
		Engine:       engine.DefaultConfig(),
		Store: StoreConfig{
			Postgres: store.DefaultPostgresConfig(),
			Redis:    store.DefaultRedisConfig(),
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads config.json (or the path in CONFIG_FILE) over the
// defaults, then applies environment overrides. A missing file is not
// an error; the defaults plus environment are enough to run against
// testnet.
func Load() (*Config, error) {
	cfg := Default()

	path := getEnvOrDefault("CONFIG_FILE", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override secrets and
// connectivity without touching the config file.
func applyEnvOverrides(cfg *Config) {
	// Exchange credentials
	cfg.Bybit.APIKey = getEnvOrDefault("BYBIT_API_KEY", cfg.Bybit.APIKey)
	cfg.Bybit.APISecret = getEnvOrDefault("BYBIT_API_SECRET", cfg.Bybit.APISecret)
	cfg.Bybit.Testnet = getEnvBoolOrDefault("BYBIT_TESTNET", cfg.Bybit.Testnet)

	// Server
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", cfg.Server.Port)
	cfg.Server.ProductionMode = getEnvBoolOrDefault("SERVER_PRODUCTION", cfg.Server.ProductionMode)
	cfg.Server.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.APIKey = getEnvOrDefault("SERVER_API_KEY", cfg.Server.APIKey)
	cfg.Server.AuthEnabled = getEnvBoolOrDefault("SERVER_AUTH_ENABLED", cfg.Server.AuthEnabled)

	// Persistence
	cfg.Store.PostgresEnabled = getEnvBoolOrDefault("POSTGRES_ENABLED", cfg.Store.PostgresEnabled)
	cfg.Store.Postgres.Host = getEnvOrDefault("POSTGRES_HOST", cfg.Store.Postgres.Host)
	cfg.Store.Postgres.Port = getEnvIntOrDefault("POSTGRES_PORT", cfg.Store.Postgres.Port)
	cfg.Store.Postgres.User = getEnvOrDefault("POSTGRES_USER", cfg.Store.Postgres.User)
	cfg.Store.Postgres.Password = getEnvOrDefault("POSTGRES_PASSWORD", cfg.Store.Postgres.Password)
	cfg.Store.Postgres.Database = getEnvOrDefault("POSTGRES_DB", cfg.Store.Postgres.Database)
	cfg.Store.RedisEnabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Store.RedisEnabled)
	cfg.Store.Redis.Addr = getEnvOrDefault("REDIS_ADDR", cfg.Store.Redis.Addr)
	cfg.Store.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Store.Redis.Password)
	cfg.Store.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Store.Redis.DB)

	// Notifications
	cfg.Notification.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.Notification.Enabled)
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)
	cfg.Notification.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Notification.Discord.WebhookURL)
	if cfg.Notification.Telegram.BotToken != "" && cfg.Notification.Telegram.ChatID != "" {
		cfg.Notification.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.Notification.Telegram.Enabled)
	}
	if cfg.Notification.Discord.WebhookURL != "" {
		cfg.Notification.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.Notification.Discord.Enabled)
	}

	// Logging
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Pretty = getEnvBoolOrDefault("LOG_PRETTY", cfg.Logging.Pretty)
}

// Validate catches configuration mistakes before any component starts.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.AuthEnabled && c.Server.JWTSecret == "" {
		return fmt.Errorf("auth enabled but jwt_secret is empty")
	}
	if c.Conservative.PositionSizePct <= 0 || c.Conservative.PositionSizePct > 1 {
		return fmt.Errorf("conservative position_size_pct must be in (0, 1]")
	}
	if c.Scalping.PositionSizePct <= 0 || c.Scalping.PositionSizePct > 1 {
		return fmt.Errorf("scalping position_size_pct must be in (0, 1]")
	}
	if c.Portfolio.MaxPortfolioRisk <= 0 || c.Portfolio.MaxPortfolioRisk > 1 {
		return fmt.Errorf("portfolio max_portfolio_risk must be in (0, 1]")
	}
	if c.Guardian.MaxRetries < 0 {
		return fmt.Errorf("guardian max_retries must not be negative")
	}
	return nil
}

// GenerateSample writes an annotated starting config to disk.
func GenerateSample(filename string) error {
	cfg := Default()
	cfg.Bybit = BybitConfig{
		APIKey:    "your_api_key_here",
		APISecret: "your_api_secret_here",
		Testnet:   true,
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

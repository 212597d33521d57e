/**
 * @description
 * Configuration management for the corebanking service. Values come from environment
 * variables (optionally a local .env file) through Viper, then get normalised so the
 * rest of the service can rely on sane values.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading and env binding.
 */

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting of the HTTP service and the scheduler.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	StoreDriver             string `mapstructure:"STORE_DRIVER"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	DBIsolation             string `mapstructure:"DB_ISOLATION"`
	RunMigrations           bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix          string `mapstructure:"REDIS_KEY_PREFIX"`
	RateCacheTTLSeconds     int    `mapstructure:"RATE_CACHE_TTL_SECONDS"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	LoyaltyQueue            string `mapstructure:"LOYALTY_QUEUE"`
	LoyaltyPointsPerCredit  int    `mapstructure:"LOYALTY_POINTS_PER_CREDIT"`
	OutboxPollIntervalMS    int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	JWTSecret               string `mapstructure:"JWT_SECRET"`
	JWTIssuer               string `mapstructure:"JWT_ISSUER"`
	CORSAllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	ProductsFile            string `mapstructure:"PRODUCTS_FILE"`
	ApprovalTTLHours        int    `mapstructure:"APPROVAL_TTL_HOURS"`
	CreditApplyLimitPerHour int    `mapstructure:"CREDIT_APPLY_LIMIT_PER_HOUR"`
	ApprovalExpirySchedule  string `mapstructure:"APPROVAL_EXPIRY_SCHEDULE"`
	OverdueCreditSchedule   string `mapstructure:"OVERDUE_CREDIT_SCHEDULE"`
	OverdueGraceDays        int    `mapstructure:"OVERDUE_GRACE_DAYS"`
	SystemActorID           string `mapstructure:"SYSTEM_ACTOR_ID"`
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// ApprovalTTL is the lifetime of a pending approval request.
func (c Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLHours) * time.Hour
}

// OutboxPollInterval is the dispatcher tick.
func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMS) * time.Millisecond
}

// RateCacheTTL is how long the current exchange rate stays cached in Redis.
func (c Config) RateCacheTTL() time.Duration {
	return time.Duration(c.RateCacheTTLSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// LoadConfig reads configuration from the environment and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("DB_ISOLATION", "read_committed")
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.SetDefault("REDIS_KEY_PREFIX", "corebanking")
	viper.SetDefault("RATE_CACHE_TTL_SECONDS", 300)
	viper.SetDefault("LOYALTY_QUEUE", "corebanking.loyalty_points")
	viper.SetDefault("LOYALTY_POINTS_PER_CREDIT", 1)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1200)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("PRODUCTS_FILE", "configs/products.yaml")
	viper.SetDefault("APPROVAL_TTL_HOURS", 72)
	viper.SetDefault("CREDIT_APPLY_LIMIT_PER_HOUR", 5)
	viper.SetDefault("APPROVAL_EXPIRY_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("OVERDUE_CREDIT_SCHEDULE", "30 1 * * *")
	viper.SetDefault("OVERDUE_GRACE_DAYS", 0)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DB_ISOLATION")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "COREBANKING_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RATE_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LOYALTY_QUEUE")
	_ = viper.BindEnv("LOYALTY_POINTS_PER_CREDIT")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("PRODUCTS_FILE")
	_ = viper.BindEnv("APPROVAL_TTL_HOURS")
	_ = viper.BindEnv("CREDIT_APPLY_LIMIT_PER_HOUR")
	_ = viper.BindEnv("APPROVAL_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("OVERDUE_CREDIT_SCHEDULE")
	_ = viper.BindEnv("OVERDUE_GRACE_DAYS")
	_ = viper.BindEnv("SYSTEM_ACTOR_ID")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != StoreDriverMemory {
		config.StoreDriver = StoreDriverPostgres
	}

	config.DBIsolation = strings.ToLower(strings.TrimSpace(config.DBIsolation))
	switch config.DBIsolation {
	case "read_committed", "serializable":
	default:
		slog.Warn("unknown DB_ISOLATION; using read_committed", "component", "config", "value", config.DBIsolation)
		config.DBIsolation = "read_committed"
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "corebanking"
	}
	if config.RateCacheTTLSeconds <= 0 {
		config.RateCacheTTLSeconds = 300
	}

	config.LoyaltyQueue = strings.TrimSpace(config.LoyaltyQueue)
	if config.LoyaltyQueue == "" {
		config.LoyaltyQueue = "corebanking.loyalty_points"
	}
	if config.LoyaltyPointsPerCredit < 0 {
		slog.Warn("negative loyalty points configured; coercing to zero", "component", "config", "points", config.LoyaltyPointsPerCredit)
		config.LoyaltyPointsPerCredit = 0
	}
	if config.OutboxPollIntervalMS <= 0 {
		config.OutboxPollIntervalMS = 1200
	}

	config.JWTSecret = strings.TrimSpace(config.JWTSecret)
	if config.ApprovalTTLHours <= 0 {
		config.ApprovalTTLHours = 72
	}
	if config.CreditApplyLimitPerHour < 0 {
		config.CreditApplyLimitPerHour = 0
	}
	if config.OverdueGraceDays < 0 {
		config.OverdueGraceDays = 0
	}

	return
}

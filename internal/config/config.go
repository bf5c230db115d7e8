/**
 * @description
 * Configuration for the funds-service. Values come from the environment, optionally
 * seeded by a local .env file, and are normalized so the rest of the service can rely on
 * sane, positive settings.
 *
 * @dependencies
 * - github.com/spf13/viper: Environment and .env binding.
 * - github.com/shopspring/decimal: Monetary settings.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/bms/funds-service/internal/limits"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultServerPort            = "8080"
	defaultRateLimitPrefix       = "bms:rate_limit"
	defaultEventsExchange        = "bms.events"
	defaultSideEffectQueue       = "funds_service.side_effects"
	defaultStepUpThreshold       = "25000"
	defaultDailyLimit            = "100000"
	defaultPerTransactionLimit   = "50000"
	defaultMinimumBalance        = "0"
	defaultOtpLength             = 6
	defaultOtpExpiryMinutes      = 5
	defaultOtpMaxAttempts        = 3
	defaultOtpVerifyRateLimit    = 10
	defaultPendingTransferTTLMin = 15
	defaultOtpPurgeSchedule      = "@every 1h"
	defaultPendingSweepSchedule  = "@every 1m"
	defaultOutboxPollIntervalMs  = 1200
	defaultBusinessTimezone      = "UTC"
	defaultMetricsNamespace      = "bms_funds"
)

// Config holds all the configuration variables for the funds-service.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	EventsExchange           string `mapstructure:"EVENTS_EXCHANGE"`
	SideEffectQueue          string `mapstructure:"SIDE_EFFECT_QUEUE"`
	JWTSecret                string `mapstructure:"JWT_SECRET"`
	JWTIssuer                string `mapstructure:"JWT_ISSUER"`
	MailAPIBaseURL           string `mapstructure:"MAIL_API_BASE_URL"`
	MailAPIKey               string `mapstructure:"MAIL_API_KEY"`
	MailFrom                 string `mapstructure:"MAIL_FROM"`
	OtpLength                int    `mapstructure:"OTP_LENGTH"`
	OtpExpiryMinutes         int    `mapstructure:"OTP_EXPIRY_MINUTES"`
	OtpMaxAttempts           int    `mapstructure:"OTP_MAX_ATTEMPTS"`
	OtpVerifyRateLimitPerMin int    `mapstructure:"OTP_VERIFY_RATE_LIMIT_PER_MINUTE"`
	OtpHashCost              int    `mapstructure:"OTP_HASH_COST"`
	PendingTransferTTLMin    int    `mapstructure:"PENDING_TRANSFER_TTL_MINUTES"`
	OtpPurgeSchedule         string `mapstructure:"OTP_PURGE_SCHEDULE"`
	PendingSweepSchedule     string `mapstructure:"PENDING_SWEEP_SCHEDULE"`
	OutboxPollIntervalMs     int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	BusinessTimezone         string `mapstructure:"BUSINESS_TIMEZONE"`
	MetricsNamespace         string `mapstructure:"METRICS_NAMESPACE"`

	// Monetary settings are parsed from their string form after Unmarshal.
	StepUpThreshold            decimal.Decimal `mapstructure:"-"`
	DefaultDailyLimit          decimal.Decimal `mapstructure:"-"`
	DefaultPerTransactionLimit decimal.Decimal `mapstructure:"-"`
	DefaultMinimumBalance      decimal.Decimal `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("SIDE_EFFECT_QUEUE", defaultSideEffectQueue)
	viper.SetDefault("STEP_UP_THRESHOLD", defaultStepUpThreshold)
	viper.SetDefault("DEFAULT_DAILY_LIMIT", defaultDailyLimit)
	viper.SetDefault("DEFAULT_PER_TRANSACTION_LIMIT", defaultPerTransactionLimit)
	viper.SetDefault("DEFAULT_MINIMUM_BALANCE", defaultMinimumBalance)
	viper.SetDefault("OTP_LENGTH", defaultOtpLength)
	viper.SetDefault("OTP_EXPIRY_MINUTES", defaultOtpExpiryMinutes)
	viper.SetDefault("OTP_MAX_ATTEMPTS", defaultOtpMaxAttempts)
	viper.SetDefault("OTP_VERIFY_RATE_LIMIT_PER_MINUTE", defaultOtpVerifyRateLimit)
	viper.SetDefault("PENDING_TRANSFER_TTL_MINUTES", defaultPendingTransferTTLMin)
	viper.SetDefault("OTP_PURGE_SCHEDULE", defaultOtpPurgeSchedule)
	viper.SetDefault("PENDING_SWEEP_SCHEDULE", defaultPendingSweepSchedule)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", defaultOutboxPollIntervalMs)
	viper.SetDefault("BUSINESS_TIMEZONE", defaultBusinessTimezone)
	viper.SetDefault("METRICS_NAMESPACE", defaultMetricsNamespace)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "FUNDS_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("SIDE_EFFECT_QUEUE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("MAIL_API_BASE_URL")
	_ = viper.BindEnv("MAIL_API_KEY")
	_ = viper.BindEnv("MAIL_FROM")
	_ = viper.BindEnv("STEP_UP_THRESHOLD")
	_ = viper.BindEnv("DEFAULT_DAILY_LIMIT")
	_ = viper.BindEnv("DEFAULT_PER_TRANSACTION_LIMIT")
	_ = viper.BindEnv("DEFAULT_MINIMUM_BALANCE")
	_ = viper.BindEnv("OTP_LENGTH")
	_ = viper.BindEnv("OTP_EXPIRY_MINUTES")
	_ = viper.BindEnv("OTP_MAX_ATTEMPTS")
	_ = viper.BindEnv("OTP_VERIFY_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("OTP_HASH_COST")
	_ = viper.BindEnv("PENDING_TRANSFER_TTL_MINUTES")
	_ = viper.BindEnv("OTP_PURGE_SCHEDULE")
	_ = viper.BindEnv("PENDING_SWEEP_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("BUSINESS_TIMEZONE")
	_ = viper.BindEnv("METRICS_NAMESPACE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.ServerPort) == "" {
		config.ServerPort = defaultServerPort
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = defaultEventsExchange
	}
	config.SideEffectQueue = strings.TrimSpace(config.SideEffectQueue)
	if config.SideEffectQueue == "" {
		config.SideEffectQueue = defaultSideEffectQueue
	}
	config.MailAPIBaseURL = strings.TrimSuffix(strings.TrimSpace(config.MailAPIBaseURL), "/")

	config.StepUpThreshold = parseAmount("STEP_UP_THRESHOLD", defaultStepUpThreshold, false)
	config.DefaultDailyLimit = parseAmount("DEFAULT_DAILY_LIMIT", defaultDailyLimit, false)
	config.DefaultPerTransactionLimit = parseAmount("DEFAULT_PER_TRANSACTION_LIMIT", defaultPerTransactionLimit, false)
	config.DefaultMinimumBalance = parseAmount("DEFAULT_MINIMUM_BALANCE", defaultMinimumBalance, true)
	if config.DefaultPerTransactionLimit.GreaterThan(config.DefaultDailyLimit) {
		log.Printf("level=warn component=config msg=\"per-transaction limit above daily limit; capping\" per_transaction=%s daily=%s",
			config.DefaultPerTransactionLimit, config.DefaultDailyLimit)
		config.DefaultPerTransactionLimit = config.DefaultDailyLimit
	}

	if config.OtpLength <= 0 || config.OtpLength > 10 {
		config.OtpLength = defaultOtpLength
	}
	if config.OtpExpiryMinutes <= 0 {
		config.OtpExpiryMinutes = defaultOtpExpiryMinutes
	}
	if config.OtpMaxAttempts <= 0 {
		config.OtpMaxAttempts = defaultOtpMaxAttempts
	}
	if config.OtpVerifyRateLimitPerMin < 0 {
		config.OtpVerifyRateLimitPerMin = defaultOtpVerifyRateLimit
	}
	if config.PendingTransferTTLMin <= 0 {
		config.PendingTransferTTLMin = defaultPendingTransferTTLMin
	}
	if strings.TrimSpace(config.OtpPurgeSchedule) == "" {
		config.OtpPurgeSchedule = defaultOtpPurgeSchedule
	}
	if strings.TrimSpace(config.PendingSweepSchedule) == "" {
		config.PendingSweepSchedule = defaultPendingSweepSchedule
	}
	if config.OutboxPollIntervalMs <= 0 {
		config.OutboxPollIntervalMs = defaultOutboxPollIntervalMs
	}
	config.BusinessTimezone = strings.TrimSpace(config.BusinessTimezone)
	if _, locErr := time.LoadLocation(config.BusinessTimezone); config.BusinessTimezone == "" || locErr != nil {
		log.Printf("level=warn component=config msg=\"invalid BUSINESS_TIMEZONE; falling back to UTC\" value=%q", config.BusinessTimezone)
		config.BusinessTimezone = defaultBusinessTimezone
	}
	if strings.TrimSpace(config.MetricsNamespace) == "" {
		config.MetricsNamespace = defaultMetricsNamespace
	}

	return
}

func parseAmount(key, fallback string, allowZero bool) decimal.Decimal {
	fallbackValue := decimal.RequireFromString(fallback)
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return fallbackValue
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid amount; using default\" key=%s value=%q err=%v", key, raw, err)
		return fallbackValue
	}
	if value.IsNegative() || (!allowZero && value.IsZero()) {
		log.Printf("level=warn component=config msg=\"non-positive amount; using default\" key=%s value=%q", key, raw)
		return fallbackValue
	}
	if err := limits.ValidateMoney(value); err != nil {
		log.Printf("level=warn component=config msg=\"amount does not fit a money column; using default\" key=%s value=%q", key, raw)
		return fallbackValue
	}
	return value
}

// OtpExpiry is the lifetime of an issued code.
func (c Config) OtpExpiry() time.Duration {
	return time.Duration(c.OtpExpiryMinutes) * time.Minute
}

// PendingTransferTTL is how long a transfer may wait for verification.
func (c Config) PendingTransferTTL() time.Duration {
	return time.Duration(c.PendingTransferTTLMin) * time.Minute
}

// OutboxPollInterval is the outbox dispatcher tick.
func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMs) * time.Millisecond
}

// Location resolves BUSINESS_TIMEZONE, defaulting to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil || c.BusinessTimezone == "" {
		return time.UTC
	}
	return loc
}

/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	EventsExchange            string `mapstructure:"EVENTS_EXCHANGE"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	PaymentRateLimitPerMinute int    `mapstructure:"PAYMENT_RATE_LIMIT_PER_MINUTE"`
	AccountIDMaxAttempts      int    `mapstructure:"ACCOUNT_ID_MAX_ATTEMPTS"`
	PromotionWindowStartMonth int    `mapstructure:"PROMOTION_WINDOW_START_MONTH"`
	PromotionWindowEndMonth   int    `mapstructure:"PROMOTION_WINDOW_END_MONTH"`
	LedgerAuditSchedule       string `mapstructure:"LEDGER_AUDIT_SCHEDULE"`
	ShutdownTimeout           time.Duration
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("EVENTS_EXCHANGE", "campuspay.events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "campuspay:rate_limit")
	viper.SetDefault("PAYMENT_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("ACCOUNT_ID_MAX_ATTEMPTS", 100)
	viper.SetDefault("PROMOTION_WINDOW_START_MONTH", 5)
	viper.SetDefault("PROMOTION_WINDOW_END_MONTH", 6)
	viper.SetDefault("LEDGER_AUDIT_SCHEDULE", "0 3 * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PAYMENT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("ACCOUNT_ID_MAX_ATTEMPTS")
	_ = viper.BindEnv("PROMOTION_WINDOW_START_MONTH")
	_ = viper.BindEnv("PROMOTION_WINDOW_END_MONTH")
	_ = viper.BindEnv("LEDGER_AUDIT_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "campuspay:rate_limit"
	}

	if config.PaymentRateLimitPerMinute <= 0 {
		config.PaymentRateLimitPerMinute = 60
	}
	if config.AccountIDMaxAttempts <= 0 {
		config.AccountIDMaxAttempts = 100
	}
	// Out-of-range window months fall back to the default May-June window.
	if config.PromotionWindowStartMonth < 1 || config.PromotionWindowStartMonth > 12 {
		log.Printf("level=warn component=config msg=\"invalid promotion window start; using default\" month=%d", config.PromotionWindowStartMonth)
		config.PromotionWindowStartMonth = 5
	}
	if config.PromotionWindowEndMonth < 1 || config.PromotionWindowEndMonth > 12 {
		log.Printf("level=warn component=config msg=\"invalid promotion window end; using default\" month=%d", config.PromotionWindowEndMonth)
		config.PromotionWindowEndMonth = 6
	}

	config.ShutdownTimeout = 30 * time.Second
	return
}

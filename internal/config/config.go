/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Parsing rate and ratio settings exactly.
 */

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	RedisURL        string `mapstructure:"REDIS_URL"`
	RedisRatePrefix string `mapstructure:"REDIS_RATE_PREFIX"`

	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	PaymentEventQueue   string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	TransferStatusQueue string `mapstructure:"TRANSFER_STATUS_QUEUE"`

	MezoAPIBaseURL   string `mapstructure:"MEZO_API_BASE_URL"`
	MezoAPIKey       string `mapstructure:"MEZO_API_KEY"`
	RateOracleURL    string `mapstructure:"RATE_ORACLE_URL"`
	RateOracleAPIKey string `mapstructure:"RATE_ORACLE_API_KEY"`
	JWKSURL          string `mapstructure:"JWKS_URL"`

	RateCacheTTLSeconds        int    `mapstructure:"RATE_CACHE_TTL_SECONDS"`
	SlippageBufferPercent      string `mapstructure:"SLIPPAGE_BUFFER_PERCENT"`
	DefaultCollateralRatio     string `mapstructure:"DEFAULT_COLLATERAL_RATIO"`
	MinCollateralRatio         string `mapstructure:"MIN_COLLATERAL_RATIO"`
	MaxActiveLoans             int    `mapstructure:"MAX_ACTIVE_LOANS"`
	PaymentRateLimitPerMinute  int    `mapstructure:"PAYMENT_RATE_LIMIT_PER_MINUTE"`
	DefaultLoanDurationDays    int    `mapstructure:"DEFAULT_LOAN_DURATION_DAYS"`
	ConfirmationTimeoutSeconds int    `mapstructure:"CONFIRMATION_TIMEOUT_SECONDS"`

	FallbackRateUSD string `mapstructure:"FALLBACK_RATE_USD"`
	FallbackRateINR string `mapstructure:"FALLBACK_RATE_INR"`
	FallbackRateEUR string `mapstructure:"FALLBACK_RATE_EUR"`
	FallbackRateGBP string `mapstructure:"FALLBACK_RATE_GBP"`
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
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("REDIS_RATE_PREFIX", "tripsplit:rates")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "settlement_service.payment_events")
	viper.SetDefault("TRANSFER_STATUS_QUEUE", "settlement_service.transfer_updates")
	viper.SetDefault("RATE_CACHE_TTL_SECONDS", 300)
	viper.SetDefault("SLIPPAGE_BUFFER_PERCENT", "0.5")
	viper.SetDefault("DEFAULT_COLLATERAL_RATIO", "1.5")
	viper.SetDefault("MIN_COLLATERAL_RATIO", "1.1")
	viper.SetDefault("MAX_ACTIVE_LOANS", 5)
	viper.SetDefault("PAYMENT_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("DEFAULT_LOAN_DURATION_DAYS", 30)
	viper.SetDefault("CONFIRMATION_TIMEOUT_SECONDS", 60)
	viper.SetDefault("FALLBACK_RATE_USD", "1.0")
	viper.SetDefault("FALLBACK_RATE_INR", "83.50")
	viper.SetDefault("FALLBACK_RATE_EUR", "0.92")
	viper.SetDefault("FALLBACK_RATE_GBP", "0.79")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("TRANSFER_STATUS_QUEUE")
	_ = viper.BindEnv("MEZO_API_BASE_URL")
	_ = viper.BindEnv("MEZO_API_KEY")
	_ = viper.BindEnv("RATE_ORACLE_URL")
	_ = viper.BindEnv("RATE_ORACLE_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("RATE_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("SLIPPAGE_BUFFER_PERCENT")
	_ = viper.BindEnv("DEFAULT_COLLATERAL_RATIO")
	_ = viper.BindEnv("MIN_COLLATERAL_RATIO")
	_ = viper.BindEnv("MAX_ACTIVE_LOANS")
	_ = viper.BindEnv("PAYMENT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("DEFAULT_LOAN_DURATION_DAYS")
	_ = viper.BindEnv("CONFIRMATION_TIMEOUT_SECONDS")
	_ = viper.BindEnv("FALLBACK_RATE_USD")
	_ = viper.BindEnv("FALLBACK_RATE_INR")
	_ = viper.BindEnv("FALLBACK_RATE_EUR")
	_ = viper.BindEnv("FALLBACK_RATE_GBP")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file, using environment values", "error", err)
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
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	if strings.TrimSpace(config.RedisRatePrefix) == "" {
		config.RedisRatePrefix = "tripsplit:rates"
	}

	if config.RateCacheTTLSeconds <= 0 {
		slog.Warn("non-positive rate cache TTL configured, using default", "seconds", config.RateCacheTTLSeconds)
		config.RateCacheTTLSeconds = 300
	}
	if config.MaxActiveLoans <= 0 {
		slog.Warn("non-positive max active loans configured, using default", "value", config.MaxActiveLoans)
		config.MaxActiveLoans = 5
	}
	if config.DefaultLoanDurationDays <= 0 {
		config.DefaultLoanDurationDays = 30
	}
	if config.ConfirmationTimeoutSeconds <= 0 {
		config.ConfirmationTimeoutSeconds = 60
	}

	return
}

// RateCacheTTL returns the cache TTL as a duration.
func (c Config) RateCacheTTL() time.Duration {
	return time.Duration(c.RateCacheTTLSeconds) * time.Second
}

// ConfirmationTimeout returns the transaction confirmation window.
func (c Config) ConfirmationTimeout() time.Duration {
	return time.Duration(c.ConfirmationTimeoutSeconds) * time.Second
}

// SlippageBuffer returns the slippage padding as a fraction (0.5% -> 0.005).
// A malformed or negative value falls back to the default rather than
// poisoning every conversion.
func (c Config) SlippageBuffer() decimal.Decimal {
	return parseRatio(c.SlippageBufferPercent, "SLIPPAGE_BUFFER_PERCENT", "0.5").Div(decimal.NewFromInt(100))
}

// collateralRatioFloor is the hard lower bound on the minimum collateral
// ratio. Lending below 110% is never allowed, whatever the environment says.
var collateralRatioFloor = decimal.RequireFromString("1.1")

// CollateralRatioDefault returns the ratio used when a borrow request does
// not name its own collateral. It is never below the minimum ratio.
func (c Config) CollateralRatioDefault() decimal.Decimal {
	ratio := parseRatio(c.DefaultCollateralRatio, "DEFAULT_COLLATERAL_RATIO", "1.5")
	if min := c.CollateralRatioMin(); ratio.LessThan(min) {
		slog.Warn("default collateral ratio below the minimum, using minimum",
			"value", ratio.String(), "minimum", min.String())
		return min
	}
	return ratio
}

// CollateralRatioMin returns the floor below which a borrow is rejected,
// clamped to the 110% hard floor.
func (c Config) CollateralRatioMin() decimal.Decimal {
	ratio := parseRatio(c.MinCollateralRatio, "MIN_COLLATERAL_RATIO", "1.1")
	if ratio.LessThan(collateralRatioFloor) {
		slog.Warn("minimum collateral ratio below the 110% floor, using floor", "value", ratio.String())
		return collateralRatioFloor
	}
	return ratio
}

// FallbackRates returns the static fiat-per-USD table used when the oracle
// and the rate cache are both unavailable.
func (c Config) FallbackRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USD": parseRatio(c.FallbackRateUSD, "FALLBACK_RATE_USD", "1.0"),
		"INR": parseRatio(c.FallbackRateINR, "FALLBACK_RATE_INR", "83.50"),
		"EUR": parseRatio(c.FallbackRateEUR, "FALLBACK_RATE_EUR", "0.92"),
		"GBP": parseRatio(c.FallbackRateGBP, "FALLBACK_RATE_GBP", "0.79"),
	}
}

func parseRatio(raw, name, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || d.IsNegative() {
		slog.Warn("invalid ratio configured, using default", "setting", name, "value", raw, "default", fallback)
		d, _ = decimal.NewFromString(fallback)
	}
	return d
}

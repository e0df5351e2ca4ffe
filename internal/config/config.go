package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisAddr     string
	RedisPassword string

	StripeAPIKey          string
	DonationWebhookSecret string
	ShopWebhookSecret     string

	CheckoutRatePerSecond float64
	CheckoutBurst         int64
}

// Load reads configuration from the environment, merging a local .env file
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppName:     getenv("APP_NAME", "trailmarket"),
		AppVersion:  getenv("APP_VERSION", "dev"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		DBDriver:   getenv("DB_DRIVER", "postgres"),
		DBHost:     getenv("DB_HOST", "localhost"),
		DBPort:     getenv("DB_PORT", "5432"),
		DBUser:     getenv("DB_USER", "postgres"),
		DBPassword: getenv("DB_PASSWORD", ""),
		DBName:     getenv("DB_NAME", "trailmarket"),
		DBSSLMode:  getenv("DB_SSLMODE", "disable"),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		StripeAPIKey:          getenv("STRIPE_API_KEY", ""),
		DonationWebhookSecret: getenv("STRIPE_DONATION_WEBHOOK_SECRET", ""),
		ShopWebhookSecret:     getenv("STRIPE_SHOP_WEBHOOK_SECRET", ""),

		CheckoutRatePerSecond: getenvFloat("CHECKOUT_RATE_PER_SECOND", 5),
		CheckoutBurst:         getenvInt64("CHECKOUT_BURST", 10),
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	LogLevel           string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	RedisTLS           bool
	JWTSecret          string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	// Scheduling
	ClinicTimezone  string
	SlotLockTTL     time.Duration
	DefaultCurrency string

	// Payment gateways
	StripeSecretKey           string
	StripeWebhookSecret       string
	StripeBaseURL             string
	SquareAccessToken         string
	SquareLocationID          string
	SquareBaseURL             string
	SquareWebhookSignatureKey string
	SquareWebhookURL          string
	GatewayTimeout            time.Duration
	GatewayMaxAttempts        int
	GatewayRetryBaseDelay     time.Duration
	WebhookProcessTimeout     time.Duration

	// Payment velocity limits (Redis)
	PaymentCreateLimit  int
	PaymentCreateWindow time.Duration
	RefundLimit         int
	RefundWindow        time.Duration

	// SendGrid Email Configuration
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string

	OutboxPollInterval time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisTLS:           getEnvAsBool("REDIS_TLS", false),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 20),

		ClinicTimezone:  getEnv("CLINIC_TIMEZONE", "UTC"),
		SlotLockTTL:     getEnvAsDuration("SLOT_LOCK_TTL", 10*time.Second),
		DefaultCurrency: strings.ToUpper(getEnv("DEFAULT_CURRENCY", "INR")),

		StripeSecretKey:           getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:       getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeBaseURL:             getEnv("STRIPE_BASE_URL", "https://api.stripe.com"),
		SquareAccessToken:         getEnv("SQUARE_ACCESS_TOKEN", ""),
		SquareLocationID:          getEnv("SQUARE_LOCATION_ID", ""),
		SquareBaseURL:             getEnv("SQUARE_BASE_URL", "https://connect.squareup.com"),
		SquareWebhookSignatureKey: getEnv("SQUARE_WEBHOOK_SIGNATURE_KEY", ""),
		SquareWebhookURL:          getEnv("SQUARE_WEBHOOK_URL", ""),
		GatewayTimeout:            getEnvAsDuration("GATEWAY_TIMEOUT", 10*time.Second),
		GatewayMaxAttempts:        getEnvAsInt("GATEWAY_MAX_ATTEMPTS", 3),
		GatewayRetryBaseDelay:     getEnvAsDuration("GATEWAY_RETRY_BASE_DELAY", 200*time.Millisecond),
		WebhookProcessTimeout:     getEnvAsDuration("WEBHOOK_PROCESS_TIMEOUT", 30*time.Second),

		PaymentCreateLimit:  getEnvAsInt("PAYMENT_CREATE_LIMIT", 10),
		PaymentCreateWindow: getEnvAsDuration("PAYMENT_CREATE_WINDOW", time.Hour),
		RefundLimit:         getEnvAsInt("REFUND_LIMIT", 5),
		RefundWindow:        getEnvAsDuration("REFUND_WINDOW", 24*time.Hour),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Clinic Bookings"),

		OutboxPollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

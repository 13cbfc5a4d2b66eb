package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/clinic-booking/internal/config"
	"github.com/wolfman30/clinic-booking/internal/notify"
	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/internal/payments"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildGatewayRegistry registers every configured online gateway, wrapped
// with the retry policy. The offline gateway is always present.
func BuildGatewayRegistry(cfg *appconfig.Config, m *metrics.BookingMetrics, logger *logging.Logger) *payments.Registry {
	if logger == nil {
		logger = logging.Default()
	}
	policy := payments.RetryPolicy{
		MaxAttempts: cfg.GatewayMaxAttempts,
		BaseDelay:   cfg.GatewayRetryBaseDelay,
		Timeout:     cfg.GatewayTimeout,
	}

	var gateways []payments.Gateway
	if cfg.StripeSecretKey != "" {
		stripe := payments.NewStripeGateway(payments.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			BaseURL:       cfg.StripeBaseURL,
			Timeout:       cfg.GatewayTimeout,
		}, logger)
		gateways = append(gateways, payments.WithRetry(stripe, policy, m, logger))
		if cfg.StripeWebhookSecret == "" {
			logger.Warn("stripe webhook secret not set; stripe webhooks will be rejected")
		}
	}
	if cfg.SquareAccessToken != "" {
		square := payments.NewSquareGateway(payments.SquareConfig{
			AccessToken:  cfg.SquareAccessToken,
			LocationID:   cfg.SquareLocationID,
			BaseURL:      cfg.SquareBaseURL,
			SignatureKey: cfg.SquareWebhookSignatureKey,
			WebhookURL:   cfg.SquareWebhookURL,
			Timeout:      cfg.GatewayTimeout,
		}, logger)
		gateways = append(gateways, payments.WithRetry(square, policy, m, logger))
	}

	registry := payments.NewRegistry(gateways...)
	logger.Info("payment gateways registered", "gateways", registry.Names())
	return registry
}

// BuildVelocityChecker returns nil when Redis is unavailable, which the
// payment manager treats as unlimited.
func BuildVelocityChecker(redisClient *redis.Client, cfg *appconfig.Config, logger *logging.Logger) *payments.VelocityChecker {
	if redisClient == nil {
		return nil
	}
	return payments.NewVelocityChecker(redisClient, payments.VelocityConfig{
		MaxCreatesPerPatient: cfg.PaymentCreateLimit,
		CreateWindow:         cfg.PaymentCreateWindow,
		MaxRefundsPerPayment: cfg.RefundLimit,
		RefundWindow:         cfg.RefundWindow,
	}, logger)
}

// BuildEmailSender returns SendGrid when a key is configured, else a stub
// that only logs.
func BuildEmailSender(cfg *appconfig.Config, logger *logging.Logger) notify.EmailSender {
	if sender := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sender != nil {
		return sender
	}
	logger.Warn("SENDGRID_API_KEY not set; notifications are logged only")
	return notify.NewStubEmailSender(logger)
}

// LoadLocation resolves the clinic timezone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load timezone %q: %w", name, err)
	}
	return loc, nil
}

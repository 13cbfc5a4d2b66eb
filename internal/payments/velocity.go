package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

var velocityTracer = otel.Tracer("clinic.internal.payments.velocity")

var (
	ErrTooManyPaymentAttempts = apperr.RateLimited("Too many payment attempts, please try again later")
	ErrTooManyRefunds         = apperr.RateLimited("Too many refund requests for this payment, please try again later")
)

// VelocityConfig bounds how often payments are opened and refunded.
type VelocityConfig struct {
	// Max payment creations per patient per window
	MaxCreatesPerPatient int
	CreateWindow         time.Duration

	// Max refund requests per payment per window
	MaxRefundsPerPayment int
	RefundWindow         time.Duration
}

// DefaultVelocityConfig returns default velocity limits.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		MaxCreatesPerPatient: 10,
		CreateWindow:         time.Hour,
		MaxRefundsPerPayment: 5,
		RefundWindow:         24 * time.Hour,
	}
}

// VelocityChecker counts attempts in fixed Redis windows. It fails open:
// an unreachable Redis never blocks a payment.
type VelocityChecker struct {
	redis  *redis.Client
	config VelocityConfig
	logger *logging.Logger
}

func NewVelocityChecker(client *redis.Client, config VelocityConfig, logger *logging.Logger) *VelocityChecker {
	if logger == nil {
		logger = logging.Default()
	}
	return &VelocityChecker{redis: client, config: config, logger: logger}
}

// AllowCreate counts a payment creation by patientID.
func (v *VelocityChecker) AllowCreate(ctx context.Context, patientID string) error {
	if v == nil || v.config.MaxCreatesPerPatient <= 0 {
		return nil
	}
	key := fmt.Sprintf("velocity:payment_create:%s", patientID)
	if !v.allow(ctx, "create", key, v.config.MaxCreatesPerPatient, v.config.CreateWindow) {
		return ErrTooManyPaymentAttempts
	}
	return nil
}

// AllowRefund counts a refund request against paymentID.
func (v *VelocityChecker) AllowRefund(ctx context.Context, paymentID string) error {
	if v == nil || v.config.MaxRefundsPerPayment <= 0 {
		return nil
	}
	key := fmt.Sprintf("velocity:refund:%s", paymentID)
	if !v.allow(ctx, "refund", key, v.config.MaxRefundsPerPayment, v.config.RefundWindow) {
		return ErrTooManyRefunds
	}
	return nil
}

func (v *VelocityChecker) allow(ctx context.Context, checkType, key string, max int, window time.Duration) bool {
	if v.redis == nil {
		return true
	}
	ctx, span := velocityTracer.Start(ctx, "velocity.check_"+checkType)
	defer span.End()
	span.SetAttributes(attribute.String("velocity.check_type", checkType))

	count, err := v.incrementAndGet(ctx, key, window)
	if err != nil {
		v.logger.Error("velocity check failed", "error", err, "key", key)
		return true
	}
	if count > max {
		v.logger.Warn("payment velocity exceeded",
			"check_type", checkType,
			"key", key,
			"count", count,
			"max", max,
		)
		span.SetAttributes(attribute.Bool("velocity.exceeded", true))
		return false
	}
	return true
}

// incrementAndGet bumps the counter and starts its window on first use.
func (v *VelocityChecker) incrementAndGet(ctx context.Context, key string, window time.Duration) (int, error) {
	count, err := v.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := v.redis.Expire(ctx, key, window).Err(); err != nil {
			return 0, err
		}
	}
	return int(count), nil
}

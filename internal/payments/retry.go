package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payments: %s api status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// retryable reports whether a failed call may succeed when repeated with
// the same idempotency key.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return false
	}
	// Transport failures and per-attempt timeouts.
	return true
}

// RetryPolicy bounds remote gateway calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	return p
}

// retryGateway retries create, verify and refund calls with exponential
// backoff. Every attempt of one call reuses the request's idempotency key.
type retryGateway struct {
	Gateway
	policy  RetryPolicy
	metrics *metrics.BookingMetrics
	logger  *logging.Logger
	sleep   func(context.Context, time.Duration) error
}

// WithRetry wraps g with the bounded retry policy.
func WithRetry(g Gateway, policy RetryPolicy, m *metrics.BookingMetrics, logger *logging.Logger) Gateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &retryGateway{
		Gateway: g,
		policy:  policy.normalized(),
		metrics: m,
		logger:  logger,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *retryGateway) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if g.policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, g.policy.Timeout)
		}
		start := time.Now()
		err = fn(attemptCtx)
		cancel()
		g.metrics.ObserveGatewayCall(g.Name(), operation, err, time.Since(start).Seconds())
		if err == nil || !retryable(err) || attempt == g.policy.MaxAttempts {
			break
		}

		delay := g.policy.BaseDelay << (attempt - 1)
		g.logger.Warn("gateway call failed, retrying",
			"gateway", g.Name(),
			"operation", operation,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if serr := g.sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}

func (g *retryGateway) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	var out *CreateResult
	err := g.call(ctx, "create", func(ctx context.Context) error {
		var err error
		out, err = g.Gateway.CreatePayment(ctx, req)
		return err
	})
	return out, err
}

func (g *retryGateway) VerifyPayment(ctx context.Context, transactionID string) (*VerifyResult, error) {
	var out *VerifyResult
	err := g.call(ctx, "verify", func(ctx context.Context) error {
		var err error
		out, err = g.Gateway.VerifyPayment(ctx, transactionID)
		return err
	})
	return out, err
}

func (g *retryGateway) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	var out *RefundResult
	err := g.call(ctx, "refund", func(ctx context.Context) error {
		var err error
		out, err = g.Gateway.ProcessRefund(ctx, req)
		return err
	})
	return out, err
}

package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// flakyGateway fails the first n create calls with err.
type flakyGateway struct {
	fakeGateway
	failures int
	err      error
	keys     []string
}

func (g *flakyGateway) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	g.keys = append(g.keys, req.IdempotencyKey)
	if len(g.keys) <= g.failures {
		return nil, g.err
	}
	return &CreateResult{TransactionID: "pi_1", OrderID: "pi_1"}, nil
}

func newRetry(g Gateway, attempts int) (*retryGateway, *[]time.Duration) {
	var delays []time.Duration
	rg := WithRetry(g, RetryPolicy{MaxAttempts: attempts, BaseDelay: 100 * time.Millisecond}, metrics.NewBookingMetrics(prometheus.NewRegistry()), logging.Discard()).(*retryGateway)
	rg.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return rg, &delays
}

func TestRetryGateway_RetriesTransientFailures(t *testing.T) {
	g := &flakyGateway{fakeGateway: fakeGateway{name: GatewayStripe}, failures: 2, err: &APIError{Provider: "stripe", StatusCode: http.StatusServiceUnavailable}}
	rg, delays := newRetry(g, 3)

	res, err := rg.CreatePayment(context.Background(), CreateRequest{IdempotencyKey: "payment-1"})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", res.TransactionID)
	assert.Equal(t, []string{"payment-1", "payment-1", "payment-1"}, g.keys)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
}

func TestRetryGateway_GivesUpAfterMaxAttempts(t *testing.T) {
	g := &flakyGateway{fakeGateway: fakeGateway{name: GatewayStripe}, failures: 5, err: errors.New("dial tcp: connection refused")}
	rg, _ := newRetry(g, 3)

	_, err := rg.CreatePayment(context.Background(), CreateRequest{})
	assert.Error(t, err)
	assert.Len(t, g.keys, 3)
}

func TestRetryGateway_DoesNotRetryClientErrors(t *testing.T) {
	g := &flakyGateway{fakeGateway: fakeGateway{name: GatewayStripe}, failures: 1, err: &APIError{Provider: "stripe", StatusCode: http.StatusPaymentRequired}}
	rg, delays := newRetry(g, 3)

	_, err := rg.CreatePayment(context.Background(), CreateRequest{})
	assert.Error(t, err)
	assert.Len(t, g.keys, 1)
	assert.Empty(t, *delays)
}

func TestRetryGateway_PassesThroughWebhooks(t *testing.T) {
	inner := &fakeGateway{name: GatewayStripe, webhookEvent: &WebhookEvent{EventID: "evt_1"}}
	rg, _ := newRetry(inner, 3)

	evt, err := rg.VerifyWebhook(context.Background(), WebhookRequest{Signature: "valid"})
	require.NoError(t, err)
	assert.Equal(t, "evt_1", evt.EventID)
	assert.Equal(t, GatewayStripe, rg.Name())
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(nil))
	assert.False(t, retryable(context.Canceled))
	assert.True(t, retryable(context.DeadlineExceeded))
	assert.True(t, retryable(&APIError{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, retryable(&APIError{StatusCode: http.StatusBadGateway}))
	assert.False(t, retryable(&APIError{StatusCode: http.StatusNotFound}))
	assert.False(t, retryable(ErrManualSettlement))
}

package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/pkg/logging"
)

func newTestStripe(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewStripeGateway(StripeConfig{SecretKey: "sk_test", WebhookSecret: "whsec", BaseURL: srv.URL}, logging.Discard())
}

func TestStripeGateway_CreatePayment(t *testing.T) {
	var form url.Values
	gw := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "payment-123", r.Header.Get("Idempotency-Key"))
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","status":"requires_payment_method"}`))
	})

	res, err := gw.CreatePayment(context.Background(), CreateRequest{
		AmountCents:    2500,
		Currency:       "USD",
		Receipt:        "appointment-1",
		Metadata:       map[string]string{"payment_id": "123"},
		IdempotencyKey: "payment-123",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", res.TransactionID)
	assert.Equal(t, "pi_123", res.OrderID)
	assert.Contains(t, string(res.Raw), "requires_payment_method")

	assert.Equal(t, "2500", form.Get("amount"))
	assert.Equal(t, "usd", form.Get("currency"))
	assert.Equal(t, "123", form.Get("metadata[payment_id]"))
	assert.Equal(t, "true", form.Get("automatic_payment_methods[enabled]"))
}

func TestStripeGateway_APIError(t *testing.T) {
	gw := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad amount"}}`))
	})

	_, err := gw.CreatePayment(context.Background(), CreateRequest{AmountCents: 1, Currency: "usd"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, retryable(err))
}

func TestStripeGateway_VerifyPayment(t *testing.T) {
	tests := map[string]Status{
		"succeeded":               StatusCompleted,
		"canceled":                StatusFailed,
		"requires_payment_method": StatusPending,
	}
	for remote, want := range tests {
		t.Run(remote, func(t *testing.T) {
			gw := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/payment_intents/pi_1", r.URL.Path)
				fmt.Fprintf(w, `{"id":"pi_1","status":%q}`, remote)
			})
			res, err := gw.VerifyPayment(context.Background(), "pi_1")
			require.NoError(t, err)
			assert.Equal(t, want, res.Status)
		})
	}
}

func TestStripeGateway_ProcessRefund(t *testing.T) {
	gw := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		assert.Equal(t, "refund-9", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "pi_1", r.PostForm.Get("payment_intent"))
		assert.Equal(t, "400", r.PostForm.Get("amount"))
		_, _ = w.Write([]byte(`{"id":"re_1","status":"succeeded"}`))
	})

	res, err := gw.ProcessRefund(context.Background(), RefundRequest{TransactionID: "pi_1", AmountCents: 400, IdempotencyKey: "refund-9"})
	require.NoError(t, err)
	assert.Equal(t, "re_1", res.RefundID)
}

func TestStripeGateway_ProcessRefundFailedStatus(t *testing.T) {
	gw := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"re_1","status":"failed"}`))
	})

	_, err := gw.ProcessRefund(context.Background(), RefundRequest{TransactionID: "pi_1", AmountCents: 400})
	assert.Error(t, err)
}

func stripeSignature(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeGateway_VerifyWebhook(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	gw := NewStripeGateway(StripeConfig{WebhookSecret: "whsec"}, logging.Discard())
	gw.now = func() time.Time { return now }

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent","status":"succeeded"}}}`)
	evt, err := gw.VerifyWebhook(context.Background(), WebhookRequest{
		Payload:   payload,
		Signature: stripeSignature("whsec", now.Unix(), payload),
	})
	require.NoError(t, err)
	assert.Equal(t, "evt_1", evt.EventID)
	assert.Equal(t, "pi_1", evt.TransactionID)
	assert.Equal(t, StatusCompleted, evt.Status)

	charge := []byte(`{"id":"evt_2","type":"charge.failed","data":{"object":{"id":"ch_1","object":"charge","payment_intent":"pi_2"}}}`)
	evt, err = gw.VerifyWebhook(context.Background(), WebhookRequest{
		Payload:   charge,
		Signature: stripeSignature("whsec", now.Unix(), charge),
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_2", evt.TransactionID)
	assert.Equal(t, StatusFailed, evt.Status)

	other := []byte(`{"id":"evt_3","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`)
	evt, err = gw.VerifyWebhook(context.Background(), WebhookRequest{
		Payload:   other,
		Signature: stripeSignature("whsec", now.Unix(), other),
	})
	require.NoError(t, err)
	assert.Empty(t, evt.Status)
}

func TestStripeGateway_VerifyWebhookRejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)

	tests := []struct {
		name   string
		secret string
		header string
	}{
		{name: "wrong secret", secret: "whsec", header: stripeSignature("other", now.Unix(), payload)},
		{name: "stale timestamp", secret: "whsec", header: stripeSignature("whsec", now.Add(-10*time.Minute).Unix(), payload)},
		{name: "missing header", secret: "whsec", header: ""},
		{name: "malformed header", secret: "whsec", header: "garbage"},
		{name: "no secret configured", secret: "", header: stripeSignature("", now.Unix(), payload)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := NewStripeGateway(StripeConfig{WebhookSecret: tt.secret}, logging.Discard())
			gw.now = func() time.Time { return now }
			_, err := gw.VerifyWebhook(context.Background(), WebhookRequest{Payload: payload, Signature: tt.header})
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

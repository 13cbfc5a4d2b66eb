package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking/pkg/logging"
)

var stripeTracer = otel.Tracer("clinic.internal.payments.stripe")

// stripeSignatureTolerance bounds the age of a signed webhook.
const stripeSignatureTolerance = 5 * time.Minute

// StripeConfig configures the Stripe PaymentIntents gateway.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	APIVersion    string
	Timeout       time.Duration
}

// StripeGateway creates PaymentIntents and refunds through the Stripe API.
type StripeGateway struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	apiVersion    string
	httpClient    *http.Client
	now           func() time.Time
	logger        *logging.Logger
}

func NewStripeGateway(cfg StripeConfig, logger *logging.Logger) *StripeGateway {
	if logger == nil {
		logger = logging.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = "2024-12-18.acacia"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StripeGateway{
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       baseURL,
		apiVersion:    apiVersion,
		httpClient:    &http.Client{Timeout: timeout},
		now:           time.Now,
		logger:        logger,
	}
}

// WithHTTPClient overrides the HTTP client (for testing).
func (s *StripeGateway) WithHTTPClient(client *http.Client) *StripeGateway {
	if client != nil {
		s.httpClient = client
	}
	return s
}

func (s *StripeGateway) Name() string { return GatewayStripe }

type stripePaymentIntent struct {
	ID           string            `json:"id"`
	Object       string            `json:"object"`
	Status       string            `json:"status"`
	ClientSecret string            `json:"client_secret"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata"`
}

func (s *StripeGateway) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string) ([]byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("payments: stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", s.apiVersion)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payments: stripe http: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("payments: stripe read: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &APIError{Provider: GatewayStripe, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// CreatePayment creates a PaymentIntent. The intent id serves as both the
// order and the transaction id.
func (s *StripeGateway) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_payment_intent")
	defer span.End()
	span.SetAttributes(attribute.Int64("booking.amount_cents", req.AmountCents))

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	if req.Receipt != "" {
		form.Set("description", req.Receipt)
		form.Set("metadata[receipt]", req.Receipt)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	raw, err := s.do(ctx, http.MethodPost, "/v1/payment_intents", form, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	var intent stripePaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("payments: stripe decode: %w", err)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("payments: stripe response missing payment intent id")
	}
	return &CreateResult{TransactionID: intent.ID, OrderID: intent.ID, Raw: raw}, nil
}

func (s *StripeGateway) VerifyPayment(ctx context.Context, transactionID string) (*VerifyResult, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.retrieve_payment_intent")
	defer span.End()
	span.SetAttributes(attribute.String("booking.transaction_id", transactionID))

	raw, err := s.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(transactionID), nil, "")
	if err != nil {
		return nil, err
	}
	var intent stripePaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("payments: stripe decode: %w", err)
	}
	status := NormalizeStatus(intent.Status)
	if status == "" {
		status = StatusPending
	}
	return &VerifyResult{Status: status, Raw: raw}, nil
}

func (s *StripeGateway) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.transaction_id", req.TransactionID),
		attribute.Int64("booking.amount_cents", req.AmountCents),
	)

	form := url.Values{}
	form.Set("payment_intent", req.TransactionID)
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("reason", "requested_by_customer")
	if req.Reason != "" {
		form.Set("metadata[reason]", req.Reason)
	}

	raw, err := s.do(ctx, http.MethodPost, "/v1/refunds", form, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("payments: stripe decode: %w", err)
	}
	if parsed.Status == "failed" || parsed.Status == "canceled" {
		return nil, fmt.Errorf("payments: stripe refund %s is %s", parsed.ID, parsed.Status)
	}
	return &RefundResult{RefundID: parsed.ID, Raw: raw}, nil
}

type stripeWebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string `json:"id"`
			Object        string `json:"object"`
			Status        string `json:"status"`
			PaymentIntent string `json:"payment_intent"`
		} `json:"object"`
	} `json:"data"`
}

func (s *StripeGateway) VerifyWebhook(ctx context.Context, req WebhookRequest) (*WebhookEvent, error) {
	if !verifyStripeSignature(s.webhookSecret, req.Payload, req.Signature, s.now()) {
		return nil, ErrInvalidSignature
	}
	var evt stripeWebhookEvent
	if err := json.Unmarshal(req.Payload, &evt); err != nil {
		return nil, fmt.Errorf("payments: stripe event decode: %w", err)
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("payments: stripe event missing id")
	}

	obj := evt.Data.Object
	transactionID := obj.PaymentIntent
	if obj.Object == "payment_intent" || transactionID == "" {
		transactionID = obj.ID
	}

	var status Status
	switch evt.Type {
	case "payment_intent.succeeded", "charge.succeeded", "charge.captured":
		status = StatusCompleted
	case "payment_intent.payment_failed", "charge.failed":
		status = StatusFailed
	}
	return &WebhookEvent{
		EventID:       evt.ID,
		Type:          evt.Type,
		TransactionID: transactionID,
		OrderID:       transactionID,
		Status:        status,
		Raw:           req.Payload,
	}, nil
}

// verifyStripeSignature checks a "t=...,v1=..." header against
// HMAC-SHA256(secret, "timestamp.payload").
func verifyStripeSignature(secret string, payload []byte, header string, now time.Time) bool {
	if secret == "" || header == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > stripeSignatureTolerance || age < -stripeSignatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}

package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

var squareTracer = otel.Tracer("clinic.internal.payments.square")

// SquareConfig configures the Square gateway.
type SquareConfig struct {
	AccessToken  string
	LocationID   string
	BaseURL      string
	Version      string
	SignatureKey string
	// WebhookURL is the notification URL registered with Square. When empty
	// the URL of the inbound request is used.
	WebhookURL string
	Timeout    time.Duration
}

// SquareGateway collects payments through hosted payment links. The link's
// order id is known at creation; the payment id arrives by webhook.
type SquareGateway struct {
	accessToken  string
	locationID   string
	baseURL      string
	version      string
	signatureKey string
	webhookURL   string
	httpClient   *http.Client
	logger       *logging.Logger
}

func NewSquareGateway(cfg SquareConfig, logger *logging.Logger) *SquareGateway {
	if logger == nil {
		logger = logging.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://connect.squareup.com"
	}
	version := cfg.Version
	if version == "" {
		version = "2025-01-16"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SquareGateway{
		accessToken:  cfg.AccessToken,
		locationID:   cfg.LocationID,
		baseURL:      baseURL,
		version:      version,
		signatureKey: cfg.SignatureKey,
		webhookURL:   cfg.WebhookURL,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

// WithHTTPClient overrides the HTTP client (for testing).
func (s *SquareGateway) WithHTTPClient(client *http.Client) *SquareGateway {
	if client != nil {
		s.httpClient = client
	}
	return s
}

func (s *SquareGateway) Name() string { return GatewaySquare }

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squarePayment struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	OrderID     string      `json:"order_id"`
	AmountMoney squareMoney `json:"amount_money"`
}

func (s *SquareGateway) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("payments: square payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("payments: square request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Square-Version", s.version)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payments: square http: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("payments: square read: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &APIError{Provider: GatewaySquare, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

var errSquareNoLocation = apperr.Gateway("Square location is not configured", nil)

// CreatePayment creates a hosted payment link for the amount.
func (s *SquareGateway) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if s.locationID == "" {
		return nil, errSquareNoLocation
	}
	ctx, span := squareTracer.Start(ctx, "square.create_payment_link")
	defer span.End()
	span.SetAttributes(attribute.Int64("booking.amount_cents", req.AmountCents))

	name := req.Receipt
	if strings.TrimSpace(name) == "" {
		name = "Consultation"
	}
	body := map[string]any{
		"idempotency_key": req.IdempotencyKey,
		"order": map[string]any{
			"location_id":  s.locationID,
			"reference_id": req.Receipt,
			"metadata":     req.Metadata,
			"line_items": []map[string]any{
				{
					"name":     name,
					"quantity": "1",
					"base_price_money": squareMoney{
						Amount:   req.AmountCents,
						Currency: strings.ToUpper(req.Currency),
					},
				},
			},
		},
	}

	raw, err := s.do(ctx, http.MethodPost, "/v2/online-checkout/payment-links", body)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		PaymentLink struct {
			ID      string `json:"id"`
			URL     string `json:"url"`
			OrderID string `json:"order_id"`
		} `json:"payment_link"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("payments: square decode: %w", err)
	}
	if parsed.PaymentLink.OrderID == "" {
		return nil, fmt.Errorf("payments: square response missing order id")
	}
	return &CreateResult{OrderID: parsed.PaymentLink.OrderID, Raw: raw}, nil
}

func (s *SquareGateway) VerifyPayment(ctx context.Context, transactionID string) (*VerifyResult, error) {
	ctx, span := squareTracer.Start(ctx, "square.get_payment")
	defer span.End()
	span.SetAttributes(attribute.String("booking.transaction_id", transactionID))

	raw, err := s.do(ctx, http.MethodGet, "/v2/payments/"+url.PathEscape(transactionID), nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Payment squarePayment `json:"payment"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("payments: square decode: %w", err)
	}
	status := NormalizeStatus(parsed.Payment.Status)
	if status == "" {
		status = StatusPending
	}
	return &VerifyResult{Status: status, Raw: raw}, nil
}

func (s *SquareGateway) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	ctx, span := squareTracer.Start(ctx, "square.refund_payment")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.transaction_id", req.TransactionID),
		attribute.Int64("booking.amount_cents", req.AmountCents),
	)

	body := map[string]any{
		"idempotency_key": req.IdempotencyKey,
		"payment_id":      req.TransactionID,
		"amount_money": squareMoney{
			Amount:   req.AmountCents,
			Currency: strings.ToUpper(req.Currency),
		},
	}
	if req.Reason != "" {
		body["reason"] = req.Reason
	}

	raw, err := s.do(ctx, http.MethodPost, "/v2/refunds", body)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Refund struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"refund"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("payments: square decode: %w", err)
	}
	switch parsed.Refund.Status {
	case "FAILED", "REJECTED":
		return nil, fmt.Errorf("payments: square refund %s is %s", parsed.Refund.ID, parsed.Refund.Status)
	}
	return &RefundResult{RefundID: parsed.Refund.ID, Raw: raw}, nil
}

type squarePaymentEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		Object struct {
			Payment squarePayment `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

func (s *SquareGateway) VerifyWebhook(ctx context.Context, req WebhookRequest) (*WebhookEvent, error) {
	notificationURL := s.webhookURL
	if notificationURL == "" {
		notificationURL = req.URL
	}
	if !verifySquareSignature(s.signatureKey, notificationURL, req.Payload, req.Signature) {
		return nil, ErrInvalidSignature
	}
	var evt squarePaymentEvent
	if err := json.Unmarshal(req.Payload, &evt); err != nil {
		return nil, fmt.Errorf("payments: square event decode: %w", err)
	}
	if evt.EventID == "" {
		return nil, fmt.Errorf("payments: square event missing id")
	}
	payment := evt.Data.Object.Payment
	return &WebhookEvent{
		EventID:       evt.EventID,
		Type:          evt.Type,
		TransactionID: payment.ID,
		OrderID:       payment.OrderID,
		Status:        NormalizeStatus(payment.Status),
		Raw:           req.Payload,
	}, nil
}

// verifySquareSignature checks base64(HMAC-SHA1(key, url+body)).
func verifySquareSignature(key, notificationURL string, body []byte, header string) bool {
	if key == "" || header == "" {
		return false
	}
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(notificationURL + string(body)))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}

// absoluteURL rebuilds the public URL of r behind a proxy.
func absoluteURL(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}

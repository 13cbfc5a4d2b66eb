package payments

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/wolfman30/clinic-booking/internal/apperr"
)

// Gateway names stored on payments.
const (
	GatewayOffline = "offline"
	GatewayStripe  = "stripe"
	GatewaySquare  = "square"
)

var (
	ErrUnknownGateway   = apperr.Validation("Unsupported payment gateway")
	ErrInvalidSignature = apperr.Unauthorized("Invalid webhook signature")
	ErrNoWebhooks       = apperr.NotFound("Gateway does not accept webhooks")
)

// CreateRequest opens a remote order or intent.
type CreateRequest struct {
	AmountCents    int64
	Currency       string
	Receipt        string
	Metadata       map[string]string
	IdempotencyKey string
}

// CreateResult carries the remote correlation ids.
type CreateResult struct {
	TransactionID string
	OrderID       string
	Raw           json.RawMessage
}

// VerifyResult is the provider's current view of a transaction.
type VerifyResult struct {
	Status Status
	Raw    json.RawMessage
}

// RefundRequest returns money for a settled transaction.
type RefundRequest struct {
	TransactionID  string
	AmountCents    int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

type RefundResult struct {
	RefundID string
	Raw      json.RawMessage
}

// WebhookRequest is an inbound notification as received.
type WebhookRequest struct {
	Payload   []byte
	Signature string
	// URL is the absolute notification URL, signed by some providers.
	URL string
}

// WebhookEvent is a verified notification normalized across providers.
// Status is empty when the event does not move a payment.
type WebhookEvent struct {
	EventID       string
	Type          string
	TransactionID string
	OrderID       string
	Status        Status
	Raw           json.RawMessage
}

// Gateway is the capability set every payment provider implements.
type Gateway interface {
	Name() string
	CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error)
	VerifyPayment(ctx context.Context, transactionID string) (*VerifyResult, error)
	ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	VerifyWebhook(ctx context.Context, req WebhookRequest) (*WebhookEvent, error)
}

// manualSettler is implemented by gateways whose status is advanced by
// staff instead of by the provider.
type manualSettler interface {
	SettlesManually() bool
}

func settlesManually(g Gateway) bool {
	m, ok := g.(manualSettler)
	return ok && m.SettlesManually()
}

// OfflineGateway represents pay-in-person. It never calls out.
type OfflineGateway struct{}

func (OfflineGateway) Name() string { return GatewayOffline }

func (OfflineGateway) SettlesManually() bool { return true }

func (OfflineGateway) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	return &CreateResult{}, nil
}

func (OfflineGateway) VerifyPayment(ctx context.Context, transactionID string) (*VerifyResult, error) {
	return nil, ErrManualSettlement
}

// ProcessRefund succeeds locally; cash is returned at the desk.
func (OfflineGateway) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	return &RefundResult{}, nil
}

func (OfflineGateway) VerifyWebhook(ctx context.Context, req WebhookRequest) (*WebhookEvent, error) {
	return nil, ErrNoWebhooks
}

// Registry selects a gateway by the name stored on a payment. The offline
// gateway is always present.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: map[string]Gateway{GatewayOffline: OfflineGateway{}}}
	for _, g := range gateways {
		if g != nil {
			r.gateways[strings.ToLower(g.Name())] = g
		}
	}
	return r
}

// Get returns the gateway registered under name.
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrUnknownGateway
	}
	return g, nil
}

// Names lists registered gateways in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

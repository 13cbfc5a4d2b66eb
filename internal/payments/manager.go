package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/internal/appointments"
	"github.com/wolfman30/clinic-booking/internal/audit"
	"github.com/wolfman30/clinic-booking/internal/events"
	"github.com/wolfman30/clinic-booking/internal/identity"
	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

var paymentsTracer = otel.Tracer("clinic.internal.payments")

var (
	errNotPaymentParty   = apperr.Forbidden("Not authorized to access this payment")
	errOnlineStatusWrite = apperr.Validation("Status of online payments is set by the gateway")
	errRefundViaEndpoint = apperr.Validation("Use the refund endpoint to refund a payment")
	errInvalidStatus     = apperr.Validation("Invalid payment status")
	errGatewayRequired   = apperr.Validation("paymentGateway is required")
	errRefundResolved    = apperr.State("Refund does not need reconciliation")
)

const errCapturedAfterCancel = "captured after cancellation, refund required"

// Store is the persistence surface of the manager.
type Store interface {
	Insert(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetActiveByAppointment(ctx context.Context, appointmentID string) (*Payment, error)
	GetByGatewayRef(ctx context.Context, gateway, ref string) (*Payment, error)
	Update(ctx context.Context, p *Payment, expected Status) error
	Settle(ctx context.Context, p *Payment, expected Status, evt *events.PaymentSettledV1) error
	RecordRefund(ctx context.Context, p *Payment, expected Status, previousRemaining int64, refund *Refund, evt *events.PaymentRefundedV1) error
	GetRefund(ctx context.Context, paymentID, refundID string) (*Refund, error)
	ResolveRefund(ctx context.Context, p *Payment, refund *Refund) error
	ListRefunds(ctx context.Context, paymentID string) ([]Refund, error)
}

// AppointmentSource loads the appointment a payment belongs to.
type AppointmentSource interface {
	Get(ctx context.Context, id string) (*appointments.Appointment, error)
}

// AuditLogger records staff actions on payments.
type AuditLogger interface {
	LogPaymentAction(ctx context.Context, eventType audit.EventType, actorID, actorRole string, details audit.PaymentDetails) error
}

// CreateInput is a patient's request to pay for an appointment.
type CreateInput struct {
	AppointmentID string
	Gateway       string
}

// RefundInput requests a refund. Zero AmountCents refunds the full
// remaining amount.
type RefundInput struct {
	AmountCents int64
	Reason      string
}

type ManagerOption func(*Manager)

func WithVelocity(v *VelocityChecker) ManagerOption {
	return func(m *Manager) { m.velocity = v }
}

func WithAuditLogger(a AuditLogger) ManagerOption {
	return func(m *Manager) { m.auditor = a }
}

func WithMetrics(bm *metrics.BookingMetrics) ManagerOption {
	return func(m *Manager) { m.metrics = bm }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager runs the payment lifecycle of appointments: one live payment per
// appointment, settled by verification, webhook or staff, refunded in parts.
type Manager struct {
	store    Store
	appts    AppointmentSource
	registry *Registry
	velocity *VelocityChecker
	auditor  AuditLogger
	metrics  *metrics.BookingMetrics
	now      func() time.Time
	logger   *logging.Logger
}

func NewManager(store Store, appts AppointmentSource, registry *Registry, logger *logging.Logger, opts ...ManagerOption) *Manager {
	if store == nil || appts == nil {
		panic("payments: store and appointment source required")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = logging.Default()
	}
	m := &Manager{
		store:    store,
		appts:    appts,
		registry: registry,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func canView(actor identity.Actor, p *Payment) bool {
	switch actor.Role {
	case identity.RoleAdmin:
		return true
	case identity.RoleDoctor:
		return p.DoctorID == actor.ID
	case identity.RolePatient:
		return p.PatientID == actor.ID
	}
	return false
}

// canManage covers the staff who may settle offline payments and refund.
func canManage(actor identity.Actor, p *Payment) bool {
	return actor.IsAdmin() || (actor.IsDoctor() && p.DoctorID == actor.ID)
}

// Get returns a payment visible to actor.
func (m *Manager) Get(ctx context.Context, actor identity.Actor, id string) (*Payment, error) {
	p, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, p) {
		return nil, errNotPaymentParty
	}
	return p, nil
}

// ListRefunds returns the refund history of a payment visible to actor.
func (m *Manager) ListRefunds(ctx context.Context, actor identity.Actor, id string) ([]Refund, error) {
	if _, err := m.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return m.store.ListRefunds(ctx, id)
}

// Create returns the appointment's live payment, opening one when none
// exists, and starts the remote order for online gateways. The bool reports
// whether a new payment record was created.
func (m *Manager) Create(ctx context.Context, actor identity.Actor, in CreateInput) (*Payment, bool, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.create")
	defer span.End()
	span.SetAttributes(attribute.String("booking.appointment_id", in.AppointmentID))

	p, created, err := m.create(ctx, actor, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return nil, false, err
	}
	span.SetAttributes(
		attribute.String("booking.payment_id", p.ID),
		attribute.String("booking.gateway", p.Gateway),
		attribute.Bool("booking.payment_created", created),
	)
	return p, created, nil
}

func (m *Manager) create(ctx context.Context, actor identity.Actor, in CreateInput) (*Payment, bool, error) {
	if strings.TrimSpace(in.AppointmentID) == "" {
		return nil, false, apperr.Validation("appointmentId is required")
	}
	a, err := m.appts.Get(ctx, in.AppointmentID)
	if err != nil {
		return nil, false, err
	}
	if !actor.IsPatient() || a.PatientID != actor.ID {
		return nil, false, apperr.Forbidden("Only the patient who booked can pay for this appointment")
	}
	if a.Status == appointments.StatusCancelled {
		return nil, false, apperr.State("Cannot pay for a cancelled appointment")
	}
	gatewayName := strings.ToLower(strings.TrimSpace(in.Gateway))
	if gatewayName == "" {
		gatewayName = a.PaymentGateway
	}
	if gatewayName == "" {
		return nil, false, errGatewayRequired
	}
	if err := m.velocity.AllowCreate(ctx, actor.ID); err != nil {
		return nil, false, err
	}

	p, created, err := m.open(ctx, a, gatewayName)
	if err != nil {
		return nil, false, err
	}
	if err := m.dispatch(ctx, p); err != nil {
		return nil, false, err
	}
	return p, created, nil
}

// SupportsGateway reports whether name is a registered gateway.
func (m *Manager) SupportsGateway(name string) bool {
	_, err := m.registry.Get(name)
	return err == nil
}

// OpenForAppointment opens the local payment record when a patient books
// with a chosen gateway. The remote order is created on the first explicit
// payment request.
func (m *Manager) OpenForAppointment(ctx context.Context, a *appointments.Appointment) error {
	_, _, err := m.open(ctx, a, a.PaymentGateway)
	return err
}

// open reuses the appointment's live payment or inserts a new PENDING one.
// Only a cancelled predecessor allows a new record.
func (m *Manager) open(ctx context.Context, a *appointments.Appointment, gatewayName string) (*Payment, bool, error) {
	gw, err := m.registry.Get(gatewayName)
	if err != nil {
		return nil, false, err
	}

	existing, err := m.store.GetActiveByAppointment(ctx, a.ID)
	switch {
	case err == nil:
		return m.reuse(ctx, existing, gw.Name())
	case !errors.Is(err, ErrPaymentNotFound):
		return nil, false, err
	}

	p := &Payment{
		ID:                    uuid.NewString(),
		AppointmentID:         a.ID,
		PatientID:             a.PatientID,
		DoctorID:              a.DoctorID,
		Gateway:               gw.Name(),
		AmountCents:           a.ConsultationFeeCents,
		Currency:              a.Currency,
		Status:                StatusPending,
		RefundAmountRemaining: a.ConsultationFeeCents,
	}
	if err := m.store.Insert(ctx, p); err != nil {
		if !errors.Is(err, ErrPaymentExists) {
			return nil, false, err
		}
		// A concurrent request won the insert.
		existing, err := m.store.GetActiveByAppointment(ctx, a.ID)
		if err != nil {
			return nil, false, err
		}
		return m.reuse(ctx, existing, gw.Name())
	}
	m.metrics.ObservePayment(p.Gateway, string(p.Status))
	m.logger.Info("payment opened",
		"payment_id", p.ID,
		"appointment_id", p.AppointmentID,
		"gateway", p.Gateway,
		"amount_cents", p.AmountCents,
	)
	return p, true, nil
}

// reuse switches an untouched pending payment to the requested gateway.
// Payments already correlated with a provider keep their gateway.
func (m *Manager) reuse(ctx context.Context, p *Payment, gatewayName string) (*Payment, bool, error) {
	if p.Gateway == gatewayName || p.Status != StatusPending || p.GatewayOrderID != "" || p.TransactionID != "" {
		return p, false, nil
	}
	from := p.Gateway
	p.Gateway = gatewayName
	p.GatewayError = ""
	if err := m.store.Update(ctx, p, StatusPending); err != nil {
		if errors.Is(err, ErrPaymentModified) {
			fresh, gerr := m.store.Get(ctx, p.ID)
			return fresh, false, gerr
		}
		return nil, false, err
	}
	m.logger.Info("payment gateway switched", "payment_id", p.ID, "from", from, "to", gatewayName)
	return p, false, nil
}

// dispatch creates the remote order once. A payment that already carries a
// gateway order id is never sent again.
func (m *Manager) dispatch(ctx context.Context, p *Payment) error {
	gw, err := m.registry.Get(p.Gateway)
	if err != nil {
		return err
	}
	if settlesManually(gw) || p.Status != StatusPending || p.GatewayOrderID != "" {
		return nil
	}

	res, err := gw.CreatePayment(ctx, CreateRequest{
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		Receipt:     "appointment-" + p.AppointmentID,
		Metadata: map[string]string{
			"payment_id":     p.ID,
			"appointment_id": p.AppointmentID,
			"patient_id":     p.PatientID,
			"doctor_id":      p.DoctorID,
		},
		IdempotencyKey: "payment-" + p.ID,
	})
	if err != nil {
		m.logger.Error("gateway create payment failed", "payment_id", p.ID, "gateway", p.Gateway, "error", err)
		p.GatewayError = err.Error()
		if uerr := m.store.Update(ctx, p, StatusPending); uerr != nil {
			m.logger.Error("failed to record gateway error", "payment_id", p.ID, "error", uerr)
		}
		return apperr.Gateway("Payment gateway request failed", err)
	}

	p.TransactionID = res.TransactionID
	p.GatewayOrderID = res.OrderID
	if p.GatewayOrderID == "" {
		p.GatewayOrderID = res.TransactionID
	}
	p.GatewayResponse = res.Raw
	p.GatewayError = ""
	if err := m.store.Update(ctx, p, StatusPending); err != nil {
		if errors.Is(err, ErrPaymentModified) {
			fresh, gerr := m.store.Get(ctx, p.ID)
			if gerr != nil {
				return gerr
			}
			*p = *fresh
			return nil
		}
		return err
	}
	m.logger.Info("gateway order created",
		"payment_id", p.ID,
		"gateway", p.Gateway,
		"transaction_id", p.TransactionID,
		"gateway_order_id", p.GatewayOrderID,
	)
	return nil
}

// CancelPendingForAppointment cancels the live payment of a cancelled
// appointment while no money has moved.
func (m *Manager) CancelPendingForAppointment(ctx context.Context, appointmentID string) error {
	p, err := m.store.GetActiveByAppointment(ctx, appointmentID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Status != StatusPending {
		return nil
	}
	err = m.settle(ctx, p, StatusPending, StatusCancelled)
	if errors.Is(err, ErrPaymentModified) {
		m.logger.Warn("payment changed while cancelling, left as is", "payment_id", p.ID)
		return nil
	}
	return err
}

// settle moves p from expected to status and mirrors it onto the
// appointment in one write.
func (m *Manager) settle(ctx context.Context, p *Payment, expected, status Status) error {
	now := m.now().UTC()
	p.Status = status
	if status == StatusCompleted {
		p.PaidAt = &now
		p.GatewayError = ""
	}
	var evt *events.PaymentSettledV1
	if status == StatusCompleted || status == StatusFailed {
		evt = &events.PaymentSettledV1{
			EventID:       uuid.NewString(),
			PaymentID:     p.ID,
			AppointmentID: p.AppointmentID,
			PatientID:     p.PatientID,
			DoctorID:      p.DoctorID,
			Gateway:       p.Gateway,
			Status:        string(status),
			AmountCents:   p.AmountCents,
			Currency:      p.Currency,
			OccurredAt:    now,
		}
	}
	if err := m.store.Settle(ctx, p, expected, evt); err != nil {
		return err
	}
	m.metrics.ObservePayment(p.Gateway, string(status))
	m.logger.Info("payment settled",
		"payment_id", p.ID,
		"appointment_id", p.AppointmentID,
		"from", expected,
		"to", status,
	)
	return nil
}

// Verify asks the gateway for the current state of the transaction and
// settles the payment when it completed or failed. A gateway outage is
// recorded on the payment and returned without an error.
func (m *Manager) Verify(ctx context.Context, actor identity.Actor, id string) (*Payment, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.verify")
	defer span.End()
	span.SetAttributes(attribute.String("booking.payment_id", id))

	p, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !(actor.IsPatient() && p.PatientID == actor.ID) {
		return nil, errNotPaymentParty
	}
	if p.Status != StatusPending {
		return p, nil
	}
	gw, err := m.registry.Get(p.Gateway)
	if err != nil {
		return nil, err
	}
	if settlesManually(gw) {
		return nil, ErrManualSettlement
	}
	if p.TransactionID == "" {
		return nil, ErrNothingToVerify
	}

	res, err := gw.VerifyPayment(ctx, p.TransactionID)
	if err != nil {
		span.RecordError(err)
		m.logger.Warn("gateway verification failed", "payment_id", p.ID, "gateway", p.Gateway, "error", err)
		p.GatewayError = err.Error()
		if uerr := m.store.Update(ctx, p, StatusPending); uerr != nil && !errors.Is(uerr, ErrPaymentModified) {
			return nil, uerr
		}
		return p, nil
	}

	p.GatewayResponse = res.Raw
	switch res.Status {
	case StatusCompleted, StatusFailed:
		err = m.settle(ctx, p, StatusPending, res.Status)
	default:
		err = m.store.Update(ctx, p, StatusPending)
	}
	if errors.Is(err, ErrPaymentModified) {
		// Settled concurrently, most likely by webhook.
		return m.store.Get(ctx, p.ID)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateOfflineStatus lets the assigned doctor or an admin record the
// outcome of a pay-in-person payment.
func (m *Manager) UpdateOfflineStatus(ctx context.Context, actor identity.Actor, id string, status Status) (*Payment, error) {
	p, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canManage(actor, p) {
		return nil, apperr.Forbidden("Only the assigned doctor or an admin can update payment status")
	}
	if !status.Valid() {
		return nil, errInvalidStatus
	}
	gw, err := m.registry.Get(p.Gateway)
	if err != nil {
		return nil, err
	}
	if !settlesManually(gw) {
		return nil, errOnlineStatusWrite
	}
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
	default:
		if status.Refundable() || status == StatusRefunded {
			return nil, errRefundViaEndpoint
		}
		return nil, errInvalidStatus
	}
	if p.Status == status {
		return p, nil
	}
	if p.Status != StatusPending {
		return nil, apperr.State(fmt.Sprintf("Cannot change payment status from %s to %s", p.Status, status))
	}

	from := p.Status
	if err := m.settle(ctx, p, from, status); err != nil {
		return nil, err
	}
	m.audit(ctx, audit.EventPaymentStatusOverride, actor, audit.PaymentDetails{
		PaymentID:  p.ID,
		FromStatus: string(from),
		ToStatus:   string(status),
	})
	return p, nil
}

// Refund returns money from a settled payment. The refund and the reduced
// remaining amount are committed before the gateway is called; a failed
// remote refund is kept on the entry for reconciliation and does not fail
// the request.
func (m *Manager) Refund(ctx context.Context, actor identity.Actor, id string, in RefundInput) (*Payment, *Refund, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.refund")
	defer span.End()
	span.SetAttributes(attribute.String("booking.payment_id", id))

	p, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !canManage(actor, p) {
		return nil, nil, apperr.Forbidden("Only the assigned doctor or an admin can refund this payment")
	}
	amount, err := p.CanRefund(in.AmountCents)
	if err != nil {
		return nil, nil, err
	}
	gw, err := m.registry.Get(p.Gateway)
	if err != nil {
		return nil, nil, err
	}
	if err := m.velocity.AllowRefund(ctx, p.ID); err != nil {
		return nil, nil, err
	}

	expected, previous := p.Status, p.RefundAmountRemaining
	reason := strings.TrimSpace(in.Reason)
	p.applyRefund(amount)
	if reason != "" {
		p.RefundReason = reason
	}
	refund := &Refund{
		ID:          uuid.NewString(),
		PaymentID:   p.ID,
		AmountCents: amount,
		Reason:      reason,
		Status:      RefundStatusPending,
		RequestedBy: actor.ID,
	}
	if settlesManually(gw) {
		refund.Status = RefundStatusManual
	}
	evt := &events.PaymentRefundedV1{
		EventID:        uuid.NewString(),
		PaymentID:      p.ID,
		RefundID:       refund.ID,
		AppointmentID:  p.AppointmentID,
		PatientID:      p.PatientID,
		DoctorID:       p.DoctorID,
		AmountCents:    amount,
		RemainingCents: p.RefundAmountRemaining,
		Currency:       p.Currency,
		Status:         string(p.Status),
		OccurredAt:     m.now().UTC(),
	}
	if err := m.store.RecordRefund(ctx, p, expected, previous, refund, evt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record refund failed")
		return nil, nil, err
	}
	m.metrics.ObservePayment(p.Gateway, string(p.Status))
	m.logger.Info("refund recorded",
		"payment_id", p.ID,
		"refund_id", refund.ID,
		"amount_cents", amount,
		"remaining_cents", p.RefundAmountRemaining,
		"status", p.Status,
	)

	if refund.Status == RefundStatusPending {
		m.attemptRefund(ctx, p, gw, refund)
	}
	span.SetAttributes(attribute.String("booking.refund_status", refund.Status))
	m.audit(ctx, audit.EventRefundIssued, actor, audit.PaymentDetails{
		PaymentID:    p.ID,
		FromStatus:   string(expected),
		ToStatus:     string(p.Status),
		RefundID:     refund.ID,
		AmountCents:  amount,
		Reason:       reason,
		GatewayError: refund.GatewayError,
	})
	return p, refund, nil
}

// attemptRefund calls the gateway for an already recorded refund and stores
// the outcome. Failures are kept on the refund, never returned.
func (m *Manager) attemptRefund(ctx context.Context, p *Payment, gw Gateway, refund *Refund) {
	var (
		res *RefundResult
		err error
	)
	if p.TransactionID == "" {
		err = errors.New("payment has no gateway transaction")
	} else {
		res, err = gw.ProcessRefund(ctx, RefundRequest{
			TransactionID:  p.TransactionID,
			AmountCents:    refund.AmountCents,
			Currency:       p.Currency,
			Reason:         refund.Reason,
			IdempotencyKey: "refund-" + refund.ID,
		})
	}
	if err != nil {
		m.logger.Error("gateway refund failed, kept for reconciliation",
			"payment_id", p.ID,
			"refund_id", refund.ID,
			"gateway", p.Gateway,
			"error", err,
		)
		refund.Status = RefundStatusGatewayFailed
		refund.GatewayError = err.Error()
		p.GatewayRefundError = err.Error()
	} else {
		refund.Status = RefundStatusProcessed
		refund.GatewayRefundID = res.RefundID
		refund.GatewayResponse = res.Raw
		refund.GatewayError = ""
		p.GatewayRefundError = ""
	}
	if rerr := m.store.ResolveRefund(ctx, p, refund); rerr != nil {
		m.logger.Error("failed to store refund outcome", "payment_id", p.ID, "refund_id", refund.ID, "error", rerr)
	}
}

// RetryRefundSync re-attempts the remote side of a refund whose gateway
// call failed or never finished. Admin only.
func (m *Manager) RetryRefundSync(ctx context.Context, actor identity.Actor, paymentID, refundID string) (*Refund, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Forbidden("Only an admin can reconcile refunds")
	}
	p, err := m.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	refund, err := m.store.GetRefund(ctx, paymentID, refundID)
	if err != nil {
		return nil, err
	}
	if !refund.NeedsReconciliation() {
		return nil, errRefundResolved
	}
	gw, err := m.registry.Get(p.Gateway)
	if err != nil {
		return nil, err
	}
	m.attemptRefund(ctx, p, gw, refund)
	m.audit(ctx, audit.EventRefundRetried, actor, audit.PaymentDetails{
		PaymentID:    p.ID,
		RefundID:     refund.ID,
		AmountCents:  refund.AmountCents,
		GatewayError: refund.GatewayError,
	})
	return refund, nil
}

// VerifyWebhook authenticates an inbound notification for the named gateway.
func (m *Manager) VerifyWebhook(ctx context.Context, gatewayName string, req WebhookRequest) (*WebhookEvent, error) {
	gw, err := m.registry.Get(gatewayName)
	if err != nil {
		return nil, err
	}
	return gw.VerifyWebhook(ctx, req)
}

// ReconcileWebhook applies a verified provider event. Replays and events
// for payments that already left PENDING are no-ops, except a capture of a
// cancelled payment, which is flagged for a manual refund.
func (m *Manager) ReconcileWebhook(ctx context.Context, gatewayName string, evt *WebhookEvent) error {
	ctx, span := paymentsTracer.Start(ctx, "payments.reconcile_webhook")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.gateway", gatewayName),
		attribute.String("booking.event_id", evt.EventID),
	)
	if evt.Status == "" {
		m.logger.Debug("webhook event ignored", "gateway", gatewayName, "event_id", evt.EventID, "type", evt.Type)
		return nil
	}

	p, err := m.store.GetByGatewayRef(ctx, gatewayName, evt.TransactionID)
	if errors.Is(err, ErrPaymentNotFound) && evt.OrderID != "" {
		p, err = m.store.GetByGatewayRef(ctx, gatewayName, evt.OrderID)
	}
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("booking.payment_id", p.ID))

	if p.Status == StatusCancelled && evt.Status == StatusCompleted {
		return m.flagCapturedAfterCancel(ctx, p, evt)
	}
	if p.Status != StatusPending {
		m.logger.Info("webhook for settled payment ignored",
			"payment_id", p.ID,
			"event_id", evt.EventID,
			"status", p.Status,
			"event_status", evt.Status,
		)
		return nil
	}
	if p.TransactionID == "" {
		p.TransactionID = evt.TransactionID
	}
	if len(evt.Raw) > 0 {
		p.GatewayResponse = evt.Raw
	}
	err = m.settle(ctx, p, StatusPending, evt.Status)
	if errors.Is(err, ErrPaymentModified) {
		fresh, gerr := m.store.Get(ctx, p.ID)
		if gerr != nil {
			return gerr
		}
		if fresh.Status != StatusPending {
			return nil
		}
	}
	return err
}

// flagCapturedAfterCancel records money the provider captured for a payment
// that was cancelled locally. The payment stays CANCELLED; the gateway error
// and audit entry mark it for a manual refund.
func (m *Manager) flagCapturedAfterCancel(ctx context.Context, p *Payment, evt *WebhookEvent) error {
	if p.GatewayError == errCapturedAfterCancel {
		return nil
	}
	m.logger.Error("payment captured after cancellation, refund required",
		"payment_id", p.ID,
		"appointment_id", p.AppointmentID,
		"gateway", p.Gateway,
		"event_id", evt.EventID,
		"transaction_id", evt.TransactionID,
	)
	if p.TransactionID == "" {
		p.TransactionID = evt.TransactionID
	}
	if len(evt.Raw) > 0 {
		p.GatewayResponse = evt.Raw
	}
	p.GatewayError = errCapturedAfterCancel
	if err := m.store.Update(ctx, p, StatusCancelled); err != nil {
		return err
	}
	m.metrics.ObservePayment(p.Gateway, "captured_after_cancel")
	m.audit(ctx, audit.EventPaymentCapturedAfterCancel, identity.Actor{ID: "gateway:" + p.Gateway}, audit.PaymentDetails{
		PaymentID:    p.ID,
		FromStatus:   string(StatusCancelled),
		ToStatus:     string(evt.Status),
		AmountCents:  p.AmountCents,
		GatewayError: errCapturedAfterCancel,
	})
	return nil
}

func (m *Manager) audit(ctx context.Context, eventType audit.EventType, actor identity.Actor, details audit.PaymentDetails) {
	if m.auditor == nil {
		return
	}
	if err := m.auditor.LogPaymentAction(ctx, eventType, actor.ID, string(actor.Role), details); err != nil {
		m.logger.Error("failed to write payment audit entry", "payment_id", details.PaymentID, "event_type", eventType, "error", err)
	}
}

package payments

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/wolfman30/clinic-booking/internal/apperr"
)

// Status is the persisted lifecycle state of a payment.
type Status string

const (
	StatusPending           Status = "pending"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusRefunded          Status = "refunded"
)

// Refundable reports whether money can still be returned from s.
func (s Status) Refundable() bool {
	return s == StatusCompleted || s == StatusPartiallyRefunded
}

// Terminal reports whether s accepts no further transition.
func (s Status) Terminal() bool {
	return s == StatusRefunded || s == StatusCancelled || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled, StatusPartiallyRefunded, StatusRefunded:
		return true
	}
	return false
}

// NormalizeStatus maps a provider status or event name to a payment status.
// Unknown values map to "" and leave the payment untouched.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "captured", "paid", "completed":
		return StatusCompleted
	case "failed", "canceled", "payment_failed", "declined":
		return StatusFailed
	}
	return ""
}

var (
	ErrPaymentNotFound  = apperr.NotFound("Payment not found")
	ErrNotRefundable    = apperr.State("Payment is not in a refundable state")
	ErrRefundExceeds    = apperr.Validation("Refund amount exceeds the remaining refundable amount")
	ErrInvalidAmount    = apperr.Validation("Refund amount must be positive")
	ErrPaymentModified  = apperr.Conflict("Payment was modified by another request")
	ErrPaymentExists    = apperr.Conflict("A payment already exists for this appointment")
	ErrRefundNotFound   = apperr.NotFound("Refund not found")
	ErrNothingToVerify  = apperr.Validation("Payment has no gateway transaction to verify")
	ErrManualSettlement = apperr.State("Offline payments are updated manually")
)

// Payment is the single live payment of an appointment.
type Payment struct {
	ID                    string          `json:"id"`
	AppointmentID         string          `json:"appointmentId"`
	PatientID             string          `json:"patientId"`
	DoctorID              string          `json:"doctorId"`
	Gateway               string          `json:"paymentGateway"`
	AmountCents           int64           `json:"amount"`
	Currency              string          `json:"currency"`
	Status                Status          `json:"status"`
	TransactionID         string          `json:"transactionId,omitempty"`
	GatewayOrderID        string          `json:"gatewayOrderId,omitempty"`
	GatewayResponse       json.RawMessage `json:"gatewayResponse,omitempty"`
	GatewayError          string          `json:"gatewayError,omitempty"`
	RefundAmountRemaining int64           `json:"refundAmountRemaining"`
	RefundReason          string          `json:"refundReason,omitempty"`
	GatewayRefundError    string          `json:"gatewayRefundError,omitempty"`
	PaidAt                *time.Time      `json:"paidAt,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// RefundedCents is the total returned so far.
func (p *Payment) RefundedCents() int64 {
	return p.AmountCents - p.RefundAmountRemaining
}

// CanRefund validates a refund of requested cents and returns the amount to
// refund. Zero requests the full remaining amount.
func (p *Payment) CanRefund(requested int64) (int64, error) {
	if !p.Status.Refundable() {
		return 0, ErrNotRefundable
	}
	if requested < 0 {
		return 0, ErrInvalidAmount
	}
	if requested == 0 {
		requested = p.RefundAmountRemaining
	}
	if requested == 0 {
		return 0, ErrNotRefundable
	}
	if requested > p.RefundAmountRemaining {
		return 0, ErrRefundExceeds
	}
	return requested, nil
}

// applyRefund decrements the remaining amount and advances the status.
func (p *Payment) applyRefund(amount int64) {
	p.RefundAmountRemaining -= amount
	if p.RefundAmountRemaining <= 0 {
		p.RefundAmountRemaining = 0
		p.Status = StatusRefunded
		return
	}
	p.Status = StatusPartiallyRefunded
}

// Refund outcomes of the remote call.
const (
	RefundStatusPending       = "pending"
	RefundStatusProcessed     = "processed"
	RefundStatusGatewayFailed = "gateway_failed"
	RefundStatusManual        = "manual"
)

// Refund is one entry in a payment's refund history. The local record
// always commits; the remote outcome is attached.
type Refund struct {
	ID              string          `json:"id"`
	PaymentID       string          `json:"paymentId"`
	AmountCents     int64           `json:"amount"`
	Reason          string          `json:"reason,omitempty"`
	Status          string          `json:"status"`
	GatewayRefundID string          `json:"gatewayRefundId,omitempty"`
	GatewayResponse json.RawMessage `json:"gatewayResponse,omitempty"`
	GatewayError    string          `json:"gatewayError,omitempty"`
	RequestedBy     string          `json:"requestedBy"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// NeedsReconciliation reports whether the remote refund must be retried.
// Pending entries are left behind when the process stops mid-refund.
func (r *Refund) NeedsReconciliation() bool {
	return r.Status == RefundStatusGatewayFailed || r.Status == RefundStatusPending
}

// Package audit records privileged booking and payment actions.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audited action.
type EventType string

const (
	// EventAdminReschedule is logged when an admin moves an appointment.
	EventAdminReschedule EventType = "appointment.admin_rescheduled"
	// EventPaymentStatusOverride is logged when staff set an offline payment status.
	EventPaymentStatusOverride EventType = "payment.status_override"
	// EventRefundIssued is logged for every refund request.
	EventRefundIssued EventType = "payment.refund_issued"
	// EventRefundRetried is logged when an operator re-attempts a failed gateway refund.
	EventRefundRetried EventType = "payment.refund_retried"
	// EventPaymentCapturedAfterCancel is logged when a provider captures a payment that was cancelled locally.
	EventPaymentCapturedAfterCancel EventType = "payment.captured_after_cancel"
)

// Event is an immutable audit record.
type Event struct {
	ID         string          `json:"id"`
	EventType  EventType       `json:"event_type"`
	ActorID    string          `json:"actor_id"`
	ActorRole  string          `json:"actor_role"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RescheduleDetails describes an admin-initiated slot move.
type RescheduleDetails struct {
	AppointmentID string `json:"appointment_id"`
	DoctorID      string `json:"doctor_id"`
	PatientID     string `json:"patient_id"`
	FromDate      string `json:"from_date"`
	FromStart     string `json:"from_start"`
	FromEnd       string `json:"from_end"`
	ToDate        string `json:"to_date"`
	ToStart       string `json:"to_start"`
	ToEnd         string `json:"to_end"`
	Reason        string `json:"reason,omitempty"`
}

// PaymentDetails describes a staff action on a payment.
type PaymentDetails struct {
	PaymentID    string `json:"payment_id"`
	FromStatus   string `json:"from_status,omitempty"`
	ToStatus     string `json:"to_status,omitempty"`
	RefundID     string `json:"refund_id,omitempty"`
	AmountCents  int64  `json:"amount_cents,omitempty"`
	Reason       string `json:"reason,omitempty"`
	GatewayError string `json:"gateway_error,omitempty"`
}

// Service writes audit events to the audit_events table.
type Service struct {
	db *sql.DB
}

// NewService creates a new audit service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// LogEvent records an audit event. A service without a database drops events.
func (s *Service) LogEvent(ctx context.Context, event Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_events (
			id, event_type, actor_id, actor_role, entity_type, entity_id, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.ActorID,
		event.ActorRole,
		event.EntityType,
		event.EntityID,
		[]byte(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to log event: %w", err)
	}
	return nil
}

// LogAdminReschedule logs an admin moving an appointment to a new slot.
func (s *Service) LogAdminReschedule(ctx context.Context, actorID string, details RescheduleDetails) error {
	detailsJSON, _ := json.Marshal(details)
	return s.LogEvent(ctx, Event{
		EventType:  EventAdminReschedule,
		ActorID:    actorID,
		ActorRole:  "admin",
		EntityType: "appointment",
		EntityID:   details.AppointmentID,
		Details:    detailsJSON,
	})
}

// LogPaymentAction logs a staff action on a payment.
func (s *Service) LogPaymentAction(ctx context.Context, eventType EventType, actorID, actorRole string, details PaymentDetails) error {
	detailsJSON, _ := json.Marshal(details)
	return s.LogEvent(ctx, Event{
		EventType:  eventType,
		ActorID:    actorID,
		ActorRole:  actorRole,
		EntityType: "payment",
		EntityID:   details.PaymentID,
		Details:    detailsJSON,
	})
}

// Filter specifies criteria for querying audit events.
type Filter struct {
	EntityType string
	EntityID   string
	EventType  EventType
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

// QueryEvents retrieves audit events for one entity.
func (s *Service) QueryEvents(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT id, event_type, actor_id, actor_role, entity_type, entity_id, details, created_at
		FROM audit_events
		WHERE entity_type = $1 AND entity_id = $2
	`
	args := []interface{}{filter.EntityType, filter.EntityID}
	argIdx := 3

	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, filter.EventType)
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var details []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.ActorID, &e.ActorRole, &e.EntityType, &e.EntityID, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: failed to scan event: %w", err)
		}
		if len(details) > 0 {
			e.Details = json.RawMessage(details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

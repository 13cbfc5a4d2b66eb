package events

import "time"

const (
	TypeAppointmentChanged = "appointment.changed.v1"
	TypePaymentSettled     = "payment.settled.v1"
	TypePaymentRefunded    = "payment.refunded.v1"
)

// AppointmentChangedV1 is emitted on every appointment status or slot change.
type AppointmentChangedV1 struct {
	EventID       string    `json:"event_id"`
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id"`
	DoctorID      string    `json:"doctor_id"`
	FromStatus    string    `json:"from_status,omitempty"`
	ToStatus      string    `json:"to_status"`
	Date          string    `json:"date"`
	SlotStart     string    `json:"slot_start"`
	SlotEnd       string    `json:"slot_end"`
	PreviousDate  string    `json:"previous_date,omitempty"`
	PreviousStart string    `json:"previous_start,omitempty"`
	ActorID       string    `json:"actor_id"`
	ActorRole     string    `json:"actor_role"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Recipients returns the counter-parties of the actor: the patient when the
// doctor acted, the doctor when the patient acted, and both for admins.
func (e AppointmentChangedV1) Recipients() []string {
	switch e.ActorRole {
	case "patient":
		return []string{e.DoctorID}
	case "doctor":
		return []string{e.PatientID}
	default:
		return []string{e.PatientID, e.DoctorID}
	}
}

// PaymentSettledV1 is emitted when a payment completes or fails.
type PaymentSettledV1 struct {
	EventID       string    `json:"event_id"`
	PaymentID     string    `json:"payment_id"`
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id"`
	DoctorID      string    `json:"doctor_id"`
	Gateway       string    `json:"gateway"`
	Status        string    `json:"status"`
	AmountCents   int64     `json:"amount_cents"`
	Currency      string    `json:"currency"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PaymentRefundedV1 is emitted for each recorded refund.
type PaymentRefundedV1 struct {
	EventID        string    `json:"event_id"`
	PaymentID      string    `json:"payment_id"`
	RefundID       string    `json:"refund_id"`
	AppointmentID  string    `json:"appointment_id"`
	PatientID      string    `json:"patient_id"`
	DoctorID       string    `json:"doctor_id"`
	AmountCents    int64     `json:"amount_cents"`
	RemainingCents int64     `json:"remaining_cents"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	OccurredAt     time.Time `json:"occurred_at"`
}

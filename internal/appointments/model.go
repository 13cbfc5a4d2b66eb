package appointments

import (
	"encoding/json"
	"time"

	"github.com/wolfman30/clinic-booking/internal/doctors"
)

// Status is the persisted lifecycle state of an appointment.
type Status string

const (
	StatusPending             Status = "pending"
	StatusConfirmed           Status = "confirmed"
	StatusCompleted           Status = "completed"
	StatusCancelled           Status = "cancelled"
	StatusRescheduleRequested Status = "reschedule_requested"
	StatusRescheduledByAdmin  Status = "rescheduled_by_admin"
)

// OccupyingStatuses reserve their slot against new bookings.
var OccupyingStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusRescheduleRequested,
	StatusRescheduledByAdmin,
}

// IsOccupying reports whether s holds its slot.
func (s Status) IsOccupying() bool {
	for _, o := range OccupyingStatuses {
		if s == o {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.IsOccupying() || s.IsTerminal()
}

var transitions = map[Status][]Status{
	StatusPending:             {StatusConfirmed, StatusCancelled, StatusCompleted, StatusRescheduleRequested, StatusRescheduledByAdmin, StatusPending},
	StatusConfirmed:           {StatusCancelled, StatusCompleted, StatusRescheduleRequested, StatusRescheduledByAdmin, StatusConfirmed},
	StatusRescheduleRequested: {StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted, StatusRescheduledByAdmin, StatusRescheduleRequested},
	StatusRescheduledByAdmin:  {StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted, StatusRescheduleRequested, StatusRescheduledByAdmin},
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Self-transitions of occupying states cover in-place reschedules.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Payment status values mirrored onto the appointment.
const (
	PaymentStatusPending           = "pending"
	PaymentStatusCompleted         = "completed"
	PaymentStatusFailed            = "failed"
	PaymentStatusCancelled         = "cancelled"
	PaymentStatusPartiallyRefunded = "partially_refunded"
	PaymentStatusRefunded          = "refunded"
)

// ReschedulingInfo snapshots the slot an appointment moved away from.
type ReschedulingInfo struct {
	OriginalDate    string       `json:"originalDate"`
	OriginalSlot    doctors.Slot `json:"originalTimeSlot"`
	RescheduledBy   string       `json:"rescheduledBy"`
	RescheduledRole string       `json:"rescheduledByRole"`
	Reason          string       `json:"reason,omitempty"`
	RescheduledAt   time.Time    `json:"rescheduledAt"`

	// Set while a patient's request awaits the doctor.
	RequestedDate string        `json:"requestedDate,omitempty"`
	RequestedSlot *doctors.Slot `json:"requestedTimeSlot,omitempty"`
}

// Appointment is one booking of one slot.
type Appointment struct {
	ID                    string            `json:"id"`
	PatientID             string            `json:"patientId"`
	DoctorID              string            `json:"doctorId"`
	AppointmentDate       time.Time         `json:"-"`
	TimeSlot              doctors.Slot      `json:"timeSlot"`
	Status                Status            `json:"status"`
	PaymentStatus         string            `json:"paymentStatus"`
	PaymentGateway        string            `json:"paymentGateway,omitempty"`
	ConsultationFeeCents  int64             `json:"consultationFee"`
	Currency              string            `json:"currency"`
	Notes                 string            `json:"notes,omitempty"`
	CancellationReason    string            `json:"cancellationReason,omitempty"`
	CancelledBy           string            `json:"cancelledBy,omitempty"`
	Rescheduling          *ReschedulingInfo `json:"reschedulingInfo,omitempty"`
	FollowUp              bool              `json:"followUp"`
	PreviousAppointmentID string            `json:"previousAppointmentId,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
}

// Date returns the appointment date in wire format.
func (a Appointment) Date() string {
	return a.AppointmentDate.Format(doctors.DateLayout)
}

// MarshalJSON renders appointmentDate as YYYY-MM-DD.
func (a Appointment) MarshalJSON() ([]byte, error) {
	type alias Appointment
	return json.Marshal(struct {
		alias
		AppointmentDate string `json:"appointmentDate"`
	}{alias: alias(a), AppointmentDate: a.Date()})
}

package appointments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/internal/audit"
	"github.com/wolfman30/clinic-booking/internal/doctors"
	"github.com/wolfman30/clinic-booking/internal/events"
	"github.com/wolfman30/clinic-booking/internal/identity"
	"github.com/wolfman30/clinic-booking/internal/locking"
	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

var appointmentsTracer = otel.Tracer("clinic.internal.appointments")

var (
	errNotParticipant     = apperr.Forbidden("Not authorized to access this appointment")
	errUnsupportedGateway = apperr.Validation("Unsupported payment gateway")
)

// Store is the persistence surface of the appointment service. Writes queue
// their change event in the same transaction.
type Store interface {
	Insert(ctx context.Context, a *Appointment, evt *events.AppointmentChangedV1) error
	Get(ctx context.Context, id string) (*Appointment, error)
	UpdateStatus(ctx context.Context, a *Appointment, expected Status, evt *events.AppointmentChangedV1) error
	UpdateSlot(ctx context.Context, a *Appointment, expected Status, evt *events.AppointmentChangedV1) error
}

// SlotLocker serializes concurrent attempts on one slot.
type SlotLocker interface {
	Acquire(ctx context.Context, doctorID, date, start string) (func(), error)
}

// AuditLogger records admin-initiated reschedules.
type AuditLogger interface {
	LogAdminReschedule(ctx context.Context, actorID string, details audit.RescheduleDetails) error
}

// PaymentHooks keeps the appointment's payment in step with booking and
// cancellation. Implemented by the payment lifecycle manager.
type PaymentHooks interface {
	SupportsGateway(name string) bool
	OpenForAppointment(ctx context.Context, a *Appointment) error
	CancelPendingForAppointment(ctx context.Context, appointmentID string) error
}

// BookRequest is a patient's booking of one slot.
type BookRequest struct {
	DoctorID              string
	Date                  time.Time
	TimeSlot              doctors.Slot
	PaymentGateway        string
	Notes                 string
	PreviousAppointmentID string
}

// RescheduleRequest targets a new date and slot.
type RescheduleRequest struct {
	Date     time.Time
	TimeSlot doctors.Slot
	Reason   string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithLocker(l SlotLocker) ServiceOption {
	return func(s *Service) { s.locker = l }
}

func WithAuditLogger(a AuditLogger) ServiceOption {
	return func(s *Service) { s.auditor = a }
}

func WithPaymentHooks(h PaymentHooks) ServiceOption {
	return func(s *Service) { s.payments = h }
}

func WithMetrics(m *metrics.BookingMetrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock sets the clock and clinic timezone used to reject past slots.
func WithClock(now func() time.Time, loc *time.Location) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
		if loc != nil {
			s.location = loc
		}
	}
}

// Service drives appointment booking and lifecycle transitions.
type Service struct {
	store    Store
	guard    *Guard
	locker   SlotLocker
	auditor  AuditLogger
	payments PaymentHooks
	metrics  *metrics.BookingMetrics
	now      func() time.Time
	location *time.Location
	logger   *logging.Logger
}

func NewService(store Store, guard *Guard, logger *logging.Logger, opts ...ServiceOption) *Service {
	if store == nil || guard == nil {
		panic("appointments: store and guard required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		store:    store,
		guard:    guard,
		now:      time.Now,
		location: time.UTC,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPaymentHooks attaches the payment manager after construction.
func (s *Service) SetPaymentHooks(h PaymentHooks) {
	s.payments = h
}

func participant(actor identity.Actor, a *Appointment) bool {
	switch actor.Role {
	case identity.RoleAdmin:
		return true
	case identity.RoleDoctor:
		return a.DoctorID == actor.ID
	case identity.RolePatient:
		return a.PatientID == actor.ID
	}
	return false
}

func assignedDoctor(actor identity.Actor, a *Appointment) bool {
	return actor.IsDoctor() && a.DoctorID == actor.ID
}

// Get returns an appointment visible to actor.
func (s *Service) Get(ctx context.Context, actor identity.Actor, id string) (*Appointment, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !participant(actor, a) {
		return nil, errNotParticipant
	}
	return a, nil
}

func (s *Service) checkNotPast(date time.Time, slot doctors.Slot) error {
	now := s.now().In(s.location)
	today := doctors.DayOf(now)
	if date.Before(today) {
		return apperr.Validation("Cannot book an appointment in the past")
	}
	if doctors.SameDay(date, today) {
		start, err := doctors.ParseClock(slot.Start)
		if err == nil && start <= now.Hour()*60+now.Minute() {
			return apperr.Validation("Cannot book a time slot that has already started")
		}
	}
	return nil
}

func validateTarget(date time.Time, slot doctors.Slot) error {
	if date.IsZero() {
		return apperr.Validation("appointmentDate is required")
	}
	if strings.TrimSpace(slot.Start) == "" || strings.TrimSpace(slot.End) == "" {
		return apperr.Validation("timeSlot start and end are required")
	}
	if err := doctors.ValidateSlot(slot); err != nil {
		return apperr.Validation(err.Error())
	}
	return nil
}

func (s *Service) lock(ctx context.Context, doctorID string, date time.Time, start string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, doctorID, date.Format(doctors.DateLayout), start)
	if err != nil {
		if errors.Is(err, locking.ErrSlotLocked) {
			return nil, ErrSlotInFlight
		}
		return nil, err
	}
	return release, nil
}

// Book validates the target slot and persists a PENDING appointment with
// the doctor's fee snapshotted.
func (s *Service) Book(ctx context.Context, actor identity.Actor, req BookRequest) (*Appointment, error) {
	ctx, span := appointmentsTracer.Start(ctx, "appointments.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.doctor_id", req.DoctorID),
		attribute.String("booking.patient_id", actor.ID),
	)

	a, err := s.book(ctx, actor, req)
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.metrics.ObserveBooking("book", outcome)
	return a, err
}

func (s *Service) book(ctx context.Context, actor identity.Actor, req BookRequest) (*Appointment, error) {
	if !actor.IsPatient() {
		return nil, apperr.Forbidden("Only patients can book appointments")
	}
	if strings.TrimSpace(req.DoctorID) == "" {
		return nil, apperr.Validation("doctorId is required")
	}
	date := doctors.DayOf(req.Date)
	if err := validateTarget(req.Date, req.TimeSlot); err != nil {
		return nil, err
	}
	if err := s.checkNotPast(date, req.TimeSlot); err != nil {
		return nil, err
	}
	gateway := strings.ToLower(strings.TrimSpace(req.PaymentGateway))
	if gateway != "" && s.payments != nil && !s.payments.SupportsGateway(gateway) {
		return nil, errUnsupportedGateway
	}

	followUp := false
	if req.PreviousAppointmentID != "" {
		prev, err := s.store.Get(ctx, req.PreviousAppointmentID)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return nil, apperr.Validation("Previous appointment not found")
			}
			return nil, err
		}
		if prev.PatientID != actor.ID || prev.DoctorID != req.DoctorID {
			return nil, apperr.Validation("Follow-up must be with the same doctor as the previous appointment")
		}
		if prev.Status != StatusCompleted {
			return nil, apperr.Validation("Follow-up requires a completed previous appointment")
		}
		followUp = true
	}

	release, err := s.lock(ctx, req.DoctorID, date, req.TimeSlot.Start)
	if err != nil {
		return nil, err
	}
	defer release()

	doc, err := s.guard.Check(ctx, req.DoctorID, date, req.TimeSlot, "")
	if err != nil {
		return nil, err
	}

	a := &Appointment{
		ID:                    uuid.NewString(),
		PatientID:             actor.ID,
		DoctorID:              doc.ID,
		AppointmentDate:       date,
		TimeSlot:              req.TimeSlot,
		Status:                StatusPending,
		PaymentStatus:         PaymentStatusPending,
		PaymentGateway:        gateway,
		ConsultationFeeCents:  doc.ConsultationFeeCents,
		Currency:              doc.Currency,
		Notes:                 strings.TrimSpace(req.Notes),
		FollowUp:              followUp,
		PreviousAppointmentID: req.PreviousAppointmentID,
	}
	if err := s.store.Insert(ctx, a, s.changeEvent(actor, a, "", change{})); err != nil {
		return nil, err
	}
	s.logger.Info("appointment booked",
		"appointment_id", a.ID,
		"doctor_id", a.DoctorID,
		"patient_id", a.PatientID,
		"date", a.Date(),
		"slot_start", a.TimeSlot.Start,
	)

	if a.PaymentGateway != "" && s.payments != nil {
		if err := s.payments.OpenForAppointment(ctx, a); err != nil {
			s.logger.Warn("payment not opened at booking, it will be created on first payment request",
				"appointment_id", a.ID, "gateway", a.PaymentGateway, "error", err)
		}
	}
	return a, nil
}

// Accept confirms a pending appointment. Assigned doctor only.
// Reschedule markers resolve to CONFIRMED on the current slot.
func (s *Service) Accept(ctx context.Context, actor identity.Actor, id string) (*Appointment, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !assignedDoctor(actor, a) {
		return nil, apperr.Forbidden("Only the assigned doctor can accept this appointment")
	}
	switch a.Status {
	case StatusPending, StatusRescheduleRequested, StatusRescheduledByAdmin:
	case StatusConfirmed:
		return nil, apperr.State("Appointment is already confirmed")
	case StatusCancelled:
		return nil, apperr.State("Cannot accept cancelled appointment")
	case StatusCompleted:
		return nil, apperr.State("Cannot accept completed appointment")
	default:
		return nil, apperr.State("Only pending appointments can be accepted")
	}
	from := a.Status
	if a.Rescheduling != nil {
		a.Rescheduling.RequestedDate = ""
		a.Rescheduling.RequestedSlot = nil
	}
	a.Status = StatusConfirmed
	if err := s.commitStatus(ctx, actor, a, from, ""); err != nil {
		return nil, err
	}
	return a, nil
}

// Decline cancels a not-yet-finished appointment on the doctor's behalf.
func (s *Service) Decline(ctx context.Context, actor identity.Actor, id, reason string) (*Appointment, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !assignedDoctor(actor, a) {
		return nil, apperr.Forbidden("Only the assigned doctor can decline this appointment")
	}
	if err := cancelGuard(a.Status, "decline"); err != nil {
		return nil, err
	}
	return s.cancel(ctx, actor, a, reason)
}

// Cancel cancels an appointment on behalf of any participant.
func (s *Service) Cancel(ctx context.Context, actor identity.Actor, id, reason string) (*Appointment, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !participant(actor, a) {
		return nil, errNotParticipant
	}
	if err := cancelGuard(a.Status, "cancel"); err != nil {
		return nil, err
	}
	return s.cancel(ctx, actor, a, reason)
}

func cancelGuard(status Status, verb string) error {
	switch status {
	case StatusCancelled:
		return apperr.State("Appointment is already cancelled")
	case StatusCompleted:
		return apperr.State("Cannot " + verb + " completed appointment")
	}
	return nil
}

func (s *Service) cancel(ctx context.Context, actor identity.Actor, a *Appointment, reason string) (*Appointment, error) {
	from := a.Status
	a.Status = StatusCancelled
	a.CancellationReason = strings.TrimSpace(reason)
	a.CancelledBy = string(actor.Role)
	if err := s.commitStatus(ctx, actor, a, from, a.CancellationReason); err != nil {
		return nil, err
	}
	if s.payments != nil {
		if err := s.payments.CancelPendingForAppointment(ctx, a.ID); err != nil {
			s.logger.Error("failed to cancel pending payment for cancelled appointment", "appointment_id", a.ID, "error", err)
		}
	}
	return a, nil
}

// Complete marks the consultation done. Assigned doctor only.
func (s *Service) Complete(ctx context.Context, actor identity.Actor, id string) (*Appointment, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !assignedDoctor(actor, a) {
		return nil, apperr.Forbidden("Only the assigned doctor can complete this appointment")
	}
	switch a.Status {
	case StatusCompleted:
		return nil, apperr.State("Appointment is already completed")
	case StatusCancelled:
		return nil, apperr.State("Cannot complete cancelled appointment")
	}
	from := a.Status
	a.Status = StatusCompleted
	if err := s.commitStatus(ctx, actor, a, from, ""); err != nil {
		return nil, err
	}
	return a, nil
}

func rescheduleGuard(status Status) error {
	switch status {
	case StatusCompleted:
		return apperr.State("Cannot reschedule completed appointment")
	case StatusCancelled:
		return apperr.State("Cannot reschedule cancelled appointment")
	}
	return nil
}

// Reschedule moves an appointment to a new date/slot in place after
// re-running the booking guard against the target.
func (s *Service) Reschedule(ctx context.Context, actor identity.Actor, id string, req RescheduleRequest) (*Appointment, error) {
	ctx, span := appointmentsTracer.Start(ctx, "appointments.reschedule")
	defer span.End()
	span.SetAttributes(attribute.String("booking.appointment_id", id))

	a, err := s.reschedule(ctx, actor, id, req)
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.metrics.ObserveBooking("reschedule", outcome)
	return a, err
}

func (s *Service) reschedule(ctx context.Context, actor identity.Actor, id string, req RescheduleRequest) (*Appointment, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !participant(actor, a) {
		return nil, errNotParticipant
	}
	if err := rescheduleGuard(a.Status); err != nil {
		return nil, err
	}
	if err := validateTarget(req.Date, req.TimeSlot); err != nil {
		return nil, err
	}
	date := doctors.DayOf(req.Date)
	if doctors.SameDay(date, a.AppointmentDate) && req.TimeSlot == a.TimeSlot {
		return nil, apperr.Validation("New time slot is the same as the current one")
	}
	if err := s.checkNotPast(date, req.TimeSlot); err != nil {
		return nil, err
	}

	release, err := s.lock(ctx, a.DoctorID, date, req.TimeSlot.Start)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := s.guard.Check(ctx, a.DoctorID, date, req.TimeSlot, a.ID); err != nil {
		return nil, err
	}

	from := a.Status
	prevDate, prevSlot := a.Date(), a.TimeSlot
	a.Rescheduling = &ReschedulingInfo{
		OriginalDate:    prevDate,
		OriginalSlot:    prevSlot,
		RescheduledBy:   actor.ID,
		RescheduledRole: string(actor.Role),
		Reason:          strings.TrimSpace(req.Reason),
		RescheduledAt:   s.now().UTC(),
	}
	a.AppointmentDate = date
	a.TimeSlot = req.TimeSlot
	switch {
	case actor.IsAdmin():
		a.Status = StatusRescheduledByAdmin
	case from == StatusRescheduleRequested:
		a.Status = StatusPending
	}

	evt := s.changeEvent(actor, a, from, change{previousDate: prevDate, previousStart: prevSlot.Start, reason: a.Rescheduling.Reason})
	if err := s.store.UpdateSlot(ctx, a, from, evt); err != nil {
		return nil, err
	}
	if from != a.Status {
		s.metrics.ObserveTransition(string(from), string(a.Status))
	}
	s.logger.Info("appointment rescheduled",
		"appointment_id", a.ID,
		"actor_id", actor.ID,
		"actor_role", actor.Role,
		"from_date", prevDate,
		"from_start", prevSlot.Start,
		"to_date", a.Date(),
		"to_start", a.TimeSlot.Start,
	)

	if actor.IsAdmin() && s.auditor != nil {
		if err := s.auditor.LogAdminReschedule(ctx, actor.ID, audit.RescheduleDetails{
			AppointmentID: a.ID,
			DoctorID:      a.DoctorID,
			PatientID:     a.PatientID,
			FromDate:      prevDate,
			FromStart:     prevSlot.Start,
			FromEnd:       prevSlot.End,
			ToDate:        a.Date(),
			ToStart:       a.TimeSlot.Start,
			ToEnd:         a.TimeSlot.End,
			Reason:        a.Rescheduling.Reason,
		}); err != nil {
			s.logger.Error("failed to audit admin reschedule", "appointment_id", a.ID, "error", err)
		}
	}
	return a, nil
}

// RequestReschedule records a patient's proposed new slot for the doctor
// to act on. The proposal is validated but not reserved.
func (s *Service) RequestReschedule(ctx context.Context, actor identity.Actor, id string, req RescheduleRequest) (*Appointment, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsPatient() || a.PatientID != actor.ID {
		return nil, apperr.Forbidden("Only the patient can request a reschedule")
	}
	if err := rescheduleGuard(a.Status); err != nil {
		return nil, err
	}
	if a.Status == StatusRescheduleRequested {
		return nil, apperr.State("A reschedule request is already pending")
	}
	if err := validateTarget(req.Date, req.TimeSlot); err != nil {
		return nil, err
	}
	date := doctors.DayOf(req.Date)
	if err := s.checkNotPast(date, req.TimeSlot); err != nil {
		return nil, err
	}
	if _, err := s.guard.Check(ctx, a.DoctorID, date, req.TimeSlot, a.ID); err != nil {
		return nil, err
	}

	from := a.Status
	slot := req.TimeSlot
	a.Status = StatusRescheduleRequested
	a.Rescheduling = &ReschedulingInfo{
		OriginalDate:    a.Date(),
		OriginalSlot:    a.TimeSlot,
		RescheduledBy:   actor.ID,
		RescheduledRole: string(actor.Role),
		Reason:          strings.TrimSpace(req.Reason),
		RescheduledAt:   s.now().UTC(),
		RequestedDate:   date.Format(doctors.DateLayout),
		RequestedSlot:   &slot,
	}
	if err := s.commitStatus(ctx, actor, a, from, a.Rescheduling.Reason); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) commitStatus(ctx context.Context, actor identity.Actor, a *Appointment, from Status, reason string) error {
	if !from.CanTransitionTo(a.Status) {
		return apperr.State("Cannot move appointment from " + string(from) + " to " + string(a.Status))
	}
	if err := s.store.UpdateStatus(ctx, a, from, s.changeEvent(actor, a, from, change{reason: reason})); err != nil {
		return err
	}
	s.metrics.ObserveTransition(string(from), string(a.Status))
	s.logger.Info("appointment status changed",
		"appointment_id", a.ID,
		"from", from,
		"to", a.Status,
		"actor_id", actor.ID,
		"actor_role", actor.Role,
	)
	return nil
}

// change carries the event fields that depend on the transition.
type change struct {
	previousDate  string
	previousStart string
	reason        string
}

// changeEvent builds the outbox event that tells the counter-party about a.
func (s *Service) changeEvent(actor identity.Actor, a *Appointment, from Status, c change) *events.AppointmentChangedV1 {
	return &events.AppointmentChangedV1{
		EventID:       uuid.NewString(),
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		DoctorID:      a.DoctorID,
		FromStatus:    string(from),
		ToStatus:      string(a.Status),
		Date:          a.Date(),
		SlotStart:     a.TimeSlot.Start,
		SlotEnd:       a.TimeSlot.End,
		PreviousDate:  c.previousDate,
		PreviousStart: c.previousStart,
		ActorID:       actor.ID,
		ActorRole:     string(actor.Role),
		Reason:        c.reason,
		OccurredAt:    s.now().UTC(),
	}
}

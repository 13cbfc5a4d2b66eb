package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/internal/doctors"
	"github.com/wolfman30/clinic-booking/internal/events"
)

var (
	ErrAppointmentNotFound = apperr.NotFound("Appointment not found")
	ErrConcurrentUpdate    = apperr.Conflict("Appointment was modified by another request")
)

// occupiedSlotIndex is the partial unique index over occupying appointments.
const occupiedSlotIndex = "appointments_occupied_slot_idx"

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists appointments. Tombstoned rows (deleted_at set) are
// invisible to every query here.
type Repository struct {
	db dbtx
}

// NewRepository creates a repository backed by pgx.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("appointments: pgx pool required")
	}
	return &Repository{db: pool}
}

func newRepositoryWithDB(db dbtx) *Repository {
	return &Repository{db: db}
}

const appointmentColumns = `id, patient_id, doctor_id, appointment_date, slot_start, slot_end, status,
	payment_status, payment_gateway, consultation_fee_cents, currency, notes, cancellation_reason,
	cancelled_by, rescheduling_info, follow_up, previous_appointment_id, created_at, updated_at`

func occupyingArgs() []string {
	out := make([]string, len(OccupyingStatuses))
	for i, s := range OccupyingStatuses {
		out[i] = string(s)
	}
	return out
}

func isSlotConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == occupiedSlotIndex
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalRescheduling(info *ReschedulingInfo) ([]byte, error) {
	if info == nil {
		return nil, nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("appointments: marshal rescheduling info: %w", err)
	}
	return data, nil
}

func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("appointments: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("appointments: commit: %w", err)
	}
	return nil
}

// withEvent runs write and queues evt in one transaction.
func (r *Repository) withEvent(ctx context.Context, aggregateID string, evt *events.AppointmentChangedV1, write func(db rowQuerier) error) error {
	if evt == nil {
		return write(r.db)
	}
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := write(tx); err != nil {
			return err
		}
		_, err := events.TxPublisher(tx).Insert(ctx, aggregateID, events.TypeAppointmentChanged, evt)
		return err
	})
}

// Insert stores a new appointment with its change event. A concurrent
// booking of the same occupied slot fails with ErrSlotTaken.
func (r *Repository) Insert(ctx context.Context, a *Appointment, evt *events.AppointmentChangedV1) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	rescheduling, err := marshalRescheduling(a.Rescheduling)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO appointments (
			id, patient_id, doctor_id, appointment_date, slot_start, slot_end, status,
			payment_status, payment_gateway, consultation_fee_cents, currency, notes,
			rescheduling_info, follow_up, previous_appointment_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`
	return r.withEvent(ctx, a.ID, evt, func(db rowQuerier) error {
		err := db.QueryRow(ctx, query,
			a.ID, a.PatientID, a.DoctorID, a.Date(), a.TimeSlot.Start, a.TimeSlot.End, string(a.Status),
			a.PaymentStatus, a.PaymentGateway, a.ConsultationFeeCents, a.Currency, a.Notes,
			rescheduling, a.FollowUp, nullable(a.PreviousAppointmentID),
		).Scan(&a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			if isSlotConflict(err) {
				return ErrSlotTaken
			}
			return fmt.Errorf("appointments: insert: %w", err)
		}
		return nil
	})
}

// Get loads a live appointment.
func (r *Repository) Get(ctx context.Context, id string) (*Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrAppointmentNotFound
	}
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1 AND deleted_at IS NULL`
	return scanAppointment(r.db.QueryRow(ctx, query, id))
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a            Appointment
		status       string
		rescheduling []byte
		previous     *string
	)
	err := row.Scan(
		&a.ID, &a.PatientID, &a.DoctorID, &a.AppointmentDate, &a.TimeSlot.Start, &a.TimeSlot.End, &status,
		&a.PaymentStatus, &a.PaymentGateway, &a.ConsultationFeeCents, &a.Currency, &a.Notes, &a.CancellationReason,
		&a.CancelledBy, &rescheduling, &a.FollowUp, &previous, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("appointments: load: %w", err)
	}
	a.Status = Status(status)
	if previous != nil {
		a.PreviousAppointmentID = *previous
	}
	if len(rescheduling) > 0 {
		a.Rescheduling = &ReschedulingInfo{}
		if err := json.Unmarshal(rescheduling, a.Rescheduling); err != nil {
			return nil, fmt.Errorf("appointments: decode rescheduling info: %w", err)
		}
	}
	return &a, nil
}

// UpdateStatus writes the status and cancellation/rescheduling fields of a,
// provided the stored status still equals expected.
func (r *Repository) UpdateStatus(ctx context.Context, a *Appointment, expected Status, evt *events.AppointmentChangedV1) error {
	rescheduling, err := marshalRescheduling(a.Rescheduling)
	if err != nil {
		return err
	}
	query := `
		UPDATE appointments
		SET status = $2, cancellation_reason = $3, cancelled_by = $4, rescheduling_info = $5, updated_at = now()
		WHERE id = $1 AND status = $6 AND deleted_at IS NULL
		RETURNING updated_at
	`
	return r.withEvent(ctx, a.ID, evt, func(db rowQuerier) error {
		err := db.QueryRow(ctx, query,
			a.ID, string(a.Status), a.CancellationReason, a.CancelledBy, rescheduling, string(expected),
		).Scan(&a.UpdatedAt)
		return mapUpdateErr("update status", err)
	})
}

func mapUpdateErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrConcurrentUpdate
	case isSlotConflict(err):
		return ErrSlotTaken
	}
	return fmt.Errorf("appointments: %s: %w", op, err)
}

// UpdateSlot moves a to its new date/slot in place, provided the stored
// status still equals expected.
func (r *Repository) UpdateSlot(ctx context.Context, a *Appointment, expected Status, evt *events.AppointmentChangedV1) error {
	rescheduling, err := marshalRescheduling(a.Rescheduling)
	if err != nil {
		return err
	}
	query := `
		UPDATE appointments
		SET appointment_date = $2, slot_start = $3, slot_end = $4, status = $5, rescheduling_info = $6, updated_at = now()
		WHERE id = $1 AND status = $7 AND deleted_at IS NULL
		RETURNING updated_at
	`
	return r.withEvent(ctx, a.ID, evt, func(db rowQuerier) error {
		err := db.QueryRow(ctx, query,
			a.ID, a.Date(), a.TimeSlot.Start, a.TimeSlot.End, string(a.Status), rescheduling, string(expected),
		).Scan(&a.UpdatedAt)
		return mapUpdateErr("update slot", err)
	})
}

// OccupiedStarts lists slot starts held by occupying appointments on date.
func (r *Repository) OccupiedStarts(ctx context.Context, doctorID string, date time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT slot_start FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2 AND status = ANY($3) AND deleted_at IS NULL
		ORDER BY slot_start
	`, doctorID, date.Format(doctors.DateLayout), occupyingArgs())
	if err != nil {
		return nil, fmt.Errorf("appointments: occupied starts: %w", err)
	}
	defer rows.Close()

	var starts []string
	for rows.Next() {
		var start string
		if err := rows.Scan(&start); err != nil {
			return nil, fmt.Errorf("appointments: scan occupied start: %w", err)
		}
		starts = append(starts, start)
	}
	return starts, rows.Err()
}

// ExistsOccupying reports whether another occupying appointment holds start.
func (r *Repository) ExistsOccupying(ctx context.Context, doctorID string, date time.Time, start, excludeID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1 AND appointment_date = $2 AND slot_start = $3
			  AND status = ANY($4) AND deleted_at IS NULL
			  AND ($5 = '' OR id::text <> $5)
		)
	`, doctorID, date.Format(doctors.DateLayout), start, occupyingArgs(), excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("appointments: check occupancy: %w", err)
	}
	return exists, nil
}

// UpdatePaymentStatus mirrors a payment status onto the appointment.
func (r *Repository) UpdatePaymentStatus(ctx context.Context, appointmentID, paymentStatus string) error {
	ct, err := r.db.Exec(ctx,
		`UPDATE appointments SET payment_status = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`,
		appointmentID, paymentStatus,
	)
	if err != nil {
		return fmt.Errorf("appointments: update payment status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

package doctors

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
)

// ErrDoctorNotFound is returned for missing, deleted, or unapproved doctors.
var ErrDoctorNotFound = apperr.NotFound("Doctor not found")

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists doctors, their blocks and date overrides.
// Tombstoned doctors (deleted_at set) are filtered here and nowhere else.
type Repository struct {
	db dbtx
}

// NewRepository creates a repository backed by pgx.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("doctors: pgx pool required")
	}
	return &Repository{db: pool}
}

func newRepositoryWithDB(db dbtx) *Repository {
	return &Repository{db: db}
}

const doctorColumns = `id, name, email, approved, consultation_fee_cents, consultation_duration_minutes,
	currency, timezone, weekly_availability, created_at, updated_at`

// Get loads a live doctor regardless of approval.
func (r *Repository) Get(ctx context.Context, id string) (*Doctor, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrDoctorNotFound
	}
	query := `SELECT ` + doctorColumns + ` FROM doctors WHERE id = $1 AND deleted_at IS NULL`
	var (
		d      Doctor
		weekly []byte
	)
	err := r.db.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.Name, &d.Email, &d.Approved, &d.ConsultationFeeCents, &d.ConsultationDuration,
		&d.Currency, &d.Timezone, &weekly, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("doctors: load: %w", err)
	}
	if len(weekly) > 0 {
		if err := json.Unmarshal(weekly, &d.Weekly); err != nil {
			return nil, fmt.Errorf("doctors: decode weekly availability: %w", err)
		}
	}
	return &d, nil
}

// GetApproved loads a doctor that is live and approved for booking.
func (r *Repository) GetApproved(ctx context.Context, id string) (*Doctor, error) {
	d, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Approved {
		return nil, ErrDoctorNotFound
	}
	return d, nil
}

// BlocksOn returns the date-level and slot-level blocks for one date.
func (r *Repository) BlocksOn(ctx context.Context, doctorID string, date time.Time) (DayBlocks, error) {
	var blocks DayBlocks
	day := date.Format(DateLayout)

	var exists int
	err := r.db.QueryRow(ctx,
		`SELECT 1 FROM doctor_blocked_dates WHERE doctor_id = $1 AND blocked_date = $2`,
		doctorID, day,
	).Scan(&exists)
	switch {
	case err == nil:
		blocks.DateBlocked = true
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return DayBlocks{}, fmt.Errorf("doctors: load blocked date: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT slot_start, slot_end FROM doctor_blocked_slots WHERE doctor_id = $1 AND blocked_date = $2 ORDER BY slot_start`,
		doctorID, day,
	)
	if err != nil {
		return DayBlocks{}, fmt.Errorf("doctors: load blocked slots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Slot
		if err := rows.Scan(&s.Start, &s.End); err != nil {
			return DayBlocks{}, fmt.Errorf("doctors: scan blocked slot: %w", err)
		}
		blocks.BlockedSlots = append(blocks.BlockedSlots, s)
	}
	return blocks, rows.Err()
}

// UpdateWeekly replaces the weekly availability table.
func (r *Repository) UpdateWeekly(ctx context.Context, doctorID string, weekly WeeklyAvailability) error {
	data, err := json.Marshal(weekly)
	if err != nil {
		return fmt.Errorf("doctors: marshal weekly availability: %w", err)
	}
	ct, err := r.db.Exec(ctx,
		`UPDATE doctors SET weekly_availability = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`,
		doctorID, data,
	)
	if err != nil {
		return fmt.Errorf("doctors: update weekly availability: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrDoctorNotFound
	}
	return nil
}

// SetApproval flips the approval flag gating bookability.
func (r *Repository) SetApproval(ctx context.Context, doctorID string, approved bool) error {
	ct, err := r.db.Exec(ctx,
		`UPDATE doctors SET approved = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`,
		doctorID, approved,
	)
	if err != nil {
		return fmt.Errorf("doctors: set approval: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrDoctorNotFound
	}
	return nil
}

// BlockDate marks a full calendar date unavailable.
func (r *Repository) BlockDate(ctx context.Context, doctorID string, date time.Time, reason string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO doctor_blocked_dates (doctor_id, blocked_date, reason) VALUES ($1, $2, $3)
		 ON CONFLICT (doctor_id, blocked_date) DO UPDATE SET reason = EXCLUDED.reason`,
		doctorID, date.Format(DateLayout), reason,
	)
	if err != nil {
		return fmt.Errorf("doctors: block date: %w", err)
	}
	return nil
}

// UnblockDate removes a date-level block.
func (r *Repository) UnblockDate(ctx context.Context, doctorID string, date time.Time) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM doctor_blocked_dates WHERE doctor_id = $1 AND blocked_date = $2`,
		doctorID, date.Format(DateLayout),
	); err != nil {
		return fmt.Errorf("doctors: unblock date: %w", err)
	}
	return nil
}

// BlockSlot blocks one exact (date,start,end) tuple.
func (r *Repository) BlockSlot(ctx context.Context, doctorID string, date time.Time, slot Slot) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO doctor_blocked_slots (doctor_id, blocked_date, slot_start, slot_end) VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		doctorID, date.Format(DateLayout), slot.Start, slot.End,
	)
	if err != nil {
		return fmt.Errorf("doctors: block slot: %w", err)
	}
	return nil
}

// UnblockSlot removes one exact (date,start,end) block.
func (r *Repository) UnblockSlot(ctx context.Context, doctorID string, date time.Time, slot Slot) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM doctor_blocked_slots WHERE doctor_id = $1 AND blocked_date = $2 AND slot_start = $3 AND slot_end = $4`,
		doctorID, date.Format(DateLayout), slot.Start, slot.End,
	); err != nil {
		return fmt.Errorf("doctors: unblock slot: %w", err)
	}
	return nil
}

// GetSchedule returns the date override, or nil when none exists.
func (r *Repository) GetSchedule(ctx context.Context, doctorID string, date time.Time) (*Schedule, error) {
	var (
		s     Schedule
		slots []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, doctor_id, schedule_date, time_slots, is_available, is_blocked, reason
		 FROM availability_schedules WHERE doctor_id = $1 AND schedule_date = $2`,
		doctorID, date.Format(DateLayout),
	).Scan(&s.ID, &s.DoctorID, &s.Date, &slots, &s.IsAvailable, &s.IsBlocked, &s.Reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("doctors: load schedule: %w", err)
	}
	if len(slots) > 0 {
		if err := json.Unmarshal(slots, &s.TimeSlots); err != nil {
			return nil, fmt.Errorf("doctors: decode schedule slots: %w", err)
		}
	}
	return &s, nil
}

// UpsertSchedule creates or replaces the one override per doctor per date.
func (r *Repository) UpsertSchedule(ctx context.Context, s Schedule) (*Schedule, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	slots, err := json.Marshal(s.TimeSlots)
	if err != nil {
		return nil, fmt.Errorf("doctors: marshal schedule slots: %w", err)
	}
	err = r.db.QueryRow(ctx,
		`INSERT INTO availability_schedules (id, doctor_id, schedule_date, time_slots, is_available, is_blocked, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (doctor_id, schedule_date) DO UPDATE SET
		   time_slots = EXCLUDED.time_slots,
		   is_available = EXCLUDED.is_available,
		   is_blocked = EXCLUDED.is_blocked,
		   reason = EXCLUDED.reason,
		   updated_at = now()
		 RETURNING id`,
		s.ID, s.DoctorID, s.Date.Format(DateLayout), slots, s.IsAvailable, s.IsBlocked, s.Reason,
	).Scan(&s.ID)
	if err != nil {
		return nil, fmt.Errorf("doctors: upsert schedule: %w", err)
	}
	return &s, nil
}

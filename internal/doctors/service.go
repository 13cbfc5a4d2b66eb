package doctors

import (
	"context"
	"strings"
	"time"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/internal/identity"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Store is the persistence surface the schedule service needs.
type Store interface {
	Get(ctx context.Context, id string) (*Doctor, error)
	UpdateWeekly(ctx context.Context, doctorID string, weekly WeeklyAvailability) error
	SetApproval(ctx context.Context, doctorID string, approved bool) error
	BlockDate(ctx context.Context, doctorID string, date time.Time, reason string) error
	UnblockDate(ctx context.Context, doctorID string, date time.Time) error
	BlockSlot(ctx context.Context, doctorID string, date time.Time, slot Slot) error
	UnblockSlot(ctx context.Context, doctorID string, date time.Time, slot Slot) error
	UpsertSchedule(ctx context.Context, s Schedule) (*Schedule, error)
}

var errNotScheduleOwner = apperr.Forbidden("Not authorized to modify this doctor's schedule")

// Service applies schedule edits by the owning doctor or an admin.
type Service struct {
	store  Store
	logger *logging.Logger
}

// NewService constructs the schedule service.
func NewService(store Store, logger *logging.Logger) *Service {
	if store == nil {
		panic("doctors: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, logger: logger}
}

func (s *Service) authorize(actor identity.Actor, doctorID string) error {
	if actor.IsAdmin() || (actor.IsDoctor() && actor.ID == doctorID) {
		return nil
	}
	return errNotScheduleOwner
}

func (s *Service) ensureDoctor(ctx context.Context, doctorID string) error {
	_, err := s.store.Get(ctx, doctorID)
	return err
}

// UpdateWeekly validates and replaces the weekly availability table.
func (s *Service) UpdateWeekly(ctx context.Context, actor identity.Actor, doctorID string, weekly WeeklyAvailability) error {
	if err := s.authorize(actor, doctorID); err != nil {
		return err
	}
	normalized, err := weekly.Validate()
	if err != nil {
		return apperr.Validation(err.Error())
	}
	if err := s.store.UpdateWeekly(ctx, doctorID, normalized); err != nil {
		return err
	}
	s.logger.Info("weekly availability updated", "doctor_id", doctorID, "actor_id", actor.ID)
	return nil
}

// SetApproval is admin-only.
func (s *Service) SetApproval(ctx context.Context, actor identity.Actor, doctorID string, approved bool) error {
	if !actor.IsAdmin() {
		return apperr.Forbidden("Only admins can approve doctors")
	}
	if err := s.store.SetApproval(ctx, doctorID, approved); err != nil {
		return err
	}
	s.logger.Info("doctor approval changed", "doctor_id", doctorID, "approved", approved, "actor_id", actor.ID)
	return nil
}

// BlockDate blocks a whole calendar date.
func (s *Service) BlockDate(ctx context.Context, actor identity.Actor, doctorID string, date time.Time, reason string) error {
	if err := s.authorize(actor, doctorID); err != nil {
		return err
	}
	if err := s.ensureDoctor(ctx, doctorID); err != nil {
		return err
	}
	return s.store.BlockDate(ctx, doctorID, date, strings.TrimSpace(reason))
}

// UnblockDate lifts a date-level block.
func (s *Service) UnblockDate(ctx context.Context, actor identity.Actor, doctorID string, date time.Time) error {
	if err := s.authorize(actor, doctorID); err != nil {
		return err
	}
	return s.store.UnblockDate(ctx, doctorID, date)
}

// BlockSlot blocks one exact slot on one date.
func (s *Service) BlockSlot(ctx context.Context, actor identity.Actor, doctorID string, date time.Time, slot Slot) error {
	if err := s.authorize(actor, doctorID); err != nil {
		return err
	}
	if err := ValidateSlot(slot); err != nil {
		return apperr.Validation(err.Error())
	}
	if err := s.ensureDoctor(ctx, doctorID); err != nil {
		return err
	}
	return s.store.BlockSlot(ctx, doctorID, date, slot)
}

// UnblockSlot lifts one exact slot block.
func (s *Service) UnblockSlot(ctx context.Context, actor identity.Actor, doctorID string, date time.Time, slot Slot) error {
	if err := s.authorize(actor, doctorID); err != nil {
		return err
	}
	return s.store.UnblockSlot(ctx, doctorID, date, slot)
}

// SaveSchedule creates or updates the date override.
func (s *Service) SaveSchedule(ctx context.Context, actor identity.Actor, schedule Schedule) (*Schedule, error) {
	if err := s.authorize(actor, schedule.DoctorID); err != nil {
		return nil, err
	}
	for _, slot := range schedule.TimeSlots {
		if err := ValidateSlot(slot.Slot()); err != nil {
			return nil, apperr.Validation(err.Error())
		}
	}
	if err := s.ensureDoctor(ctx, schedule.DoctorID); err != nil {
		return nil, err
	}
	return s.store.UpsertSchedule(ctx, schedule)
}

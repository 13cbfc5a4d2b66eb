package appointments

import (
	"context"
	"time"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/internal/doctors"
)

var (
	ErrDateBlocked  = apperr.Conflict("Doctor is not available on this date")
	ErrSlotBlocked  = apperr.Conflict("This time slot is blocked by the doctor")
	ErrSlotTaken    = apperr.Conflict("Time slot is already booked")
	ErrSlotInFlight = apperr.Conflict("Time slot is being booked by another request, please retry")
)

// DoctorLookup loads bookable doctors and their blocks for a date.
type DoctorLookup interface {
	GetApproved(ctx context.Context, id string) (*doctors.Doctor, error)
	BlocksOn(ctx context.Context, doctorID string, date time.Time) (doctors.DayBlocks, error)
}

// Occupancy answers whether an occupying appointment holds a slot start.
type Occupancy interface {
	ExistsOccupying(ctx context.Context, doctorID string, date time.Time, start, excludeID string) (bool, error)
}

// Guard validates a target slot for booking or rescheduling against the
// same block and booking data the availability resolver reads.
type Guard struct {
	doctors   DoctorLookup
	occupancy Occupancy
}

func NewGuard(doctorLookup DoctorLookup, occupancy Occupancy) *Guard {
	if doctorLookup == nil || occupancy == nil {
		panic("appointments: guard dependencies required")
	}
	return &Guard{doctors: doctorLookup, occupancy: occupancy}
}

// Check runs the slot checks in order and returns the approved doctor.
// excludeID skips the appointment being moved when rescheduling.
func (g *Guard) Check(ctx context.Context, doctorID string, date time.Time, slot doctors.Slot, excludeID string) (*doctors.Doctor, error) {
	if err := doctors.ValidateSlot(slot); err != nil {
		return nil, apperr.Validation(err.Error())
	}

	doc, err := g.doctors.GetApproved(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	blocks, err := g.doctors.BlocksOn(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	if blocks.DateBlocked {
		return nil, ErrDateBlocked
	}
	if blocks.SlotBlocked(slot) {
		return nil, ErrSlotBlocked
	}

	taken, err := g.occupancy.ExistsOccupying(ctx, doctorID, date, slot.Start, excludeID)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrSlotTaken
	}
	return doc, nil
}

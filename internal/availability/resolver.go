package availability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking/internal/doctors"
	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

var resolverTracer = otel.Tracer("clinic.internal.availability")

// DoctorSource loads bookable doctors and their per-date blocks.
type DoctorSource interface {
	GetApproved(ctx context.Context, id string) (*doctors.Doctor, error)
	BlocksOn(ctx context.Context, doctorID string, date time.Time) (doctors.DayBlocks, error)
}

// ScheduleSource loads the optional date override. A nil schedule means none.
type ScheduleSource interface {
	GetSchedule(ctx context.Context, doctorID string, date time.Time) (*doctors.Schedule, error)
}

// BookingSource lists slot starts held by occupying appointments on a date.
type BookingSource interface {
	OccupiedStarts(ctx context.Context, doctorID string, date time.Time) ([]string, error)
}

// Result is the bookable slot list for one doctor on one date.
type Result struct {
	Date      string         `json:"date"`
	Available bool           `json:"available"`
	Slots     []doctors.Slot `json:"slots"`
}

func unavailable(date time.Time) *Result {
	return &Result{Date: date.Format(doctors.DateLayout), Slots: []doctors.Slot{}}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the wall clock used for the same-day filter.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLocation sets the clinic timezone slots are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) {
		if loc != nil {
			r.location = loc
		}
	}
}

// WithMetrics attaches resolve latency metrics.
func WithMetrics(m *metrics.BookingMetrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// Resolver computes bookable slots from weekly rules, date overrides,
// date and slot blocks, and occupying appointments.
type Resolver struct {
	doctors   DoctorSource
	schedules ScheduleSource
	bookings  BookingSource
	now       func() time.Time
	location  *time.Location
	metrics   *metrics.BookingMetrics
	logger    *logging.Logger
}

// NewResolver wires a resolver. schedules may be nil when overrides are not stored.
func NewResolver(doctorSource DoctorSource, schedules ScheduleSource, bookings BookingSource, logger *logging.Logger, opts ...Option) *Resolver {
	if doctorSource == nil || bookings == nil {
		panic("availability: doctor and booking sources required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	r := &Resolver{
		doctors:   doctorSource,
		schedules: schedules,
		bookings:  bookings,
		now:       time.Now,
		location:  time.UTC,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the ordered bookable slots for doctorID on date.
// Unknown or unapproved doctors yield doctors.ErrDoctorNotFound.
func (r *Resolver) Resolve(ctx context.Context, doctorID string, date time.Time) (*Result, error) {
	started := time.Now()
	defer func() { r.metrics.ObserveSlotResolve(time.Since(started).Seconds()) }()

	ctx, span := resolverTracer.Start(ctx, "availability.resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.doctor_id", doctorID),
		attribute.String("booking.date", date.Format(doctors.DateLayout)),
	)

	date = doctors.DayOf(date)
	doc, err := r.doctors.GetApproved(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	blocks, err := r.doctors.BlocksOn(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	if blocks.DateBlocked {
		return unavailable(date), nil
	}

	candidates, err := r.candidates(ctx, doc, date)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return unavailable(date), nil
	}

	booked, err := r.bookings.OccupiedStarts(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]struct{}, len(booked))
	for _, start := range booked {
		taken[start] = struct{}{}
	}

	cutoff := -1
	nowLocal := r.now().In(r.location)
	if doctors.SameDay(nowLocal, date) {
		cutoff = nowLocal.Hour()*60 + nowLocal.Minute()
	}

	slots := make([]doctors.Slot, 0, len(candidates))
	for _, slot := range candidates {
		if blocks.SlotBlocked(slot) {
			continue
		}
		if _, ok := taken[slot.Start]; ok {
			continue
		}
		start, err := doctors.ParseClock(slot.Start)
		if err != nil {
			r.logger.Warn("skipping malformed slot", "doctor_id", doctorID, "start", slot.Start, "error", err)
			continue
		}
		if cutoff >= 0 && start <= cutoff {
			continue
		}
		slots = append(slots, slot)
	}
	doctors.SortSlots(slots)

	span.SetAttributes(attribute.Int("booking.slots", len(slots)))
	return &Result{
		Date:      date.Format(doctors.DateLayout),
		Available: len(slots) > 0,
		Slots:     slots,
	}, nil
}

// candidates applies the date override, falling back to the weekly rule.
func (r *Resolver) candidates(ctx context.Context, doc *doctors.Doctor, date time.Time) ([]doctors.Slot, error) {
	if r.schedules != nil {
		override, err := r.schedules.GetSchedule(ctx, doc.ID, date)
		if err != nil {
			return nil, err
		}
		if override != nil {
			if override.IsBlocked || !override.IsAvailable {
				return nil, nil
			}
			if len(override.TimeSlots) > 0 {
				return openSlots(override.TimeSlots), nil
			}
		}
	}

	rule, ok := doc.Weekly[doctors.DayName(date)]
	if !ok || !rule.IsAvailable {
		return nil, nil
	}
	return openSlots(rule.Slots), nil
}

func openSlots(configured []doctors.TimeSlot) []doctors.Slot {
	out := make([]doctors.Slot, 0, len(configured))
	for _, ts := range configured {
		if ts.IsAvailable {
			out = append(out, ts.Slot())
		}
	}
	return out
}

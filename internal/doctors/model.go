package doctors

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of calendar dates.
const DateLayout = "2006-01-02"

// Slot is a wall-clock {start,end} pair within a single calendar date.
type Slot struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// TimeSlot is a configured slot in the weekly table or a date override.
type TimeSlot struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	IsAvailable bool   `json:"isAvailable"`
}

// Slot drops the availability flag.
func (t TimeSlot) Slot() Slot { return Slot{Start: t.Start, End: t.End} }

// DayAvailability is the recurring rule for one day of the week.
type DayAvailability struct {
	IsAvailable bool       `json:"isAvailable"`
	Slots       []TimeSlot `json:"slots"`
}

// WeeklyAvailability is keyed by lower-case English day name ("monday").
type WeeklyAvailability map[string]DayAvailability

// Doctor is the bookable provider.
type Doctor struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name"`
	Email                string             `json:"email,omitempty"`
	Approved             bool               `json:"approved"`
	ConsultationFeeCents int64              `json:"consultationFee"`
	ConsultationDuration int                `json:"consultationDuration"`
	Currency             string             `json:"currency"`
	Timezone             string             `json:"timezone,omitempty"`
	Weekly               WeeklyAvailability `json:"availability"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

// DayBlocks is the block state of one doctor on one date.
type DayBlocks struct {
	DateBlocked  bool
	BlockedSlots []Slot
}

// SlotBlocked reports whether the exact (start,end) pair is blocked.
func (b DayBlocks) SlotBlocked(slot Slot) bool {
	for _, blocked := range b.BlockedSlots {
		if blocked.Start == slot.Start && blocked.End == slot.End {
			return true
		}
	}
	return false
}

// Schedule is a date-specific override of the weekly table.
type Schedule struct {
	ID          string     `json:"id"`
	DoctorID    string     `json:"doctorId"`
	Date        time.Time  `json:"date"`
	TimeSlots   []TimeSlot `json:"timeSlots"`
	IsAvailable bool       `json:"isAvailable"`
	IsBlocked   bool       `json:"isBlocked"`
	Reason      string     `json:"reason,omitempty"`
}

// ParseDate parses YYYY-MM-DD into a UTC midnight time.
func ParseDate(raw string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", raw)
	}
	return d, nil
}

// DayOf truncates t to its calendar date, keeping the wall-clock date of t's location.
func DayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDay compares two dates at day granularity.
func SameDay(a, b time.Time) bool {
	return a.Format(DateLayout) == b.Format(DateLayout)
}

// DayName returns the weekly-table key for date.
func DayName(date time.Time) string {
	return strings.ToLower(date.Weekday().String())
}

// ParseClock converts HH:MM to minutes since midnight.
func ParseClock(raw string) (int, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", raw)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", raw)
	}
	return h*60 + m, nil
}

// FormatClock converts minutes since midnight to HH:MM.
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// ValidateSlot checks both ends parse and start < end.
func ValidateSlot(slot Slot) error {
	start, err := ParseClock(slot.Start)
	if err != nil {
		return err
	}
	end, err := ParseClock(slot.End)
	if err != nil {
		return err
	}
	if start >= end {
		return fmt.Errorf("slot start %s must be before end %s", slot.Start, slot.End)
	}
	return nil
}

var dayNames = map[string]struct{}{
	"monday": {}, "tuesday": {}, "wednesday": {}, "thursday": {},
	"friday": {}, "saturday": {}, "sunday": {},
}

// Validate checks day keys and slot formats, and normalizes keys to lower case.
func (w WeeklyAvailability) Validate() (WeeklyAvailability, error) {
	out := make(WeeklyAvailability, len(w))
	for day, rule := range w {
		key := strings.ToLower(strings.TrimSpace(day))
		if _, ok := dayNames[key]; !ok {
			return nil, fmt.Errorf("unknown day %q", day)
		}
		for _, slot := range rule.Slots {
			if err := ValidateSlot(slot.Slot()); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		}
		out[key] = rule
	}
	return out, nil
}

// SortSlots orders slots by start time. Unparseable starts sort last.
func SortSlots(slots []Slot) {
	sort.SliceStable(slots, func(i, j int) bool {
		a, errA := ParseClock(slots[i].Start)
		b, errB := ParseClock(slots[j].Start)
		if errA != nil {
			return false
		}
		if errB != nil {
			return true
		}
		return a < b
	})
}

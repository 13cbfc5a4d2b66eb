package appointments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/internal/doctors"
)

func TestGuardCheckOrder(t *testing.T) {
	store := newMemStore()
	lookup := &fakeDoctors{doctor: &doctors.Doctor{ID: doctorID, Approved: true}}
	guard := NewGuard(lookup, store)
	ctx := context.Background()

	_, err := guard.Check(ctx, doctorID, monday, doctors.Slot{Start: "9am", End: "10am"}, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	held := Appointment{ID: "held", DoctorID: doctorID, AppointmentDate: monday, TimeSlot: slot0900, Status: StatusConfirmed}
	store.put(held)

	// A date block is reported ahead of an existing booking.
	lookup.blocks = map[string]doctors.DayBlocks{"2025-03-10": {DateBlocked: true}}
	_, err = guard.Check(ctx, doctorID, monday, slot0900, "")
	assert.ErrorIs(t, err, ErrDateBlocked)

	lookup.blocks = nil
	_, err = guard.Check(ctx, doctorID, monday, slot0900, "")
	assert.ErrorIs(t, err, ErrSlotTaken)

	doc, err := guard.Check(ctx, doctorID, monday, slot0900, "held")
	require.NoError(t, err)
	assert.Equal(t, doctorID, doc.ID)

	lookup.doctor.Approved = false
	_, err = guard.Check(ctx, doctorID, monday, slot0930, "")
	assert.ErrorIs(t, err, doctors.ErrDoctorNotFound)
}

func TestGuardIgnoresReleasedAppointments(t *testing.T) {
	store := newMemStore()
	guard := NewGuard(&fakeDoctors{doctor: &doctors.Doctor{ID: doctorID, Approved: true}}, store)

	for _, status := range []Status{StatusCancelled, StatusCompleted} {
		store.put(Appointment{ID: string(status), DoctorID: doctorID, AppointmentDate: monday, TimeSlot: slot0900, Status: status})
	}
	_, err := guard.Check(context.Background(), doctorID, monday, slot0900, "")
	assert.NoError(t, err)
}

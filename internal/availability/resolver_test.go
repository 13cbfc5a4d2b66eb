package availability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/internal/doctors"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

type fakeDoctors struct {
	doctor *doctors.Doctor
	blocks map[string]doctors.DayBlocks
}

func (f *fakeDoctors) GetApproved(ctx context.Context, id string) (*doctors.Doctor, error) {
	if f.doctor == nil || f.doctor.ID != id || !f.doctor.Approved {
		return nil, doctors.ErrDoctorNotFound
	}
	return f.doctor, nil
}

func (f *fakeDoctors) BlocksOn(ctx context.Context, doctorID string, date time.Time) (doctors.DayBlocks, error) {
	return f.blocks[date.Format(doctors.DateLayout)], nil
}

type fakeSchedules map[string]*doctors.Schedule

func (f fakeSchedules) GetSchedule(ctx context.Context, doctorID string, date time.Time) (*doctors.Schedule, error) {
	return f[date.Format(doctors.DateLayout)], nil
}

type fakeBookings map[string][]string

func (f fakeBookings) OccupiedStarts(ctx context.Context, doctorID string, date time.Time) ([]string, error) {
	return f[date.Format(doctors.DateLayout)], nil
}

// monday is 2025-03-10.
var monday = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func mondayDoctor() *doctors.Doctor {
	return &doctors.Doctor{
		ID:                   "doc-1",
		Approved:             true,
		ConsultationFeeCents: 50000,
		ConsultationDuration: 30,
		Weekly: doctors.WeeklyAvailability{
			"monday": {IsAvailable: true, Slots: []doctors.TimeSlot{
				{Start: "09:30", End: "10:00", IsAvailable: true},
				{Start: "09:00", End: "09:30", IsAvailable: true},
				{Start: "10:00", End: "10:30", IsAvailable: false},
			}},
			"tuesday": {IsAvailable: false, Slots: []doctors.TimeSlot{{Start: "09:00", End: "09:30", IsAvailable: true}}},
		},
	}
}

func fixedClock(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func newTestResolver(d *fakeDoctors, s fakeSchedules, b fakeBookings, opts ...Option) *Resolver {
	opts = append([]Option{fixedClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))}, opts...)
	return NewResolver(d, s, b, logging.Discard(), opts...)
}

func TestResolveBookedSlotIsRemoved(t *testing.T) {
	r := newTestResolver(&fakeDoctors{doctor: mondayDoctor()}, nil, fakeBookings{"2025-03-10": {"09:00"}})

	res, err := r.Resolve(context.Background(), "doc-1", monday)
	require.NoError(t, err)
	assert.True(t, res.Available)
	assert.Equal(t, []doctors.Slot{{Start: "09:30", End: "10:00"}}, res.Slots)
}

func TestResolveOrdersSlotsAndSkipsUnavailable(t *testing.T) {
	r := newTestResolver(&fakeDoctors{doctor: mondayDoctor()}, nil, fakeBookings{})

	res, err := r.Resolve(context.Background(), "doc-1", monday)
	require.NoError(t, err)
	assert.Equal(t, []doctors.Slot{{Start: "09:00", End: "09:30"}, {Start: "09:30", End: "10:00"}}, res.Slots)
}

func TestResolveBlockedDateWins(t *testing.T) {
	d := &fakeDoctors{
		doctor: mondayDoctor(),
		blocks: map[string]doctors.DayBlocks{"2025-03-10": {DateBlocked: true}},
	}
	override := fakeSchedules{"2025-03-10": {IsAvailable: true, TimeSlots: []doctors.TimeSlot{{Start: "15:00", End: "15:30", IsAvailable: true}}}}
	r := newTestResolver(d, override, fakeBookings{})

	res, err := r.Resolve(context.Background(), "doc-1", monday)
	require.NoError(t, err)
	assert.False(t, res.Available)
	assert.NotNil(t, res.Slots)
	assert.Empty(t, res.Slots)

	body, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2025-03-10","available":false,"slots":[]}`, string(body))
}

func TestResolveSlotBlockIsExactPair(t *testing.T) {
	d := &fakeDoctors{
		doctor: mondayDoctor(),
		blocks: map[string]doctors.DayBlocks{"2025-03-10": {BlockedSlots: []doctors.Slot{
			{Start: "09:00", End: "09:30"},
			{Start: "09:30", End: "10:30"},
		}}},
	}
	r := newTestResolver(d, nil, fakeBookings{})

	res, err := r.Resolve(context.Background(), "doc-1", monday)
	require.NoError(t, err)
	assert.Equal(t, []doctors.Slot{{Start: "09:30", End: "10:00"}}, res.Slots)
}

func TestResolveFailsClosed(t *testing.T) {
	r := newTestResolver(&fakeDoctors{doctor: mondayDoctor()}, nil, fakeBookings{})

	// Tuesday is marked unavailable, Wednesday has no rule.
	for _, date := range []time.Time{monday.AddDate(0, 0, 1), monday.AddDate(0, 0, 2)} {
		res, err := r.Resolve(context.Background(), "doc-1", date)
		require.NoError(t, err)
		assert.False(t, res.Available, date)
		assert.Empty(t, res.Slots)
	}
}

func TestResolveScheduleOverride(t *testing.T) {
	d := &fakeDoctors{doctor: mondayDoctor()}

	replaced := newTestResolver(d, fakeSchedules{"2025-03-12": {IsAvailable: true, TimeSlots: []doctors.TimeSlot{
		{Start: "14:00", End: "14:30", IsAvailable: true},
		{Start: "14:30", End: "15:00", IsAvailable: false},
	}}}, fakeBookings{})
	res, err := replaced.Resolve(context.Background(), "doc-1", monday.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, []doctors.Slot{{Start: "14:00", End: "14:30"}}, res.Slots)

	closed := newTestResolver(d, fakeSchedules{"2025-03-10": {IsAvailable: true, IsBlocked: true}}, fakeBookings{})
	res, err = closed.Resolve(context.Background(), "doc-1", monday)
	require.NoError(t, err)
	assert.False(t, res.Available)

	// An available override without explicit slots keeps the weekly table.
	passthrough := newTestResolver(d, fakeSchedules{"2025-03-10": {IsAvailable: true}}, fakeBookings{})
	res, err = passthrough.Resolve(context.Background(), "doc-1", monday)
	require.NoError(t, err)
	assert.Len(t, res.Slots, 2)
}

func TestResolveTodayOnlyReturnsFutureStarts(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	r := newTestResolver(&fakeDoctors{doctor: mondayDoctor()}, nil, fakeBookings{}, fixedClock(now))

	res, err := r.Resolve(context.Background(), "doc-1", monday)
	require.NoError(t, err)
	require.NotEmpty(t, res.Slots)
	for _, slot := range res.Slots {
		start, err := doctors.ParseClock(slot.Start)
		require.NoError(t, err)
		assert.Greater(t, start, now.Hour()*60+now.Minute())
	}
	assert.Equal(t, []doctors.Slot{{Start: "09:30", End: "10:00"}}, res.Slots)
}

func TestResolveTodayUsesClinicLocation(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	// 03:45 UTC is 09:15 in Kolkata on the same Monday.
	now := time.Date(2025, 3, 10, 3, 45, 0, 0, time.UTC)
	r := newTestResolver(&fakeDoctors{doctor: mondayDoctor()}, nil, fakeBookings{}, fixedClock(now), WithLocation(kolkata))

	res, err := r.Resolve(context.Background(), "doc-1", monday)
	require.NoError(t, err)
	assert.Equal(t, []doctors.Slot{{Start: "09:30", End: "10:00"}}, res.Slots)
}

func TestResolveUnknownOrUnapprovedDoctor(t *testing.T) {
	doc := mondayDoctor()
	doc.Approved = false
	r := newTestResolver(&fakeDoctors{doctor: doc}, nil, fakeBookings{})

	_, err := r.Resolve(context.Background(), "doc-1", monday)
	assert.ErrorIs(t, err, doctors.ErrDoctorNotFound)

	_, err = r.Resolve(context.Background(), "doc-2", monday)
	assert.ErrorIs(t, err, doctors.ErrDoctorNotFound)
}

func TestHandlerGetAvailableSlots(t *testing.T) {
	r := newTestResolver(&fakeDoctors{doctor: mondayDoctor()}, nil, fakeBookings{"2025-03-10": {"09:00"}})
	router := chi.NewRouter()
	router.Get("/available-slots/{doctorID}", NewHandler(r, logging.Discard()).GetAvailableSlots)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/available-slots/doc-1?date=2025-03-10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"date":"2025-03-10","available":true,"slots":[{"start":"09:30","end":"10:00"}]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/available-slots/doc-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "date query parameter is required")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/available-slots/doc-9?date=2025-03-10", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Doctor not found")
}

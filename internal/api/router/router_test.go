package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/internal/appointments"
	"github.com/wolfman30/clinic-booking/internal/availability"
	"github.com/wolfman30/clinic-booking/internal/doctors"
	httpmiddleware "github.com/wolfman30/clinic-booking/internal/http/middleware"
	"github.com/wolfman30/clinic-booking/internal/payments"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

const testSecret = "router-secret"

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

// newTestRouter mounts handlers without services: every request exercised
// here is answered by middleware or input validation before a service call.
func newTestRouter(t *testing.T, health Pinger) http.Handler {
	t.Helper()
	logger := logging.Discard()
	return New(&Config{
		Logger:         logger,
		Availability:   availability.NewHandler(nil, logger),
		Appointments:   appointments.NewHandler(nil, logger),
		Doctors:        doctors.NewHandler(nil, logger),
		Payments:       payments.NewHandler(nil, logger),
		JWTSecret:      testSecret,
		MetricsHandler: promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
		Health:         health,
	})
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	claims := httpmiddleware.ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func serve(router http.Handler, method, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouterHealthEndpoint(t *testing.T) {
	rec := serve(newTestRouter(t, stubPinger{}), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])

	rec = serve(newTestRouter(t, stubPinger{err: errors.New("db down")}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestRouterMetricsEndpoint(t *testing.T) {
	rec := serve(newTestRouter(t, nil), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterAvailabilityIsPublic(t *testing.T) {
	rec := serve(newTestRouter(t, nil), http.MethodGet, "/api/available-slots/doc-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"date query parameter is required"}`, rec.Body.String())
}

func TestRouterRequiresToken(t *testing.T) {
	router := newTestRouter(t, nil)
	paths := []struct{ method, path string }{
		{http.MethodPost, "/api/appointments"},
		{http.MethodGet, "/api/appointments/a-1"},
		{http.MethodPut, "/api/doctor/appointments/a-1/accept"},
		{http.MethodPut, "/api/doctor/availability"},
		{http.MethodPost, "/api/payments"},
		{http.MethodPost, "/api/payments/p-1/refund"},
	}
	for _, p := range paths {
		rec := serve(router, p.method, p.path, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", p.method, p.path)
	}
}

func TestRouterRoleGuards(t *testing.T) {
	router := newTestRouter(t, nil)
	patientToken := token(t, "patient-1", "patient")
	doctorToken := token(t, "doctor-1", "doctor")

	tests := []struct {
		name   string
		method string
		path   string
		bearer string
	}{
		{"patient cannot accept", http.MethodPut, "/api/doctor/appointments/a-1/accept", patientToken},
		{"patient cannot edit availability", http.MethodPut, "/api/doctor/availability", patientToken},
		{"patient cannot refund", http.MethodPost, "/api/payments/p-1/refund", patientToken},
		{"patient cannot set offline status", http.MethodPut, "/api/payments/p-1/status", patientToken},
		{"doctor cannot book", http.MethodPost, "/api/appointments", doctorToken},
		{"doctor cannot create payments", http.MethodPost, "/api/payments", doctorToken},
		{"doctor cannot approve doctors", http.MethodPut, "/api/admin/doctors/d-1/approval", doctorToken},
		{"doctor cannot retry refunds", http.MethodPost, "/api/payments/p-1/refunds/r-1/retry", doctorToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(router, tt.method, tt.path, tt.bearer)
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
}

func TestRouterAdminReachesScheduleRoutes(t *testing.T) {
	router := newTestRouter(t, nil)
	adminToken := token(t, "admin-1", "admin")

	rec := serve(router, http.MethodPut, "/api/doctor/availability?doctorId=d-1", adminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid payload"}`, rec.Body.String())

	rec = serve(router, http.MethodPut, "/api/doctor/appointments/a-1/accept", adminToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// Embedded nil interfaces: the webhook paths below are answered before any
// store access.
type unusedPaymentStore struct{ payments.Store }

type unusedAppointmentSource struct{ payments.AppointmentSource }

func TestRouterPaymentWebhookIsPublic(t *testing.T) {
	logger := logging.Discard()
	manager := payments.NewManager(unusedPaymentStore{}, unusedAppointmentSource{}, payments.NewRegistry(), logger)
	router := New(&Config{
		Logger:             logger,
		Payments:           payments.NewHandler(nil, logger),
		PaymentWebhooks:    payments.NewWebhookHandler(manager, nil, nil, time.Second, logger),
		JWTSecret:          testSecret,
		CORSAllowedOrigins: []string{"*"},
	})

	rec := serve(router, http.MethodPost, "/api/payments/webhook/offline", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Gateway does not accept webhooks"}`, rec.Body.String())

	rec = serve(router, http.MethodPost, "/api/payments/webhook/paypal", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Unsupported payment gateway"}`, rec.Body.String())

	rec = serve(router, http.MethodGet, "/api/payments/p-1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "payment reads stay behind the token")
}

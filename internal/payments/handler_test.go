package payments

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/internal/identity"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

func newTestRouter(f *fixture) http.Handler {
	h := NewHandler(f.manager, logging.Discard())
	r := chi.NewRouter()
	r.Post("/payments", h.Create)
	r.Get("/payments/{id}", h.Get)
	r.Post("/payments/{id}/verify", h.Verify)
	r.Put("/payments/{id}/status", h.UpdateStatus)
	r.Post("/payments/{id}/refund", h.Refund)
	r.Get("/payments/{id}/refunds", h.ListRefunds)
	r.Post("/payments/{id}/refunds/{refundID}/retry", h.RetryRefund)
	return r
}

func do(t *testing.T, router http.Handler, actor *identity.Actor, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != nil {
		req = req.WithContext(identity.WithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	rec := do(t, router, &patient, http.MethodPost, "/payments", `{"appointmentId":"appt-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, "pending", first["status"])
	assert.Equal(t, "stripe", first["paymentGateway"])
	assert.Equal(t, float64(1000), first["amount"])
	assert.Equal(t, "pi_1", first["gatewayOrderId"])

	rec = do(t, router, &patient, http.MethodPost, "/payments", `{"appointmentId":"appt-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var second map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first["id"], second["id"])
}

func TestHandlerCreateErrors(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	rec := do(t, router, nil, http.MethodPost, "/payments", `{"appointmentId":"appt-1"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, router, &patient, http.MethodPost, "/payments", `{"appointmentId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, &patient, http.MethodPost, "/payments", `{"appointmentId":"appt-1","paymentGateway":"paypal"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Unsupported payment gateway"}`, rec.Body.String())

	rec = do(t, router, &patient2, http.MethodPost, "/payments", `{"appointmentId":"appt-1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, &patient, http.MethodPost, "/payments", `{"appointmentId":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerVerifyAndRefund(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	p := f.seed(GatewayStripe, StatusPending)
	f.stripe.verifyStatus = StatusCompleted

	rec := do(t, router, &patient, http.MethodPost, "/payments/"+p.ID+"/verify", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = do(t, router, &patient, http.MethodPost, "/payments/"+p.ID+"/refund", `{"amount":400}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, &doctor, http.MethodPost, "/payments/"+p.ID+"/refund", `{"amount":400,"reason":"partial"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Payment Payment `json:"payment"`
		Refund  Refund  `json:"refund"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, StatusPartiallyRefunded, out.Payment.Status)
	assert.Equal(t, int64(600), out.Payment.RefundAmountRemaining)
	assert.Equal(t, RefundStatusProcessed, out.Refund.Status)

	rec = do(t, router, &doctor, http.MethodPost, "/payments/"+p.ID+"/refund", `{"amount":700}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Refund amount exceeds the remaining refundable amount"}`, rec.Body.String())

	rec = do(t, router, &patient, http.MethodGet, "/payments/"+p.ID+"/refunds", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Refunds []Refund `json:"refunds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Refunds, 1)

	rec = do(t, router, &admin, http.MethodPost, "/payments/"+p.ID+"/refunds/"+listed.Refunds[0].ID+"/retry", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "processed refunds need no reconciliation")
}

func TestHandlerUpdateStatus(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	p := f.seed(GatewayOffline, StatusPending)

	rec := do(t, router, &doctor, http.MethodPut, "/payments/"+p.ID+"/status", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, &doctor, http.MethodPut, "/payments/"+p.ID+"/status", `{"status":"completed"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = do(t, router, &patient, http.MethodGet, "/payments/"+p.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"paidAt"`)
}

func TestHandlerUpdateStatusRejectsOnlineGateway(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	p := f.seed(GatewayStripe, StatusPending)

	rec := do(t, router, &admin, http.MethodPut, "/payments/"+p.ID+"/status", `{"status":"completed"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Status of online payments is set by the gateway"}`, rec.Body.String())
}

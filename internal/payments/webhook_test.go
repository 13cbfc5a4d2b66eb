package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

type stubProcessedTracker struct {
	mu       sync.Mutex
	seen     map[string]bool
	released []string
}

func (s *stubProcessedTracker) MarkProcessed(ctx context.Context, gateway, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	key := gateway + ":" + eventID
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

func (s *stubProcessedTracker) Release(ctx context.Context, gateway, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, gateway+":"+eventID)
	s.released = append(s.released, eventID)
	return nil
}

func newWebhookRouter(h *WebhookHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/payments/webhook/{gateway}", h.Handle)
	return r
}

func postWebhook(router http.Handler, gateway, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook/"+gateway, strings.NewReader(`{"id":"evt_1"}`))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandler_ReconcilesOnce(t *testing.T) {
	f := newFixture(t)
	p := f.seed(GatewayStripe, StatusPending)
	f.stripe.webhookEvent = &WebhookEvent{EventID: "evt_1", TransactionID: "pi_seed", Status: StatusCompleted}
	processed := &stubProcessedTracker{}
	h := NewWebhookHandler(f.manager, processed, metrics.NewBookingMetrics(prometheus.NewRegistry()), time.Second, logging.Discard())
	router := newWebhookRouter(h)

	rec := postWebhook(router, "stripe", "valid")
	require.Equal(t, http.StatusOK, rec.Code)
	h.Wait()
	assert.Equal(t, StatusCompleted, f.store.stored(p.ID).Status)
	assert.Equal(t, StatusCompleted, f.store.apptPaymentStatus["appt-1"])

	rec = postWebhook(router, "STRIPE", "valid")
	assert.Equal(t, http.StatusOK, rec.Code)
	h.Wait()
	assert.Len(t, f.store.settled, 1)
}

func TestWebhookHandler_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	p := f.seed(GatewayStripe, StatusPending)
	f.stripe.webhookEvent = &WebhookEvent{EventID: "evt_1", TransactionID: "pi_seed", Status: StatusCompleted}
	processed := &stubProcessedTracker{}
	h := NewWebhookHandler(f.manager, processed, nil, time.Second, logging.Discard())
	router := newWebhookRouter(h)

	rec := postWebhook(router, "stripe", "forged")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = postWebhook(router, "stripe", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	h.Wait()

	assert.Equal(t, StatusPending, f.store.stored(p.ID).Status)
	assert.Empty(t, processed.seen)
}

func TestWebhookHandler_UnknownAndOfflineGateways(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookHandler(f.manager, &stubProcessedTracker{}, nil, time.Second, logging.Discard())
	router := newWebhookRouter(h)

	rec := postWebhook(router, "paypal", "valid")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postWebhook(router, "offline", "valid")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookHandler_ReleasesEventOnFailure(t *testing.T) {
	f := newFixture(t)
	f.stripe.webhookEvent = &WebhookEvent{EventID: "evt_1", TransactionID: "pi_unknown", Status: StatusCompleted}
	processed := &stubProcessedTracker{}
	h := NewWebhookHandler(f.manager, processed, nil, time.Second, logging.Discard())
	router := newWebhookRouter(h)

	rec := postWebhook(router, "stripe", "valid")
	assert.Equal(t, http.StatusOK, rec.Code, "processing failures are not surfaced to the provider")
	h.Wait()

	assert.Equal(t, []string{"evt_1"}, processed.released)
	assert.Empty(t, processed.seen, "a redelivery can be processed again")
}

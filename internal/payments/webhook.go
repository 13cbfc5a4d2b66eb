package payments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

const maxWebhookBody = 1 << 20

// processedTracker claims provider event ids so replays are dropped.
type processedTracker interface {
	MarkProcessed(ctx context.Context, gateway, eventID string) (bool, error)
	Release(ctx context.Context, gateway, eventID string) error
}

// WebhookHandler receives provider notifications on
// POST /payments/webhook/{gateway}. The signature is checked before the
// request is acknowledged; reconciliation runs after the response.
type WebhookHandler struct {
	manager   *Manager
	processed processedTracker
	metrics   *metrics.BookingMetrics
	timeout   time.Duration
	logger    *logging.Logger
	wg        sync.WaitGroup
}

func NewWebhookHandler(manager *Manager, processed processedTracker, m *metrics.BookingMetrics, timeout time.Duration, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookHandler{
		manager:   manager,
		processed: processed,
		metrics:   m,
		timeout:   timeout,
		logger:    logger,
	}
}

func signatureHeader(r *http.Request) string {
	if sig := r.Header.Get("Stripe-Signature"); sig != "" {
		return sig
	}
	return r.Header.Get("X-Square-Signature")
}

func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	gateway := strings.ToLower(chi.URLParam(r, "gateway"))
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	evt, err := h.manager.VerifyWebhook(r.Context(), gateway, WebhookRequest{
		Payload:   payload,
		Signature: signatureHeader(r),
		URL:       absoluteURL(r),
	})
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			h.logger.Warn("webhook signature rejected", "gateway", gateway, "remote_addr", r.RemoteAddr)
			h.metrics.ObserveWebhook(gateway, "rejected")
		} else {
			h.logger.Warn("webhook verification failed", "gateway", gateway, "error", err)
			h.metrics.ObserveWebhook(gateway, "invalid")
		}
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.Validation("invalid webhook payload")
		}
		apperr.WriteJSON(w, err)
		return
	}

	if h.processed != nil {
		fresh, err := h.processed.MarkProcessed(r.Context(), gateway, evt.EventID)
		if err != nil {
			h.logger.Error("processed lookup failed", "gateway", gateway, "event_id", evt.EventID, "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		if !fresh {
			h.metrics.ObserveWebhook(gateway, "duplicate")
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	h.wg.Add(1)
	go h.process(gateway, evt)
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) process(gateway string, evt *WebhookEvent) {
	defer h.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.manager.ReconcileWebhook(ctx, gateway, evt); err != nil {
		h.metrics.ObserveWebhook(gateway, "failed")
		h.logger.Error("webhook reconciliation failed",
			"gateway", gateway,
			"event_id", evt.EventID,
			"transaction_id", evt.TransactionID,
			"gateway_order_id", evt.OrderID,
			"error", err,
		)
		if h.processed != nil {
			// ctx may already be expired when reconciliation timed out.
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			if rerr := h.processed.Release(releaseCtx, gateway, evt.EventID); rerr != nil {
				h.logger.Error("failed to release webhook event", "gateway", gateway, "event_id", evt.EventID, "error", rerr)
			}
		}
		return
	}
	h.metrics.ObserveWebhook(gateway, "processed")
}

// Wait blocks until in-flight reconciliations finish.
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}

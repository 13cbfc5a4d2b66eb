package availability

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/internal/doctors"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Handler serves the public slot lookup.
type Handler struct {
	resolver *Resolver
	logger   *logging.Logger
}

func NewHandler(resolver *Resolver, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{resolver: resolver, logger: logger}
}

// GetAvailableSlots handles GET /available-slots/{doctorID}?date=YYYY-MM-DD.
func (h *Handler) GetAvailableSlots(w http.ResponseWriter, r *http.Request) {
	doctorID := strings.TrimSpace(chi.URLParam(r, "doctorID"))
	if doctorID == "" {
		apperr.WriteJSON(w, apperr.Validation("doctorId is required"))
		return
	}
	raw := r.URL.Query().Get("date")
	if raw == "" {
		apperr.WriteJSON(w, apperr.Validation("date query parameter is required"))
		return
	}
	date, err := doctors.ParseDate(raw)
	if err != nil {
		apperr.WriteJSON(w, apperr.Validation(err.Error()))
		return
	}

	result, err := h.resolver.Resolve(r.Context(), doctorID, date)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			h.logger.Error("resolve available slots failed", "doctor_id", doctorID, "date", raw, "error", err)
		}
		apperr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

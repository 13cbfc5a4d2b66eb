package doctors

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/internal/identity"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Handler exposes schedule administration over HTTP.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

type blockDateRequest struct {
	Reason string `json:"reason"`
}

type blockSlotRequest struct {
	Date  string `json:"date"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type scheduleRequest struct {
	TimeSlots   []TimeSlot `json:"timeSlots"`
	IsAvailable bool       `json:"isAvailable"`
	IsBlocked   bool       `json:"isBlocked"`
	Reason      string     `json:"reason"`
}

type approvalRequest struct {
	Approved bool `json:"approved"`
}

// doctorID resolves the target doctor: admins pass ?doctorId=, doctors act on themselves.
func doctorID(r *http.Request, actor identity.Actor) string {
	if actor.IsAdmin() {
		if id := r.URL.Query().Get("doctorId"); id != "" {
			return id
		}
	}
	return actor.ID
}

func actorOrFail(w http.ResponseWriter, r *http.Request) (identity.Actor, bool) {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		apperr.WriteJSON(w, apperr.Unauthorized("Authentication required"))
	}
	return actor, ok
}

func dateParam(w http.ResponseWriter, raw string) (time.Time, bool) {
	date, err := ParseDate(raw)
	if err != nil {
		apperr.WriteJSON(w, apperr.Validation(err.Error()))
		return time.Time{}, false
	}
	return date, true
}

func (h *Handler) UpdateWeekly(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	var weekly WeeklyAvailability
	if err := json.NewDecoder(r.Body).Decode(&weekly); err != nil {
		apperr.WriteJSON(w, apperr.Validation("invalid payload"))
		return
	}
	if err := h.service.UpdateWeekly(r.Context(), actor, doctorID(r, actor), weekly); err != nil {
		h.fail(w, "update weekly availability", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) BlockDate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	date, ok := dateParam(w, chi.URLParam(r, "date"))
	if !ok {
		return
	}
	var req blockDateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperr.WriteJSON(w, apperr.Validation("invalid payload"))
			return
		}
	}
	if err := h.service.BlockDate(r.Context(), actor, doctorID(r, actor), date, req.Reason); err != nil {
		h.fail(w, "block date", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UnblockDate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	date, ok := dateParam(w, chi.URLParam(r, "date"))
	if !ok {
		return
	}
	if err := h.service.UnblockDate(r.Context(), actor, doctorID(r, actor), date); err != nil {
		h.fail(w, "unblock date", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) BlockSlot(w http.ResponseWriter, r *http.Request) {
	h.slotBlock(w, r, true)
}

func (h *Handler) UnblockSlot(w http.ResponseWriter, r *http.Request) {
	h.slotBlock(w, r, false)
}

func (h *Handler) slotBlock(w http.ResponseWriter, r *http.Request, block bool) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	var req blockSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSON(w, apperr.Validation("invalid payload"))
		return
	}
	date, ok := dateParam(w, req.Date)
	if !ok {
		return
	}
	slot := Slot{Start: req.Start, End: req.End}
	var err error
	if block {
		err = h.service.BlockSlot(r.Context(), actor, doctorID(r, actor), date, slot)
	} else {
		err = h.service.UnblockSlot(r.Context(), actor, doctorID(r, actor), date, slot)
	}
	if err != nil {
		h.fail(w, "slot block", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SaveSchedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	date, ok := dateParam(w, chi.URLParam(r, "date"))
	if !ok {
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSON(w, apperr.Validation("invalid payload"))
		return
	}
	saved, err := h.service.SaveSchedule(r.Context(), actor, Schedule{
		DoctorID:    doctorID(r, actor),
		Date:        date,
		TimeSlots:   req.TimeSlots,
		IsAvailable: req.IsAvailable,
		IsBlocked:   req.IsBlocked,
		Reason:      req.Reason,
	})
	if err != nil {
		h.fail(w, "save schedule", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(saved)
}

func (h *Handler) SetApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSON(w, apperr.Validation("invalid payload"))
		return
	}
	if err := h.service.SetApproval(r.Context(), actor, chi.URLParam(r, "doctorID"), req.Approved); err != nil {
		h.fail(w, "set approval", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		h.logger.Error("doctor schedule request failed", "op", op, "error", err)
	}
	apperr.WriteJSON(w, err)
}

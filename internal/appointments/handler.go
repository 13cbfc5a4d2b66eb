package appointments

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/internal/doctors"
	"github.com/wolfman30/clinic-booking/internal/identity"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Handler exposes booking and appointment transitions over HTTP.
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

type bookRequest struct {
	DoctorID              string       `json:"doctorId"`
	AppointmentDate       string       `json:"appointmentDate"`
	TimeSlot              doctors.Slot `json:"timeSlot"`
	PaymentGateway        string       `json:"paymentGateway"`
	Notes                 string       `json:"notes"`
	PreviousAppointmentID string       `json:"previousAppointmentId"`
}

type rescheduleRequest struct {
	AppointmentDate string       `json:"appointmentDate"`
	TimeSlot        doctors.Slot `json:"timeSlot"`
	Reason          string       `json:"reason"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (identity.Actor, bool) {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		apperr.WriteJSON(w, apperr.Unauthorized("Authentication required"))
	}
	return actor, ok
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apperr.WriteJSON(w, apperr.Validation("invalid payload"))
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, status int, a *Appointment) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(a)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		h.logger.Error("appointment request failed", "op", op, "error", err)
	}
	apperr.WriteJSON(w, err)
}

// Create handles POST /appointments.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSON(w, apperr.Validation("invalid payload"))
		return
	}
	date, err := doctors.ParseDate(req.AppointmentDate)
	if err != nil {
		apperr.WriteJSON(w, apperr.Validation(err.Error()))
		return
	}
	a, err := h.service.Book(r.Context(), actor, BookRequest{
		DoctorID:              req.DoctorID,
		Date:                  date,
		TimeSlot:              req.TimeSlot,
		PaymentGateway:        req.PaymentGateway,
		Notes:                 req.Notes,
		PreviousAppointmentID: req.PreviousAppointmentID,
	})
	if err != nil {
		h.fail(w, "book", err)
		return
	}
	h.respond(w, http.StatusCreated, a)
}

// Get handles GET /appointments/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	a, err := h.service.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get", err)
		return
	}
	h.respond(w, http.StatusOK, a)
}

// Cancel handles PUT /appointments/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.service.Cancel(r.Context(), actor, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, "cancel", err)
		return
	}
	h.respond(w, http.StatusOK, a)
}

func (h *Handler) parseReschedule(w http.ResponseWriter, r *http.Request) (RescheduleRequest, bool) {
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSON(w, apperr.Validation("invalid payload"))
		return RescheduleRequest{}, false
	}
	date, err := doctors.ParseDate(req.AppointmentDate)
	if err != nil {
		apperr.WriteJSON(w, apperr.Validation(err.Error()))
		return RescheduleRequest{}, false
	}
	return RescheduleRequest{Date: date, TimeSlot: req.TimeSlot, Reason: req.Reason}, true
}

// Reschedule handles PUT /appointments/{id}/reschedule.
func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, ok := h.parseReschedule(w, r)
	if !ok {
		return
	}
	a, err := h.service.Reschedule(r.Context(), actor, chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, "reschedule", err)
		return
	}
	h.respond(w, http.StatusOK, a)
}

// RequestReschedule handles PUT /appointments/{id}/reschedule-request.
func (h *Handler) RequestReschedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, ok := h.parseReschedule(w, r)
	if !ok {
		return
	}
	a, err := h.service.RequestReschedule(r.Context(), actor, chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, "request reschedule", err)
		return
	}
	h.respond(w, http.StatusOK, a)
}

// Accept handles PUT /doctor/appointments/{id}/accept.
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	a, err := h.service.Accept(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "accept", err)
		return
	}
	h.respond(w, http.StatusOK, a)
}

// Decline handles PUT /doctor/appointments/{id}/decline.
func (h *Handler) Decline(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.service.Decline(r.Context(), actor, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, "decline", err)
		return
	}
	h.respond(w, http.StatusOK, a)
}

// Complete handles PUT /doctor/appointments/{id}/complete.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	a, err := h.service.Complete(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "complete", err)
		return
	}
	h.respond(w, http.StatusOK, a)
}

package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-booking/internal/appointments"
	"github.com/wolfman30/clinic-booking/internal/availability"
	"github.com/wolfman30/clinic-booking/internal/doctors"
	httpmiddleware "github.com/wolfman30/clinic-booking/internal/http/middleware"
	"github.com/wolfman30/clinic-booking/internal/identity"
	"github.com/wolfman30/clinic-booking/internal/payments"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Availability       *availability.Handler
	Appointments       *appointments.Handler
	Doctors            *doctors.Handler
	Payments           *payments.Handler
	PaymentWebhooks    *payments.WebhookHandler
	JWTSecret          string
	RateLimiter        *httpmiddleware.RateLimiter
	MetricsHandler     http.Handler
	Health             Pinger
	CORSAllowedOrigins []string
}

// webhookPrefix is the path payment providers post notifications to.
const webhookPrefix = "/api/payments/webhook/"

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowedOrigins:     cfg.CORSAllowedOrigins,
			ServerOnlyPrefixes: []string{webhookPrefix},
		}))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", healthHandler(cfg.Health))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/api", func(api chi.Router) {
		// Public endpoints
		api.Group(func(public chi.Router) {
			if cfg.RateLimiter != nil {
				public.Use(httpmiddleware.RateLimit(cfg.RateLimiter))
			}
			if cfg.Availability != nil {
				public.Get("/available-slots/{doctorID}", cfg.Availability.GetAvailableSlots)
			}
			if cfg.PaymentWebhooks != nil {
				public.Post("/payments/webhook/{gateway}", cfg.PaymentWebhooks.Handle)
			}
		})

		api.Group(func(authed chi.Router) {
			authed.Use(httpmiddleware.ActorJWT(cfg.JWTSecret))
			if cfg.RateLimiter != nil {
				authed.Use(httpmiddleware.RateLimit(cfg.RateLimiter))
			}

			if cfg.Appointments != nil {
				h := cfg.Appointments
				authed.Route("/appointments", func(r chi.Router) {
					r.With(httpmiddleware.RequireRole(identity.RolePatient)).Post("/", h.Create)
					r.Get("/{id}", h.Get)
					r.Put("/{id}/cancel", h.Cancel)
					r.Put("/{id}/reschedule", h.Reschedule)
					r.With(httpmiddleware.RequireRole(identity.RolePatient)).Put("/{id}/reschedule-request", h.RequestReschedule)
				})
			}

			if cfg.Appointments != nil || cfg.Doctors != nil {
				authed.Route("/doctor", func(r chi.Router) {
					if h := cfg.Appointments; h != nil {
						r.Group(func(doc chi.Router) {
							doc.Use(httpmiddleware.RequireRole(identity.RoleDoctor))
							doc.Put("/appointments/{id}/accept", h.Accept)
							doc.Put("/appointments/{id}/decline", h.Decline)
							doc.Put("/appointments/{id}/complete", h.Complete)
						})
					}
					// Admins edit a doctor's schedule with ?doctorId=.
					if h := cfg.Doctors; h != nil {
						r.Group(func(sched chi.Router) {
							sched.Use(httpmiddleware.RequireRole(identity.RoleDoctor, identity.RoleAdmin))
							sched.Put("/availability", h.UpdateWeekly)
							sched.Post("/blocked-dates/{date}", h.BlockDate)
							sched.Delete("/blocked-dates/{date}", h.UnblockDate)
							sched.Post("/blocked-slots", h.BlockSlot)
							sched.Delete("/blocked-slots", h.UnblockSlot)
							sched.Put("/schedules/{date}", h.SaveSchedule)
						})
					}
				})
			}
			if cfg.Doctors != nil {
				authed.With(httpmiddleware.RequireRole(identity.RoleAdmin)).
					Put("/admin/doctors/{doctorID}/approval", cfg.Doctors.SetApproval)
			}

			if cfg.Payments != nil {
				h := cfg.Payments
				authed.Route("/payments", func(r chi.Router) {
					r.With(httpmiddleware.RequireRole(identity.RolePatient)).Post("/", h.Create)
					r.Get("/{id}", h.Get)
					r.Post("/{id}/verify", h.Verify)
					r.Get("/{id}/refunds", h.ListRefunds)

					r.Group(func(staff chi.Router) {
						staff.Use(httpmiddleware.RequireRole(identity.RoleDoctor, identity.RoleAdmin))
						staff.Put("/{id}/status", h.UpdateStatus)
						staff.Post("/{id}/refund", h.Refund)
					})
					r.With(httpmiddleware.RequireRole(identity.RoleAdmin)).
						Post("/{id}/refunds/{refundID}/retry", h.RetryRefund)
				})
			}
		})
	})

	return r
}

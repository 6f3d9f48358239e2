package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/pkg/logger"
)

type RouterConfig struct {
	Service        *appointment.Service
	Postgres       Pinger
	Redis          Pinger
	Metrics        http.Handler // served at /metrics when set
	Logger         *zap.Logger
	Env            string
	Version        string
	RequestTimeout time.Duration
	Now            func() time.Time
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	log := logger.OrNop(cfg.Logger)

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))

		// Appointment endpoints
		r.Post("/appointments", scheduleAppointmentHandler(cfg.Service, log))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service, log))
		r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(cfg.Service, log))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Service, cfg.Now, log))
		r.Post("/appointments/{id}/confirm", confirmAppointmentHandler(cfg.Service, log))
		r.Post("/appointments/{id}/complete", completeAppointmentHandler(cfg.Service, log))

		// Availability and schedules
		r.Get("/doctors/{id}/availability", doctorAvailabilityHandler(cfg.Service, log))
		r.Get("/doctors/{id}/schedule", doctorScheduleHandler(cfg.Service, log))
		r.Get("/branches/{id}/availability", branchAvailabilityHandler(cfg.Service, log))
		r.Get("/patients/{id}/schedule", patientScheduleHandler(cfg.Service, log))
	})

	return r
}

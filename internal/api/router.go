package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/portal-scheduling/internal/appointment"
	"github.com/hackgods/portal-scheduling/internal/metrics"
	"github.com/hackgods/portal-scheduling/internal/session"
	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

// AppointmentService is what the HTTP layer needs from booking.Service.
type AppointmentService interface {
	Create(ctx context.Context, a appointment.Appointment) (*appointment.Appointment, error)
	Update(ctx context.Context, id string, patch appointment.Patch) (*appointment.Appointment, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*appointment.Appointment, error)
	List(ctx context.Context, scope appointment.Scope) ([]appointment.Appointment, error)
	Approve(ctx context.Context, id string) (*appointment.Appointment, error)
	Reject(ctx context.Context, id string) (*appointment.Appointment, error)
	OpenSlots(ctx context.Context, doctorID string, date time.Time) ([]timeslot.Interval, error)
}

type RouterConfig struct {
	Service  AppointmentService
	Sessions *session.Issuer
	Redis    *redis.Client
	Postgres Pinger
	Metrics  *metrics.ServerMetrics
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
	Location *time.Location
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log, cfg.Metrics))

	health := NewHealthHandler(cfg.Postgres, RedisPinger(cfg.Redis), cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(cfg.Sessions.Middleware(writeAuthError))

		r.Post("/appointments", createAppointmentHandler(cfg.Service, loc))
		r.Get("/appointments", listAppointmentsHandler(cfg.Service, loc))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service, loc))
		r.Patch("/appointments/{id}", updateAppointmentHandler(cfg.Service, loc))
		r.Delete("/appointments/{id}", deleteAppointmentHandler(cfg.Service))
		r.Post("/appointments/{id}/approve", approveAppointmentHandler(cfg.Service, loc))
		r.Post("/appointments/{id}/reject", rejectAppointmentHandler(cfg.Service, loc))

		r.Get("/doctors/{id}/open-slots", openSlotsHandler(cfg.Service, loc))
		r.Get("/calendars/{role}/{id}/stream", streamHandler(cfg.Redis, cfg.Log))
	})

	return r
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/anouar4070/MediTime-2/internal/appointment"
	"github.com/anouar4070/MediTime-2/internal/auth"
	"github.com/anouar4070/MediTime-2/internal/availability"
	"github.com/anouar4070/MediTime-2/internal/metrics"
	"github.com/anouar4070/MediTime-2/internal/payment"
	"github.com/anouar4070/MediTime-2/internal/provider"
)

type RouterConfig struct {
	Appointments *appointment.Service
	Providers    *provider.Service
	Payments     *payment.Engine
	Availability *availability.CachedView
	Webhooks     WebhookParser
	Auth         *auth.Authenticator

	Dependencies []Dependency
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	RateLimit    RateLimitConfig
	Log          zerolog.Logger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log, cfg.Metrics))

	// Health endpoints
	health := NewHealthHandler(cfg.Dependencies, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	limiter := NewRateLimiter(cfg.RateLimit)

	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)

		// Public catalogue
		r.Get("/providers", listProvidersHandler(cfg.Providers))
		r.Get("/providers/{id}", getProviderHandler(cfg.Providers))
		r.Get("/providers/{id}/availability", providerAvailabilityHandler(cfg.Providers, cfg.Availability))

		// Gateway callbacks carry their own signature
		if cfg.Webhooks != nil {
			r.Post("/payments/webhook", webhookHandler(cfg.Webhooks, cfg.Payments, cfg.Log))
		}

		// Patient endpoints
		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.Middleware)

			r.Post("/appointments", bookAppointmentHandler(cfg.Appointments))
			r.Get("/appointments", listAppointmentsHandler(cfg.Appointments))
			r.Get("/appointments/{id}", getAppointmentHandler(cfg.Appointments))
			r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Appointments))
			r.Post("/appointments/{id}/payment", createPaymentHandler(cfg.Appointments, cfg.Payments))
			r.Post("/payments/confirm", confirmPaymentHandler(cfg.Appointments, cfg.Payments))
		})

		// Admin endpoints
		r.Route("/admin", func(r chi.Router) {
			r.Use(cfg.Auth.Middleware)
			r.Use(auth.RequireRole(auth.RoleAdmin))

			r.Post("/providers", createProviderHandler(cfg.Providers))
			r.Patch("/providers/{id}", updateProviderHandler(cfg.Providers))
		})
	})

	return r
}

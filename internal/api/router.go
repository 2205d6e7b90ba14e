package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Benites031407/UpCarSistema-sub002/internal/middleware"
)

// RouterDeps carries the assembled handlers and middleware into NewRouter.
type RouterDeps struct {
	Auth          *AuthHandler
	Machines      *MachineHandler
	Sessions      *SessionHandler
	Webhooks      *WebhookHandler
	Reports       *ReportHandler
	Users         *UserHandler
	Audit         *AuditHandler
	Notifications *NotificationHandler
	Dashboard     *DashboardHandler
	Tariff        *TariffHandler
	Health        *HealthHandler
	ServeWS       http.HandlerFunc

	JWT         *middleware.JWTAuth
	RateLimits  *middleware.RateLimitMiddleware
	AuditLog    *middleware.AuditMiddleware
	CORSOrigins []string
}

// NewRouter builds the full HTTP surface: kiosk endpoints, gateway webhook,
// operator console and admin management, plus /healthz, /metrics and the
// dashboard websocket.
func NewRouter(d RouterDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(d.CORSOrigins))
	r.Use(middleware.Prometheus)

	r.Get("/healthz", d.Health.Get)
	r.Handle("/metrics", promhttp.Handler())

	// The websocket sits outside the timeout tree: connections are meant to
	// live for hours.
	r.Get("/ws/dashboard", d.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))

		// Kiosk surface, unauthenticated but rate limited per IP.
		r.Group(func(r chi.Router) {
			r.Use(d.RateLimits.PublicLimiter)

			r.Get("/public/machines/{code}", d.Machines.PublicAvailability)
			r.Post("/public/sessions", d.Sessions.StartPublic)
			r.Get("/public/sessions/{id}", d.Sessions.GetPublic)
			r.Post("/public/sessions/{id}/cancel", d.Sessions.CancelPublic)
			r.Post("/public/sessions/{id}/stop", d.Sessions.StopPublic)

			r.Post("/auth/refresh", d.Auth.Refresh)
			r.Post("/auth/password-reset/request", d.Auth.RequestReset)
			r.Post("/auth/password-reset/complete", d.Auth.CompleteReset)
		})

		// Login gets the strict per-email limiter instead of the IP one.
		r.Group(func(r chi.Router) {
			r.Use(d.RateLimits.LoginLimiter)
			r.Post("/auth/login", d.Auth.Login)
		})

		// Payment gateway callbacks, authenticated by HMAC signature.
		r.Group(func(r chi.Router) {
			r.Use(d.RateLimits.WebhookLimiter)
			r.Post("/payments/webhook", d.Webhooks.Receive)
		})

		// Operator console. Both roles read; mutations live in the admin
		// subtree below.
		r.Group(func(r chi.Router) {
			r.Use(d.JWT.Middleware)
			r.Use(d.AuditLog.LogRequest)

			r.Post("/auth/logout", d.Auth.Logout)
			r.Get("/auth/me", d.Auth.Me)
			r.Post("/auth/change-password", d.Auth.ChangePassword)

			r.Get("/machines", d.Machines.List)
			r.Get("/machines/unknown", d.Machines.ListUnknown)
			r.Get("/machines/{id}", d.Machines.Get)
			r.Get("/machines/{id}/history", d.Machines.History)

			r.Get("/sessions", d.Sessions.List)
			r.Get("/sessions/{id}", d.Sessions.Get)
			r.Get("/sessions/{id}/payments", d.Sessions.Payments)

			r.Get("/reports/usage", d.Reports.Usage)
			r.Get("/reports/usage/export", d.Reports.ExportUsage)
			r.Get("/reports/machines", d.Reports.Machines)

			r.Get("/dashboard/snapshot", d.Dashboard.Get)
			r.Get("/notifications", d.Notifications.List)
			r.Get("/tariff", d.Tariff.Get)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin())

				r.Post("/machines", d.Machines.Create)
				r.Patch("/machines/{id}", d.Machines.Update)
				r.Delete("/machines/{id}", d.Machines.Delete)
				r.Post("/machines/{id}/status", d.Machines.Transition)
				r.Post("/machines/{id}/maintenance/start", d.Machines.StartMaintenance)
				r.Post("/machines/{id}/maintenance/complete", d.Machines.CompleteMaintenance)

				r.Post("/sessions/{id}/stop", d.Sessions.Stop)
				r.Post("/sessions/{id}/cancel", d.Sessions.Cancel)

				r.Post("/users", d.Users.Create)
				r.Get("/users", d.Users.List)
				r.Get("/users/{id}", d.Users.Get)
				r.Patch("/users/{id}", d.Users.Update)
				r.Delete("/users/{id}", d.Users.Delete)
				r.Post("/users/{id}/password-reset", d.Users.InitiateReset)

				r.Get("/audit/events", d.Audit.Query)
				r.Get("/audit/events/export", d.Audit.Export)

				r.Post("/tariff/reload", d.Tariff.Reload)
			})
		})
	})

	return r
}

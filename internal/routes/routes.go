package routes

import (
	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/handlers"
	"github.com/BradenHooton/sentinel/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// Handlers groups every HTTP handler the router mounts
type Handlers struct {
	Auth      *handlers.AuthHandler
	MFA       *handlers.MFAHandler
	MagicLink *handlers.MagicLinkHandler
	Audit     *handlers.AuditHandler
	Health    *handlers.HealthHandler
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, h Handlers, authn auth.Authenticator, rateLimit middleware.RateLimitConfig) {
	router.Get("/health", h.Health.Health)

	// Public routes, coarse per-IP limit on top of the service-level lockouts
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(rateLimit))

		r.Post("/auth/login", h.Auth.Login)
		r.Post("/auth/refresh", h.Auth.Refresh)
		r.Post("/mfa/challenge", h.MFA.Challenge)
		r.Post("/magic-link/request", h.MagicLink.Request)
		r.Get("/magic-link/redeem", h.MagicLink.Redeem)
	})

	// Protected routes - access token required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(authn))

		r.Post("/auth/logout", h.Auth.Logout)
		r.Post("/auth/logout-all", h.Auth.LogoutAll)
		r.Get("/auth/sessions", h.Auth.Sessions)
		r.Post("/auth/password", h.Auth.ChangePassword)

		r.Post("/mfa/setup", h.MFA.Setup)
		r.Delete("/mfa/setup", h.MFA.Abandon)
		r.Post("/mfa/enable", h.MFA.Enable)
		r.Post("/mfa/disable", h.MFA.Disable)
		r.Get("/mfa/status", h.MFA.Status)

		r.Get("/security-events", h.Audit.ListOwn)
	})
}

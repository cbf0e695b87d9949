package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router assembles the HTTP routes and middleware chain.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.With(a.RequireSession).Get("/", a.handleIndex)

	r.Get("/login", a.handleLoginPage)
	r.Get("/login-cognito", a.handleLoginCognito)
	r.Get("/callback", a.handleCallback)
	r.Post("/login-simple", a.handleLoginSimple)
	r.Get("/logout", a.handleLogout)

	r.Post("/api/verify-token", a.handleVerifyToken)
	r.Get("/api/auth/status", a.handleAuthStatus)
	r.Get("/api/user", a.handleAPIUser)

	r.Get("/healthz", a.handleHealthz)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	return r
}

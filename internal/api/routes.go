package api

import (
	"net/http"

	"griddesk/internal/audit"
	"griddesk/internal/auth"
	"griddesk/internal/backend"
	"griddesk/internal/schema"
	"griddesk/internal/session"
	"griddesk/internal/ws"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Dependencies struct {
	Sessions *session.Manager
	Backend  *backend.Client
	Audit    *audit.Store
	Hub      *ws.Hub
	Events   *schema.Events
	JWT      *auth.JWTConfig
	Log      *zap.Logger
}

func Routes(d Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestLogger(d.Log))
	r.Use(d.JWT.Middleware)

	// Cancellation workflow sessions
	r.Post("/cancellations", d.createSession)
	r.Get("/cancellations/{id}", d.getSession)
	r.Post("/cancellations/{id}/events", d.dispatchEvent)
	r.Delete("/cancellations/{id}", d.discardSession)
	r.Get("/cancellations/{id}/audit", d.sessionAudit)

	// Console listings, proxied straight through to the billing backend
	r.Get("/customers", d.listResource("customers"))
	r.Get("/categories", d.listResource("categories"))
	r.Get("/departments", d.listResource("departments"))
	r.Get("/roles", d.listResource("roles"))
	r.Get("/debts/summary", d.debtSummary)
	r.Get("/vendors/captures", d.vendorCaptures)

	// WebSocket endpoint
	r.Get("/ws", d.wsHandler)

	return r
}

// Package api assembles the HTTP surface: middleware chain, public routes
// (health, webhook ingress, payment confirmation), and the API-key-protected
// subscription routes.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"paysync/internal/api/handlers"
	"paysync/internal/core"
)

// RouterDeps carries the constructed handlers and cross-cutting dependencies
// the router mounts.
type RouterDeps struct {
	Webhook       *handlers.WebhookHandler
	Subscriptions *handlers.SubscriptionsHandler
	Payments      *handlers.PaymentsHandler
	Authenticator core.APIKeyAuthenticator
	HealthProbes  []core.HealthProbe
	Logger        *slog.Logger
}

// NewRouter builds the chi router. Recovery runs outermost so a panic in any
// later middleware still produces a structured 500.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(core.Recoverer(deps.Logger))
	r.Use(core.RequestID)
	r.Use(core.RequestLogger(deps.Logger))

	r.Get("/health", core.Health(deps.HealthProbes...))

	// Provider-facing ingress; integrity via signature, not API keys.
	deps.Webhook.RegisterRoutes(r)

	r.Route("/v1", func(r chi.Router) {
		// The confirmation resource is public: the intent ID is the
		// capability, handed out through the 402 response or email.
		deps.Payments.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(core.APIKeyAuth(deps.Authenticator))
			deps.Subscriptions.RegisterRoutes(r)
		})
	})

	return r
}

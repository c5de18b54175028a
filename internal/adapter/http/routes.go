package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/WoodrowLove/advisorygate/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router. The
// delivery callback sits outside caller auth; it is verified by HMAC
// signature instead when a backend secret is configured.
func MountRoutes(r chi.Router, h *Handlers, backendSecret string) {
	r.Get("/health", h.Health)
	r.Get("/ws", h.HandleWS)

	if backendSecret != "" {
		r.With(middleware.WebhookHMAC(backendSecret, "X-Advisory-Signature")).
			Post("/api/v1/deliveries", h.DeliverResponse)
	} else {
		r.Post("/api/v1/deliveries", h.DeliverResponse)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Advisory requests
		r.Post("/requests", h.SubmitRequest)
		r.Get("/requests/{correlationID}", h.GetRequest)

		// Approval cases
		r.Get("/cases", h.ListCases)
		r.Get("/cases/{id}", h.GetCase)
		r.Post("/cases/{id}/acknowledge", h.AcknowledgeCase)
		r.Post("/cases/{id}/approve", h.ApproveCase)
		r.Post("/cases/{id}/deny", h.DenyCase)
		r.Post("/cases/{id}/escalate", h.EscalateCase)
	})
}

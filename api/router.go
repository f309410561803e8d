package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// NewRouter assembles the HTTP surface.
func NewRouter(handler *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(handler.authMiddleware)

		r.With(requireRole(RolePDGAdmin)).Post("/arbitration", handler.arbitrate)

		r.Route("/disputes", func(r chi.Router) {
			r.With(requireRole(RoleClient)).Post("/", handler.openDispute)
			r.Get("/", handler.listDisputes)
			r.Get("/{id}", handler.getDispute)
			r.Post("/{id}/messages", handler.appendMessage)
			r.With(requireRole(RoleVendor)).Post("/{id}/response", handler.vendorRespond)
			r.With(requireRole(RolePDGAdmin)).Post("/{id}/settle", handler.settleDispute)
		})

		r.Get("/notifications", handler.listNotifications)
		r.Post("/notifications/{id}/read", handler.markNotificationRead)
	})

	return r
}

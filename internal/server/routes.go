package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { writeSuccess(w) })
	r.Get("/config", s.getConfig)

	// Session routes
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Get("/export", s.exportSession)
			r.Get("/view", s.getView)
			r.Post("/view/part", s.setPartExpanded)

			// Exchanges
			r.Post("/request", s.sendRequest)
			r.Post("/progress", s.acceptProgress)
			r.Delete("/exchange/{exchangeID}", s.deleteExchange)
			r.Post("/exchange/{exchangeID}/cancel", s.cancelExchange)
			r.Post("/exchange/{exchangeID}/resend", s.resendExchange)

			// Working set
			r.Get("/working-set", s.getWorkingSet)
			r.Post("/working-set", s.addToWorkingSet)
			r.Post("/working-set/accept", s.acceptEdits)
			r.Post("/working-set/reject", s.rejectEdits)
			r.Get("/working-set/diff", s.getDiff)
			r.Post("/edits", s.applyEdits)
		})
	})

	// Event streaming (SSE)
	r.Get("/event", s.events)
}

package httpapi

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes wires the curated REST surface. Streaming endpoints respond
// with text/event-stream; everything else is plain JSON.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)
	r.Get("/ping", s.ping)
	r.Get("/capabilities", s.capabilities)

	// Event bus fan-out (uncorrelated, SSE).
	r.Get("/event", s.allEvents)

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)

			r.Post("/prompt", s.sendPrompt) // Streaming response
			r.Post("/cancel", s.cancelPrompt)
			r.Post("/approval", s.respondApproval)
			r.Post("/reset", s.resetSession)
		})
	})
}

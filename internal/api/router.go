package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-pandabreath/internal/bridges/pandabreath"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/chamber", func(r chi.Router) {
			r.Get("/", s.handleGetChamber)
			r.Put("/target", s.handleSetTarget)
			r.Get("/history", s.handleChamberHistory)
			r.Get("/commands", s.handleChamberCommands)
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
//
// The status is "degraded" while the heater link is not streaming or the
// bus connection is down. The endpoint still answers 200 so load balancers
// keep routing to the process.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	resp := map[string]any{
		"version": s.version,
	}

	if s.transport != nil {
		state := s.transport.State()
		resp["transport"] = state.String()
		if state != pandabreath.StateStreaming {
			status = "degraded"
		}
	}
	if s.bus != nil {
		connected := s.bus.IsConnected()
		resp["mqtt_connected"] = connected
		if !connected {
			status = "degraded"
		}
	}

	resp["status"] = status
	writeJSON(w, http.StatusOK, resp)
}

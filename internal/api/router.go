package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		// Live event streams
		r.Get("/events/sse", s.handleSSE)
		r.Get("/events/ws", s.handleWebSocket)

		// Sequence control and history
		r.Get("/sequences", s.handleListSequences)
		r.Get("/runs", s.handleListRuns)

		r.Route("/command", func(r chi.Router) {
			r.Post("/start/{name}", s.handleStartSequence)
			r.Post("/stop", s.handleStopSequence)
			r.Post("/home", s.handleHome)
			r.Post("/clear", s.handleClearError)
			r.Post("/emergency_stop", s.handleEmergencyStop)
			r.Post("/recover", s.handleRecover)
		})

		// Manual device commands
		r.Route("/relays", func(r chi.Router) {
			r.Post("/all/{state}", s.handleAllRelays)
			r.Post("/{channel}/{state}", s.handleRelay)
		})

		r.Post("/rotary/{port}", s.handleRotary)

		r.Route("/syringe", func(r chi.Router) {
			r.Post("/move", s.handleSyringeMove)
			r.Post("/stop", s.handleSyringeStop)
			r.Post("/home", s.handleSyringeHome)
		})

		r.Route("/axis/{axis}", func(r chi.Router) {
			r.Post("/move", s.handleAxisMove)
			r.Post("/home", s.handleAxisHome)
		})

		r.Route("/temperature", func(r chi.Router) {
			r.Post("/enable", s.handleTemperatureEnable)
			r.Post("/target", s.handleTemperatureTarget)
		})

		r.Route("/flow", func(r chi.Router) {
			r.Post("/start", s.handleFlowStart)
			r.Post("/stop", s.handleFlowStop)
			r.Post("/reset", s.handleFlowReset)
		})

		r.Route("/peristaltic", func(r chi.Router) {
			r.Post("/direction", s.handlePeristalticDirection)
			r.Post("/{state}", s.handlePeristalticRun)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

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

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			if s.states != nil {
				r.Get("/states", s.handleStates)
			}

			if s.devices != nil {
				r.Route("/devices", func(r chi.Router) {
					r.Get("/", s.handleListDevices)
					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", s.handleGetDevice)
						r.Patch("/", s.handlePatchDevice)
						r.Get("/states", s.handleDeviceStates)
					})
				})
				r.Route("/entities", func(r chi.Router) {
					r.Get("/", s.handleListEntities)
					r.Get("/{id}", s.handleGetEntity)
					r.Patch("/{id}", s.handlePatchEntity)
				})
			}

			if s.integrations != nil {
				r.Get("/services", s.handleListServices)
				r.Route("/integrations", func(r chi.Router) {
					r.Get("/", s.handleListIntegrations)
					r.Get("/descriptors", s.handleListDescriptors)
					r.Post("/{name}/load", s.handleLoadIntegration)
					r.Post("/{name}/unload", s.handleUnloadIntegration)

					r.Route("/configs", func(r chi.Router) {
						if s.configs != nil {
							r.Get("/", s.handleListConfigs)
							r.Put("/{name}", s.handlePutConfig)
							r.Delete("/{name}", s.handleDeleteConfig)
						}
						r.Post("/{name}/discover", s.handleStartDiscovery)
						r.Get("/{name}/discover", s.handleDiscoveryStatus)
					})
				})
			}

			if s.services != nil {
				r.Post("/services/{name}", s.handleCallService)
			}

			if s.automations != nil {
				r.Route("/automations", func(r chi.Router) {
					r.Get("/", s.handleListAutomations)
					r.Post("/", s.handleCreateAutomation)
					r.Post("/reload", s.handleReloadAutomations)
					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", s.handleGetAutomation)
						r.Put("/", s.handleUpdateAutomation)
						r.Delete("/", s.handleDeleteAutomation)
						r.Post("/trigger", s.handleTriggerAutomation)
					})
				})
			}

			if s.events != nil {
				r.Get("/events", s.handleListEvents)
			}
			if s.history != nil {
				r.Get("/events/history", s.handleEventHistory)
			}
		})
	})

	if s.gateway != nil {
		r.With(s.authMiddleware).Get(s.gateway.Path(), s.gateway.ServeHTTP)
	}

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	if s.gateway != nil {
		resp["websocket_clients"] = s.gateway.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

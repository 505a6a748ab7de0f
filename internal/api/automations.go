package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/homecore/internal/automation"
)

// handleListAutomations returns stored automations and engine counters.
func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	list, err := s.automations.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []automation.Automation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"automations": list,
		"count":       len(list),
		"stats":       s.automations.Stats(),
	})
}

// handleGetAutomation returns one automation.
func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := s.automations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleCreateAutomation validates and stores a new automation.
// The ID is always generated by the server.
func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var a automation.Automation
	if !decodeJSON(w, r, &a) {
		return
	}
	a.ID = ""
	if err := s.automations.Create(r.Context(), &a); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// handleUpdateAutomation replaces an automation's definition.
func (s *Server) handleUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	var a automation.Automation
	if !decodeJSON(w, r, &a) {
		return
	}
	a.ID = chi.URLParam(r, "id")
	if err := s.automations.Update(r.Context(), &a); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleDeleteAutomation removes an automation.
func (s *Server) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if err := s.automations.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReloadAutomations rebuilds the engine's trigger index from storage.
func (s *Server) handleReloadAutomations(w http.ResponseWriter, r *http.Request) {
	if err := s.automations.Reload(r.Context()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "stats": s.automations.Stats()})
}

// handleTriggerAutomation runs an automation's actions now, skipping conditions.
func (s *Server) handleTriggerAutomation(w http.ResponseWriter, r *http.Request) {
	res, err := s.automations.Trigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

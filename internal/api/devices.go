package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleStates returns every state, or one state when entity_id is given.
func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("entity_id"); id != "" {
		st, err := s.states.Get(id)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": st})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": s.states.All()})
}

// handleListDevices returns all devices.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.devices.ListDevices()
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.devices.GetDevice(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleDeviceStates returns the states of a device's entities.
func (s *Server) handleDeviceStates(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.devices.GetDevice(id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if s.states == nil {
		writeJSON(w, http.StatusOK, map[string]any{"states": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": s.states.ForDevice(id)})
}

// enabledPatch is the body of the device and entity PATCH endpoints.
type enabledPatch struct {
	Enabled *bool `json:"enabled"`
}

// handlePatchDevice enables or disables a device and all of its entities.
func (s *Server) handlePatchDevice(w http.ResponseWriter, r *http.Request) {
	var body enabledPatch
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeBadRequest(w, "enabled is required")
		return
	}

	dev, err := s.devices.SetDeviceEnabled(r.Context(), chi.URLParam(r, "id"), *body.Enabled)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleListEntities returns all entities.
func (s *Server) handleListEntities(w http.ResponseWriter, _ *http.Request) {
	entities := s.devices.ListEntities()
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities, "count": len(entities)})
}

// handleGetEntity returns a single entity by entity ID.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	ent, err := s.devices.GetEntity(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// handlePatchEntity enables or disables one entity.
func (s *Server) handlePatchEntity(w http.ResponseWriter, r *http.Request) {
	var body enabledPatch
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeBadRequest(w, "enabled is required")
		return
	}

	ent, err := s.devices.SetEntityEnabled(r.Context(), chi.URLParam(r, "id"), *body.Enabled)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

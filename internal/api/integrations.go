package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/homecore/internal/integration"
)

// handleListIntegrations returns the running integration instances.
func (s *Server) handleListIntegrations(w http.ResponseWriter, _ *http.Request) {
	instances := s.integrations.Instances()
	writeJSON(w, http.StatusOK, map[string]any{"integrations": instances, "count": len(instances)})
}

// handleListDescriptors returns every registered integration kind.
func (s *Server) handleListDescriptors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"descriptors": s.integrations.Descriptors()})
}

// handleLoadIntegration loads (or reloads) an integration from its stored config.
func (s *Server) handleLoadIntegration(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.integrations.Load(r.Context(), name); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "loaded", "integration": name})
}

// handleUnloadIntegration stops a running integration.
func (s *Server) handleUnloadIntegration(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.integrations.Unload(name); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unloaded", "integration": name})
}

// handleListConfigs returns every stored integration config.
func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.configs.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if configs == nil {
		configs = []integration.Config{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"configs": configs, "count": len(configs)})
}

// putConfigRequest is the body of PUT /api/integrations/configs/{name}.
type putConfigRequest struct {
	DisplayName string         `json:"display_name"`
	UserConfig  map[string]any `json:"user_config"`
	Enabled     *bool          `json:"enabled"`
}

// handlePutConfig validates and stores a config. The integration is not
// (re)loaded; callers follow up with POST /api/integrations/{name}/load.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var body putConfigRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	desc, ok := s.findDescriptor(name)
	if !ok {
		s.writeDomainError(w, r, fmt.Errorf("%w: %s", integration.ErrDescriptorNotFound, name))
		return
	}
	validated, err := desc.ValidateConfig(body.UserConfig)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	cfg := &integration.Config{
		IntegrationName: name,
		DisplayName:     body.DisplayName,
		UserConfig:      validated,
		Enabled:         true,
	}
	if body.Enabled != nil {
		cfg.Enabled = *body.Enabled
	}
	if existing, err := s.configs.Get(r.Context(), name); err == nil {
		cfg.ID = existing.ID
		cfg.CreatedAt = existing.CreatedAt
		if cfg.DisplayName == "" {
			cfg.DisplayName = existing.DisplayName
		}
	} else if !errors.Is(err, integration.ErrConfigNotFound) {
		s.writeDomainError(w, r, err)
		return
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = desc.DisplayName
	}

	if err := s.configs.Save(r.Context(), cfg); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleDeleteConfig unloads the integration if running and removes its config.
func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.integrations.Unload(name); err != nil && !errors.Is(err, integration.ErrNotLoaded) {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.configs.Delete(r.Context(), name); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStartDiscovery starts an asynchronous discovery run.
func (s *Server) handleStartDiscovery(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.integrations.Discover(name)
	switch {
	case errors.Is(err, integration.ErrDiscoveryInProgress):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "in_progress", "integration": name})
	case err != nil:
		s.writeDomainError(w, r, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "integration": name})
	}
}

// handleDiscoveryStatus returns the last discovery outcome.
func (s *Server) handleDiscoveryStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.integrations.DiscoveryStatus(chi.URLParam(r, "name")))
}

func (s *Server) findDescriptor(name string) (integration.Descriptor, bool) {
	for _, d := range s.integrations.Descriptors() {
		if d.Name == name {
			return d, true
		}
	}
	return integration.Descriptor{}, false
}

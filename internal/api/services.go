package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/homecore/internal/integration"
	"github.com/nerrad567/homecore/internal/service"
)

// serviceInfo is one entry of GET /api/services.
type serviceInfo struct {
	Name           string                           `json:"name"`
	Integration    string                           `json:"integration"`
	Description    string                           `json:"description,omitempty"`
	RequiredParams map[string]integration.ParamSpec `json:"required_params"`
	OptionalParams map[string]integration.ParamSpec `json:"optional_params,omitempty"`
	AllowedTargets integration.TargetSpec           `json:"allowed_targets"`
}

// handleListServices returns the service catalog.
func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	entries := s.integrations.Services()
	out := make([]serviceInfo, 0, len(entries))
	for _, e := range entries {
		required := e.Spec.RequiredParams
		if required == nil {
			required = map[string]integration.ParamSpec{}
		}
		out = append(out, serviceInfo{
			Name:           e.Name(),
			Integration:    e.Integration,
			Description:    e.Spec.Description,
			RequiredParams: required,
			OptionalParams: e.Spec.OptionalParams,
			AllowedTargets: e.Spec.AllowedTargets,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

// callServiceRequest is the body of POST /api/services/{name}.
type callServiceRequest struct {
	Targets  []string       `json:"targets"`
	Params   map[string]any `json:"params"`
	Blocking *bool          `json:"blocking"`
}

// handleCallService dispatches a service call. Blocking defaults to true.
//
// Status codes:
//   - 200 success, 207 partial, 502 failed, 202 accepted (non-blocking)
//   - 400 invalid params or target, 404 unknown service, 409 unavailable target
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	var body callServiceRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &body) {
			return
		}
	}
	blocking := true
	if body.Blocking != nil {
		blocking = *body.Blocking
	}

	result, err := s.services.Invoke(r.Context(), service.Request{
		Service:  chi.URLParam(r, "name"),
		Targets:  body.Targets,
		Params:   body.Params,
		Blocking: blocking,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, resultStatus(result.Status), result)
}

func resultStatus(status service.Status) int {
	switch status {
	case service.StatusPartial:
		return http.StatusMultiStatus
	case service.StatusFailed:
		return http.StatusBadGateway
	case service.StatusAccepted:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

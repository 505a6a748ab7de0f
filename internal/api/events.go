package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/homecore/internal/event"
	"github.com/nerrad567/homecore/internal/history"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// handleListEvents returns the most recent bus events, oldest first.
//
// Query parameters:
//   - limit: number of events (default 100, max 1000)
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	events := s.events.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleEventHistory returns persisted events, oldest first.
//
// Query parameters:
//   - type: event type to include; may be repeated
//   - limit: number of events (default 100, max 1000)
func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	q := history.Query{Limit: limit}
	for _, t := range r.URL.Query()["type"] {
		if t != "" {
			q.Types = append(q.Types, event.Type(t))
		}
	}

	records, err := s.history.Query(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records, "count": len(records)})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultEventLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeBadRequest(w, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxEventLimit), true
}

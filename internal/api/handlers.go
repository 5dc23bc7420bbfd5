package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/auth"
	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/status"
	"github.com/lorawan-server/lorawan-node/internal/storage"
)

// HandleHealth reports liveness and the activation state.
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"state":  s.node.Snapshot().State,
		"time":   time.Now(),
	})
}

// HandleLogin exchanges the operator password for a token.
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.respondError(w, http.StatusNotFound, "authentication is disabled")
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.auth.Login(req.Password, s.config.Device.DevEUI)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		log.Error().Err(err).Msg("issue token")
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_in":   int(s.auth.TTL().Seconds()),
		"token_type":   "Bearer",
	})
}

// HandleStatus returns the node snapshot.
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.node.Snapshot())
}

// HandleListEvents returns the newest in-memory events, optionally for one
// stage.
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	stage := status.Stage(r.URL.Query().Get("stage"))

	var events []status.Event
	for _, ev := range s.history.Recent(0) {
		if stage != "" && ev.Stage != stage {
			continue
		}
		events = append(events, ev)
		if len(events) == limit {
			break
		}
	}
	if events == nil {
		events = []status.Event{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

// HandleListStoredEvents pages through persisted events.
func (s *RESTServer) HandleListStoredEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.respondError(w, http.StatusNotFound, "event storage is disabled")
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	var filters storage.EventLogFilters
	if v := q.Get("stage"); v != "" {
		filters.Stage = &v
	}
	if v := q.Get("level"); v != "" {
		level := models.EventLevel(v)
		filters.Level = &level
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid since")
			return
		}
		filters.StartTime = &since
	}

	events, total, err := s.events.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("list event logs")
		s.respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

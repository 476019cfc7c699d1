package serve

import (
	"net/http"
	"time"

	"github.com/marcus/agenthub/internal/events"
	"github.com/marcus/agenthub/internal/hub"
	"github.com/marcus/agenthub/internal/models"
)

type sessionDTO struct {
	SessionID    string `json:"session_identifier"`
	AgentID      int64  `json:"agent_id"`
	Project      string `json:"project,omitempty"`
	StartedAt    string `json:"started_at"`
	LastActivity string `json:"last_activity"`
	EndedAt      string `json:"ended_at,omitempty"`
	Active       bool   `json:"active"`
}

func sessionDTOFrom(s *models.ActiveSession) sessionDTO {
	dto := sessionDTO{
		SessionID:    s.SessionID,
		AgentID:      s.AgentID,
		Project:      s.Project,
		StartedAt:    s.StartedAt.UTC().Format(time.RFC3339),
		LastActivity: s.LastActivity.UTC().Format(time.RFC3339),
		Active:       s.Active,
	}
	if s.EndedAt != nil {
		dto.EndedAt = s.EndedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

// sessionEventPayload tags a session event frame with what happened.
type sessionEventPayload struct {
	Event   string     `json:"event"`
	Session sessionDTO `json:"session"`
}

type startSessionRequest struct {
	SessionID string `json:"session_identifier"`
	Project   string `json:"project"`
}

// handleStartSession serves POST /api/v1/sessions. The identifier is
// client-generated; starting an identifier that previously ended reactivates
// it rather than erroring, since a reconnecting agent reuses its id.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	var req startSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !models.ValidSessionID(req.SessionID) {
		WriteError(w, ErrInvalidArgument, "malformed session identifier", http.StatusBadRequest)
		return
	}

	stored, err := s.db.StartSession(r.Context(), &models.ActiveSession{
		SessionID: req.SessionID,
		AgentID:   ident.AgentID,
		Project:   req.Project,
	})
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	dto := sessionDTOFrom(stored)
	s.registry.Broadcast(hub.TopicSession, hub.NewTopicFrame(hub.FrameSessionEvent, hub.TopicSession, sessionEventPayload{
		Event:   "started",
		Session: dto,
	}))
	s.hooks.Dispatch(events.New(events.EntitySessions, events.ActionCreate, ident.AgentID, dto))

	WriteSuccess(w, dto, http.StatusCreated)
}

// handleListSessions serves GET /api/v1/sessions: the online view of active
// working sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.ListActiveSessions(r.Context())
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	out := make([]sessionDTO, 0, len(sessions))
	for i := range sessions {
		out = append(out, sessionDTOFrom(&sessions[i]))
	}
	WriteSuccess(w, map[string]any{"sessions": out, "count": len(out)}, http.StatusOK)
}

// handleGetSession serves GET /api/v1/sessions/{session_id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if !models.ValidSessionID(sessionID) {
		WriteError(w, ErrInvalidArgument, "malformed session identifier", http.StatusBadRequest)
		return
	}
	session, err := s.db.GetSession(r.Context(), sessionID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteSuccess(w, sessionDTOFrom(session), http.StatusOK)
}

// handleEndSession serves DELETE /api/v1/sessions/{session_id}. Only the
// session's own agent may end it.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if !models.ValidSessionID(sessionID) {
		WriteError(w, ErrInvalidArgument, "malformed session identifier", http.StatusBadRequest)
		return
	}
	ident := identityFrom(r)

	session, err := s.db.GetSession(r.Context(), sessionID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if session.AgentID != ident.AgentID {
		WriteError(w, ErrForbidden, "sessions may only be ended by their agent", http.StatusForbidden)
		return
	}

	if err := s.db.EndSession(r.Context(), sessionID); err != nil {
		WriteStoreError(w, err)
		return
	}

	ended, err := s.db.GetSession(r.Context(), sessionID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	dto := sessionDTOFrom(ended)
	s.registry.Broadcast(hub.TopicSession, hub.NewTopicFrame(hub.FrameSessionEvent, hub.TopicSession, sessionEventPayload{
		Event:   "ended",
		Session: dto,
	}))
	s.hooks.Dispatch(events.New(events.EntitySessions, events.ActionEnd, ident.AgentID, dto))

	WriteSuccess(w, dto, http.StatusOK)
}

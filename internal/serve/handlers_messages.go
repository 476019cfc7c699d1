package serve

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marcus/agenthub/internal/db"
	"github.com/marcus/agenthub/internal/events"
	"github.com/marcus/agenthub/internal/hub"
	"github.com/marcus/agenthub/internal/models"
)

// messageDTO is the wire form of a message, shared by REST responses and
// new_message frames.
type messageDTO struct {
	ID             int64             `json:"id"`
	SenderID       int64             `json:"sender_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Type           string            `json:"type"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Project        string            `json:"project,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

func messageDTOFrom(m *models.Message) messageDTO {
	return messageDTO{
		ID:             m.ID,
		SenderID:       m.SenderID,
		ConversationID: m.ConversationID,
		Type:           string(m.Type),
		Content:        m.Content,
		Metadata:       m.Metadata,
		Project:        m.Project,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type sendMessageRequest struct {
	Type           string            `json:"type"`
	Content        string            `json:"content"`
	ConversationID string            `json:"conversation_id"`
	Project        string            `json:"project"`
	SessionID      string            `json:"session_identifier"`
	Metadata       map[string]string `json:"metadata"`
}

// senderIdentity derives the human-readable identity attached to a message.
// Precedence: session identifier, then nickname_project, then nickname, then
// a generated agent_<id> fallback.
func senderIdentity(agentID int64, nickname, sessionID, project string) string {
	switch {
	case sessionID != "":
		return sessionID
	case nickname != "" && project != "":
		return nickname + "_" + project
	case nickname != "":
		return nickname
	default:
		return fmt.Sprintf("agent_%d", agentID)
	}
}

// messageQueryFromURL builds the store query from list filters.
func messageQueryFromURL(q url.Values) db.MessageQuery {
	query := db.MessageQuery{
		ConversationID: q.Get("conversation_id"),
		Project:        q.Get("project"),
	}
	if t := q.Get("type"); t != "" {
		query.Type = models.NormalizeMessageType(t)
	}
	if v := q.Get("sender_id"); v != "" {
		query.SenderID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("limit"); v != "" {
		query.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("before"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.Before = t
		}
	}
	return query
}

// handleSendMessage serves POST /api/v1/messages. The message is persisted
// before any frame is fanned out, so a stream failure cannot lose a stored
// message.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		WriteError(w, ErrInvalidArgument, "content is required", http.StatusBadRequest)
		return
	}

	msgType := models.NormalizeMessageType(req.Type)
	if !models.IsValidMessageType(msgType) {
		WriteError(w, ErrInvalidArgument, "unknown message type: "+req.Type, http.StatusBadRequest)
		return
	}
	if req.SessionID != "" && !models.ValidSessionID(req.SessionID) {
		WriteError(w, ErrInvalidArgument, "malformed session identifier", http.StatusBadRequest)
		return
	}

	project := req.Project
	if project == "" {
		if agent, err := s.db.GetAgent(r.Context(), ident.AgentID); err == nil {
			project = agent.DefaultProject
		}
	}

	meta := make(map[string]string, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["identity"] = senderIdentity(ident.AgentID, ident.Nickname, req.SessionID, project)
	if project != "" {
		meta["project"] = project
	}
	if req.SessionID != "" {
		meta["session_identifier"] = req.SessionID
	}

	stored, err := s.db.InsertMessage(r.Context(), &models.Message{
		SenderID:       ident.AgentID,
		ConversationID: req.ConversationID,
		Type:           msgType,
		Content:        req.Content,
		Metadata:       meta,
		Project:        project,
	})
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	if req.SessionID != "" {
		_ = s.db.TouchSession(r.Context(), req.SessionID, stored.CreatedAt)
	}

	dto := messageDTOFrom(stored)
	s.registry.Broadcast(hub.TopicMessages, hub.NewTopicFrame(hub.FrameNewMessage, hub.TopicMessages, dto))
	s.hooks.Dispatch(events.New(events.EntityMessages, events.ActionCreate, ident.AgentID, dto))

	WriteSuccess(w, dto, http.StatusCreated)
}

// handleListMessages serves GET /api/v1/messages with optional filters:
// sender_id, conversation_id, project, type, limit, before (RFC3339).
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := messageQueryFromURL(q)

	if t := q.Get("type"); t != "" && !models.IsValidMessageType(models.NormalizeMessageType(t)) {
		WriteError(w, ErrInvalidArgument, "unknown message type: "+t, http.StatusBadRequest)
		return
	}

	msgs, err := s.db.ListMessages(r.Context(), query)
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	out := make([]messageDTO, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageDTOFrom(&msgs[i]))
	}
	WriteSuccess(w, map[string]any{"messages": out, "count": len(out)}, http.StatusOK)
}

// handleGetMessage serves GET /api/v1/messages/{id}.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	msg, err := s.db.GetMessage(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteSuccess(w, messageDTOFrom(msg), http.StatusOK)
}

// handleMessagesByFile serves GET /api/v1/messages/by-file?modified_file=...:
// messages sent from sessions whose brain state lists the file as modified.
func (s *Server) handleMessagesByFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("modified_file")
	if path == "" {
		WriteError(w, ErrInvalidArgument, "modified_file is required", http.StatusBadRequest)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	msgs, err := s.db.ListMessagesByModifiedFile(r.Context(), path, limit)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	out := make([]messageDTO, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageDTOFrom(&msgs[i]))
	}
	WriteSuccess(w, map[string]any{"messages": out, "count": len(out), "modified_file": path}, http.StatusOK)
}

package serve

import (
	"net/http"
	"time"

	"github.com/marcus/agenthub/internal/events"
	"github.com/marcus/agenthub/internal/hub"
	"github.com/marcus/agenthub/internal/models"
)

// collabDTO is the wire form of a collaboration, shared by REST responses and
// collaboration_event frames.
type collabDTO struct {
	CollabID    int64             `json:"collab_id"`
	RequesterID int64             `json:"requester_id"`
	ResponderID int64             `json:"responder_id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
	RespondedAt string            `json:"responded_at,omitempty"`
	CompletedAt string            `json:"completed_at,omitempty"`
}

func collabDTOFrom(c *models.Collaboration) collabDTO {
	dto := collabDTO{
		CollabID:    c.ID,
		RequesterID: c.RequesterID,
		ResponderID: c.ResponderID,
		Title:       c.Title,
		Description: c.Description,
		Status:      string(c.Status),
		Metadata:    c.Metadata,
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if c.RespondedAt != nil {
		dto.RespondedAt = c.RespondedAt.UTC().Format(time.RFC3339)
	}
	if c.CompletedAt != nil {
		dto.CompletedAt = c.CompletedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

// collabEventPayload tags a collaboration event frame with what happened.
type collabEventPayload struct {
	Event  string    `json:"event"`
	Collab collabDTO `json:"collaboration"`
}

type requestCollabRequest struct {
	ResponderID int64             `json:"responder_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// handleRequestCollab serves POST /api/v1/collaborations. The request is
// persisted, then delivered directly to the responder's stream if connected.
func (s *Server) handleRequestCollab(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	var req requestCollabRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ResponderID <= 0 {
		WriteError(w, ErrInvalidArgument, "responder_id is required", http.StatusBadRequest)
		return
	}

	// Responder must exist and be active before we persist anything.
	responder, err := s.db.GetAgent(r.Context(), req.ResponderID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if !responder.Active {
		WriteError(w, ErrInvalidArgument, "responder is deactivated", http.StatusBadRequest)
		return
	}

	stored, err := s.db.InsertCollaboration(r.Context(), &models.Collaboration{
		RequesterID: ident.AgentID,
		ResponderID: req.ResponderID,
		Title:       req.Title,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	dto := collabDTOFrom(stored)
	s.registry.SendTo(req.ResponderID, hub.NewTopicFrame(hub.FrameCollaborationEvent, hub.TopicCollaboration, collabEventPayload{
		Event:  "requested",
		Collab: dto,
	}))
	s.hooks.Dispatch(events.New(events.EntityCollaborations, events.ActionCreate, ident.AgentID, dto))

	WriteSuccess(w, dto, http.StatusCreated)
}

// handleListCollabs serves GET /api/v1/collaborations: everything the caller
// is a party to, either side.
func (s *Server) handleListCollabs(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	collabs, err := s.db.ListCollaborationsForAgent(r.Context(), ident.AgentID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	status := r.URL.Query().Get("status")
	out := make([]collabDTO, 0, len(collabs))
	for i := range collabs {
		if status != "" && string(collabs[i].Status) != status {
			continue
		}
		out = append(out, collabDTOFrom(&collabs[i]))
	}
	WriteSuccess(w, map[string]any{"collaborations": out, "count": len(out)}, http.StatusOK)
}

// handleGetCollab serves GET /api/v1/collaborations/{id}. Only the two
// parties may read it.
func (s *Server) handleGetCollab(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ident := identityFrom(r)

	collab, err := s.db.GetCollaboration(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if collab.RequesterID != ident.AgentID && collab.ResponderID != ident.AgentID {
		WriteError(w, ErrForbidden, "not a party to this collaboration", http.StatusForbidden)
		return
	}
	WriteSuccess(w, collabDTOFrom(collab), http.StatusOK)
}

type respondCollabRequest struct {
	Status string `json:"status"`
}

// handleRespondCollab serves POST /api/v1/collaborations/{id}/respond. Only
// the designated responder may answer, exactly once; a second answer gets a
// conflict, not silent idempotency.
func (s *Server) handleRespondCollab(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ident := identityFrom(r)

	var req respondCollabRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status := models.CollabStatus(req.Status)
	if !models.IsValidCollabResponse(status) {
		WriteError(w, ErrInvalidArgument, "status must be accept or reject", http.StatusBadRequest)
		return
	}

	collab, err := s.db.GetCollaboration(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if collab.ResponderID != ident.AgentID {
		WriteError(w, ErrForbidden, "only the designated responder may respond", http.StatusForbidden)
		return
	}

	updated, err := s.db.RespondCollaboration(r.Context(), id, status)
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	dto := collabDTOFrom(updated)
	s.registry.SendTo(updated.RequesterID, hub.NewTopicFrame(hub.FrameCollaborationEvent, hub.TopicCollaboration, collabEventPayload{
		Event:  "responded",
		Collab: dto,
	}))
	s.hooks.Dispatch(events.New(events.EntityCollaborations, events.ActionRespond, ident.AgentID, dto))

	WriteSuccess(w, dto, http.StatusOK)
}

// handleCompleteCollab serves POST /api/v1/collaborations/{id}/complete.
// Either party may complete an accepted collaboration; completion is fanned
// out on the collaboration topic.
func (s *Server) handleCompleteCollab(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ident := identityFrom(r)

	collab, err := s.db.GetCollaboration(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if collab.RequesterID != ident.AgentID && collab.ResponderID != ident.AgentID {
		WriteError(w, ErrForbidden, "not a party to this collaboration", http.StatusForbidden)
		return
	}

	updated, err := s.db.CompleteCollaboration(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	dto := collabDTOFrom(updated)
	s.registry.Broadcast(hub.TopicCollaboration, hub.NewTopicFrame(hub.FrameCollaborationEvent, hub.TopicCollaboration, collabEventPayload{
		Event:  "completed",
		Collab: dto,
	}))
	s.hooks.Dispatch(events.New(events.EntityCollaborations, events.ActionComplete, ident.AgentID, dto))

	WriteSuccess(w, dto, http.StatusOK)
}

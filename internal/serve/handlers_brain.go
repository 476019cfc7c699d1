package serve

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/marcus/agenthub/internal/db"
	"github.com/marcus/agenthub/internal/events"
	"github.com/marcus/agenthub/internal/models"
)

// brainDTO is the wire form of a brain-state record.
type brainDTO struct {
	SessionID     string          `json:"session_identifier"`
	AgentID       int64           `json:"agent_id"`
	Project       string          `json:"project,omitempty"`
	GitHash       string          `json:"git_hash,omitempty"`
	CurrentTask   string          `json:"current_task,omitempty"`
	LastThought   string          `json:"last_thought,omitempty"`
	LastInsight   string          `json:"last_insight,omitempty"`
	CurrentCycle  int             `json:"current_cycle"`
	CycleCount    int             `json:"cycle_count"`
	LastActivity  string          `json:"last_activity"`
	Checkpoint    json.RawMessage `json:"checkpoint_data,omitempty"`
	ModifiedFiles []string        `json:"modified_files,omitempty"`
	AddedFiles    []string        `json:"added_files,omitempty"`
	DeletedFiles  []string        `json:"deleted_files,omitempty"`
	GitStatus     string          `json:"git_status,omitempty"`
	IsSleeping    bool            `json:"is_sleeping"`
	SleptAt       string          `json:"slept_at,omitempty"`
	WokeUpAt      string          `json:"woke_up_at,omitempty"`
}

func brainDTOFrom(b *models.BrainState) brainDTO {
	dto := brainDTO{
		SessionID:     b.SessionID,
		AgentID:       b.AgentID,
		Project:       b.Project,
		GitHash:       b.GitHash,
		CurrentTask:   b.CurrentTask,
		LastThought:   b.LastThought,
		LastInsight:   b.LastInsight,
		CurrentCycle:  b.CurrentCycle,
		CycleCount:    b.CycleCount,
		LastActivity:  b.LastActivity.UTC().Format(time.RFC3339),
		Checkpoint:    b.Checkpoint,
		ModifiedFiles: b.ModifiedFiles,
		AddedFiles:    b.AddedFiles,
		DeletedFiles:  b.DeletedFiles,
		GitStatus:     b.GitStatus,
		IsSleeping:    b.IsSleeping,
	}
	if b.SleptAt != nil {
		dto.SleptAt = b.SleptAt.UTC().Format(time.RFC3339)
	}
	if b.WokeUpAt != nil {
		dto.WokeUpAt = b.WokeUpAt.UTC().Format(time.RFC3339)
	}
	return dto
}

type saveBrainRequest struct {
	SessionID     string          `json:"session_identifier"`
	Project       string          `json:"project"`
	GitHash       string          `json:"git_hash"`
	CurrentTask   string          `json:"current_task"`
	LastThought   string          `json:"last_thought"`
	LastInsight   string          `json:"last_insight"`
	Checkpoint    json.RawMessage `json:"checkpoint_data"`
	ModifiedFiles []string        `json:"modified_files"`
	AddedFiles    []string        `json:"added_files"`
	DeletedFiles  []string        `json:"deleted_files"`
	GitStatus     string          `json:"git_status"`
}

// handleSaveBrain serves POST /api/v1/brain. Each save advances both cycle
// counters atomically in the store; callers never supply counters or
// activity timestamps.
func (s *Server) handleSaveBrain(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	var req saveBrainRequest
	if !decodeBody(w, r, &req) {
		return
	}

	stored, err := s.db.SaveBrainState(r.Context(), &db.BrainSaveInput{
		SessionID:     req.SessionID,
		AgentID:       ident.AgentID,
		Project:       req.Project,
		GitHash:       req.GitHash,
		CurrentTask:   req.CurrentTask,
		LastThought:   req.LastThought,
		LastInsight:   req.LastInsight,
		Checkpoint:    req.Checkpoint,
		ModifiedFiles: req.ModifiedFiles,
		AddedFiles:    req.AddedFiles,
		DeletedFiles:  req.DeletedFiles,
		GitStatus:     req.GitStatus,
	})
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	dto := brainDTOFrom(stored)
	action := events.ActionUpdate
	if stored.CycleCount == 1 {
		action = events.ActionCreate
	}
	s.hooks.Dispatch(events.New(events.EntityBrainStates, action, ident.AgentID, dto))
	WriteSuccess(w, dto, http.StatusOK)
}

// handleLoadBrain serves GET /api/v1/brain. Selector precedence when several
// are supplied: session_identifier, then agent_id, then project+git_hash,
// then project alone.
func (s *Server) handleLoadBrain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := &db.BrainQuery{
		SessionID: q.Get("session_identifier"),
		Project:   q.Get("project"),
		GitHash:   q.Get("git_hash"),
	}
	if v := q.Get("agent_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			WriteError(w, ErrInvalidArgument, "invalid agent_id", http.StatusBadRequest)
			return
		}
		query.AgentID = id
	}
	if query.SessionID != "" && !models.ValidSessionID(query.SessionID) {
		WriteError(w, ErrInvalidArgument, "malformed session identifier", http.StatusBadRequest)
		return
	}
	if query.SessionID == "" && query.AgentID == 0 && query.Project == "" {
		WriteError(w, ErrInvalidArgument, "at least one selector is required", http.StatusBadRequest)
		return
	}

	state, err := s.db.LoadBrainState(r.Context(), query)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteSuccess(w, brainDTOFrom(state), http.StatusOK)
}

// handleBrainByFile serves GET /api/v1/brain/by-file. Exactly one of
// modified_file, added_file, deleted_file selects the inventory to search.
func (s *Server) handleBrainByFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var kind db.FileKind
	var path string
	count := 0
	for param, k := range map[string]db.FileKind{
		"modified_file": db.FileModified,
		"added_file":    db.FileAdded,
		"deleted_file":  db.FileDeleted,
	} {
		if v := q.Get(param); v != "" {
			kind, path = k, v
			count++
		}
	}
	if count != 1 {
		WriteError(w, ErrInvalidArgument,
			"exactly one of modified_file, added_file, deleted_file is required", http.StatusBadRequest)
		return
	}

	states, err := s.db.ListBrainStatesByFile(r.Context(), kind, path)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	out := make([]brainDTO, 0, len(states))
	for i := range states {
		out = append(out, brainDTOFrom(&states[i]))
	}
	WriteSuccess(w, map[string]any{"brain_states": out, "count": len(out), "file": path}, http.StatusOK)
}

// handleClearBrain serves DELETE /api/v1/brain/{session_id}. Only the owning
// agent may clear a session's record.
func (s *Server) handleClearBrain(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if !models.ValidSessionID(sessionID) {
		WriteError(w, ErrInvalidArgument, "malformed session identifier", http.StatusBadRequest)
		return
	}
	ident := identityFrom(r)

	state, err := s.db.LoadBrainState(r.Context(), &db.BrainQuery{SessionID: sessionID})
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if state.AgentID != ident.AgentID {
		WriteError(w, ErrForbidden, "brain state belongs to another agent", http.StatusForbidden)
		return
	}

	if err := s.db.ClearBrainState(r.Context(), sessionID); err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{"session_identifier": sessionID, "cleared": true}, http.StatusOK)
}

package serve

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/marcus/agenthub/internal/events"
	"github.com/marcus/agenthub/internal/models"
)

// agentDTO is the wire form of an agent profile.
type agentDTO struct {
	AgentID        int64  `json:"agent_id"`
	Name           string `json:"name"`
	Nickname       string `json:"nickname,omitempty"`
	Expertise      string `json:"expertise,omitempty"`
	Version        string `json:"version,omitempty"`
	DefaultProject string `json:"default_project,omitempty"`
	Active         bool   `json:"active"`
	Online         bool   `json:"online"`
	CreatedAt      string `json:"created_at"`
}

func (s *Server) agentDTO(a *models.Agent) agentDTO {
	_, online := s.registry.Get(a.ID)
	return agentDTO{
		AgentID:        a.ID,
		Name:           a.Name,
		Nickname:       a.Nickname,
		Expertise:      a.Expertise,
		Version:        a.Version,
		DefaultProject: a.DefaultProject,
		Active:         a.Active,
		Online:         online,
		CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type registerAgentRequest struct {
	AgentID        int64  `json:"agent_id"`
	Name           string `json:"name"`
	Nickname       string `json:"nickname"`
	Expertise      string `json:"expertise"`
	Version        string `json:"version"`
	DefaultProject string `json:"default_project"`
}

// handleRegisterAgent serves POST /api/v1/agents. An explicit agent_id claims
// that id; zero requests auto-assignment through the same path tokens use.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteError(w, ErrInvalidArgument, "name is required", http.StatusBadRequest)
		return
	}

	agent := &models.Agent{
		ID:             req.AgentID,
		Name:           req.Name,
		Nickname:       req.Nickname,
		Expertise:      req.Expertise,
		Version:        req.Version,
		DefaultProject: req.DefaultProject,
		Active:         true,
	}
	id, err := s.db.CreateAgent(r.Context(), agent)
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	stored, err := s.db.GetAgent(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	s.hooks.Dispatch(events.New(events.EntityAgents, events.ActionCreate, id, s.agentDTO(stored)))
	WriteSuccess(w, s.agentDTO(stored), http.StatusCreated)
}

// handleListAgents serves GET /api/v1/agents. The optional q parameter runs a
// fuzzy match over name, nickname, and expertise; results come back in match
// order instead of id order.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.db.ListAgents(r.Context())
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	if q := r.URL.Query().Get("q"); q != "" {
		haystack := make([]string, len(agents))
		for i, a := range agents {
			haystack[i] = a.Name + " " + a.Nickname + " " + a.Expertise
		}
		matches := fuzzy.Find(q, haystack)
		sort.Stable(matches)

		ranked := make([]models.Agent, 0, len(matches))
		for _, m := range matches {
			ranked = append(ranked, agents[m.Index])
		}
		agents = ranked
	}

	out := make([]agentDTO, 0, len(agents))
	for i := range agents {
		out = append(out, s.agentDTO(&agents[i]))
	}
	WriteSuccess(w, map[string]any{"agents": out, "count": len(out)}, http.StatusOK)
}

// pathID parses a numeric {id} path value, writing the error response on
// failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, ErrInvalidArgument, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// handleGetAgent serves GET /api/v1/agents/{id}.
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	agent, err := s.db.GetAgent(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteSuccess(w, s.agentDTO(agent), http.StatusOK)
}

type updateAgentRequest struct {
	Nickname       *string `json:"nickname"`
	Expertise      *string `json:"expertise"`
	Version        *string `json:"version"`
	DefaultProject *string `json:"default_project"`
}

// handleUpdateAgent serves PATCH /api/v1/agents/{id}. Agents may only update
// their own profile.
func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ident := identityFrom(r)
	if ident.AgentID != id {
		WriteError(w, ErrForbidden, "agents may only update their own profile", http.StatusForbidden)
		return
	}

	var req updateAgentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	agent, err := s.db.GetAgent(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if req.Nickname != nil {
		agent.Nickname = *req.Nickname
	}
	if req.Expertise != nil {
		agent.Expertise = *req.Expertise
	}
	if req.Version != nil {
		agent.Version = *req.Version
	}
	if req.DefaultProject != nil {
		agent.DefaultProject = *req.DefaultProject
	}

	if err := s.db.UpdateAgent(r.Context(), agent); err != nil {
		WriteStoreError(w, err)
		return
	}
	s.hooks.Dispatch(events.New(events.EntityAgents, events.ActionUpdate, id, s.agentDTO(agent)))
	WriteSuccess(w, s.agentDTO(agent), http.StatusOK)
}

// handleDeactivateAgent serves DELETE /api/v1/agents/{id}. Deactivation, not
// deletion: the row survives so history stays attributable.
func (s *Server) handleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ident := identityFrom(r)
	if ident.AgentID != id {
		WriteError(w, ErrForbidden, "agents may only deactivate themselves", http.StatusForbidden)
		return
	}

	if err := s.db.DeactivateAgent(r.Context(), id); err != nil {
		WriteStoreError(w, err)
		return
	}
	s.registry.Remove(id)
	WriteSuccess(w, map[string]any{"agent_id": id, "active": false}, http.StatusOK)
}

package serve

import (
	"net/http"
	"time"

	"github.com/marcus/agenthub/internal/events"
	"github.com/marcus/agenthub/internal/models"
)

type projectDTO struct {
	ProjectID   int64  `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	OwnerID     int64  `json:"owner_id"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at"`
}

func projectDTOFrom(p *models.Project) projectDTO {
	return projectDTO{
		ProjectID:   p.ID,
		Name:        p.Name,
		Description: p.Description,
		OwnerID:     p.OwnerID,
		Active:      p.Active,
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleCreateProject serves POST /api/v1/projects. The caller becomes the
// owner; ownership is immutable thereafter.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	var req createProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteError(w, ErrInvalidArgument, "name is required", http.StatusBadRequest)
		return
	}

	stored, err := s.db.CreateProject(r.Context(), &models.Project{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     ident.AgentID,
		Active:      true,
	})
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	dto := projectDTOFrom(stored)
	s.hooks.Dispatch(events.New(events.EntityProjects, events.ActionCreate, ident.AgentID, dto))
	WriteSuccess(w, dto, http.StatusCreated)
}

// handleListProjects serves GET /api/v1/projects.
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.db.ListProjects(r.Context())
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	out := make([]projectDTO, 0, len(projects))
	for i := range projects {
		out = append(out, projectDTOFrom(&projects[i]))
	}
	WriteSuccess(w, map[string]any{"projects": out, "count": len(out)}, http.StatusOK)
}

// handleGetProject serves GET /api/v1/projects/{id}.
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	project, err := s.db.GetProject(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteSuccess(w, projectDTOFrom(project), http.StatusOK)
}

// requireProjectRole loads the project and checks the caller holds one of the
// allowed roles. Writes the error response on denial.
func (s *Server) requireProjectRole(w http.ResponseWriter, r *http.Request, projectID int64, allowed ...models.Role) (*models.Project, bool) {
	project, err := s.db.GetProject(r.Context(), projectID)
	if err != nil {
		WriteStoreError(w, err)
		return nil, false
	}

	ident := identityFrom(r)
	member, role, err := s.verifier.CheckProjectRole(r.Context(), ident.AgentID, projectID)
	if err != nil {
		WriteStoreError(w, err)
		return nil, false
	}
	if !member {
		WriteError(w, ErrForbidden, "not a member of this project", http.StatusForbidden)
		return nil, false
	}
	for _, a := range allowed {
		if role == a {
			return project, true
		}
	}
	WriteError(w, ErrForbidden, "insufficient project role", http.StatusForbidden)
	return nil, false
}

type updateProjectRequest struct {
	Description string `json:"description"`
}

// handleUpdateProject serves PATCH /api/v1/projects/{id}. Owner or admin.
func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, ok := s.requireProjectRole(w, r, id, models.RoleOwner, models.RoleAdmin); !ok {
		return
	}

	var req updateProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.db.UpdateProject(r.Context(), id, req.Description); err != nil {
		WriteStoreError(w, err)
		return
	}

	project, err := s.db.GetProject(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	dto := projectDTOFrom(project)
	s.hooks.Dispatch(events.New(events.EntityProjects, events.ActionUpdate, identityFrom(r).AgentID, dto))
	WriteSuccess(w, dto, http.StatusOK)
}

// handleDeactivateProject serves DELETE /api/v1/projects/{id}. Owner only.
func (s *Server) handleDeactivateProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, ok := s.requireProjectRole(w, r, id, models.RoleOwner); !ok {
		return
	}
	if err := s.db.DeactivateProject(r.Context(), id); err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{"project_id": id, "active": false}, http.StatusOK)
}

type addMemberRequest struct {
	AgentID int64  `json:"agent_id"`
	Role    string `json:"role"`
}

// handleAddMember serves POST /api/v1/projects/{id}/members. Owner or admin;
// re-adding an existing member updates the role, but never the owner's.
func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, ok := s.requireProjectRole(w, r, id, models.RoleOwner, models.RoleAdmin); !ok {
		return
	}

	var req addMemberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID <= 0 {
		WriteError(w, ErrInvalidArgument, "agent_id is required", http.StatusBadRequest)
		return
	}
	role := models.Role(req.Role)
	if role == "" {
		role = models.RoleContributor
	}
	if !models.IsValidRole(role) || role == models.RoleOwner {
		WriteError(w, ErrInvalidArgument, "role must be admin or contributor", http.StatusBadRequest)
		return
	}

	if err := s.db.AddMember(r.Context(), id, req.AgentID, role); err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteSuccess(w, models.Membership{ProjectID: id, AgentID: req.AgentID, Role: role}, http.StatusCreated)
}

// handleListMembers serves GET /api/v1/projects/{id}/members.
func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	members, err := s.db.ListMembers(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{"members": members, "count": len(members)}, http.StatusOK)
}

// handleRemoveMember serves DELETE /api/v1/projects/{id}/members/{agent_id}.
// Owner or admin; the owner can never be removed.
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	agentID, ok := pathID(w, r, "agent_id")
	if !ok {
		return
	}
	if _, ok := s.requireProjectRole(w, r, id, models.RoleOwner, models.RoleAdmin); !ok {
		return
	}

	if err := s.db.RemoveMember(r.Context(), id, agentID); err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{"project_id": id, "agent_id": agentID, "removed": true}, http.StatusOK)
}

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/agenthub/internal/db"
	"github.com/marcus/agenthub/internal/models"
)

// Auto-assigned profiles live in a bounded id range so hand-issued ids and
// resolved placeholders cannot collide.
const (
	autoAssignMinID int64 = 100
	autoAssignMaxID int64 = 9999
)

// Identity is the verified identity attached to a request or stream.
type Identity struct {
	AgentID  int64  `json:"agent_id"`
	Name     string `json:"agent_name"`
	Nickname string `json:"nickname"`
}

// Verifier checks bearer tokens against the deployment secret and resolves
// them to durable agent rows.
type Verifier struct {
	db     *db.DB
	secret []byte
}

// NewVerifier creates a Verifier bound to the store and the deployment
// secret.
func NewVerifier(database *db.DB, secret string) *Verifier {
	return &Verifier{db: database, secret: []byte(secret)}
}

// Verify validates a bearer token and returns the agent identity. A token
// carrying the auto-assign placeholder id is resolved to a durable row,
// creating one when the name is new. Tokens for deactivated agents are
// treated as revoked.
func (v *Verifier) Verify(ctx context.Context, token string) (*Identity, error) {
	claims, err := DecodeToken(v.secret, token)
	if err != nil {
		return nil, err
	}

	var agent *models.Agent
	if claims.AgentID == models.AutoAssignAgentID {
		agent, err = v.db.EnsureAgentByName(ctx, claims.AgentName, autoAssignMinID, autoAssignMaxID)
		if err != nil {
			return nil, fmt.Errorf("resolve auto-assignment: %w", err)
		}
	} else {
		agent, err = v.db.GetAgent(ctx, claims.AgentID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		if err != nil {
			return nil, fmt.Errorf("lookup agent: %w", err)
		}
	}

	if !agent.Active {
		return nil, ErrRevokedToken
	}

	nickname := claims.Nickname
	if nickname == "" {
		nickname = agent.Nickname
	}
	return &Identity{AgentID: agent.ID, Name: agent.Name, Nickname: nickname}, nil
}

// CheckProjectPermission reports whether the agent may act on the named
// project, and with which role. Unknown or inactive projects deny.
func (v *Verifier) CheckProjectPermission(ctx context.Context, agentID int64, project string) (bool, models.Role, error) {
	p, err := v.db.GetProjectByName(ctx, project)
	if errors.Is(err, db.ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("lookup project: %w", err)
	}
	if !p.Active {
		return false, "", nil
	}
	return v.CheckProjectRole(ctx, agentID, p.ID)
}

// CheckProjectRole is the membership predicate behind every project
// permission check: whether the agent belongs to the project, and with
// which role. Missing membership denies without error.
func (v *Verifier) CheckProjectRole(ctx context.Context, agentID, projectID int64) (bool, models.Role, error) {
	role, err := v.db.MemberRole(ctx, projectID, agentID)
	if errors.Is(err, db.ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("lookup membership: %w", err)
	}
	return true, role, nil
}

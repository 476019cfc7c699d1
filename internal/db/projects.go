package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/agenthub/internal/models"
)

// CreateProject inserts a project row and its owner membership in one
// transaction. A duplicate name surfaces as ErrConflict.
func (db *DB) CreateProject(ctx context.Context, p *models.Project) (*models.Project, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("create project: empty name: %w", ErrInvalidArgument)
	}

	var out *models.Project
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO projects (name, description, owner_id, active, created_at)
			VALUES (?, ?, ?, 1, ?)`,
			p.Name, p.Description, p.OwnerID, now)
		if err != nil {
			return mapError("create project", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return mapError("create project id", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_members (project_id, agent_id, role) VALUES (?, ?, ?)`,
			id, p.OwnerID, string(models.RoleOwner)); err != nil {
			return mapError("create project owner membership", err)
		}
		stored := *p
		stored.ID = id
		stored.Active = true
		stored.CreatedAt = now
		out = &stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetProject fetches one project by id.
func (db *DB) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	row := db.conn.QueryRowContext(ctx, `
		SELECT project_id, name, description, owner_id, active, created_at
		FROM projects WHERE project_id = ?`, id)
	return scanProject(row)
}

// GetProjectByName fetches one project by its unique name.
func (db *DB) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	row := db.conn.QueryRowContext(ctx, `
		SELECT project_id, name, description, owner_id, active, created_at
		FROM projects WHERE name = ?`, name)
	return scanProject(row)
}

// ListProjects returns all projects, active first.
func (db *DB) ListProjects(ctx context.Context) ([]models.Project, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT project_id, name, description, owner_id, active, created_at
		FROM projects ORDER BY active DESC, project_id ASC`)
	if err != nil {
		return nil, mapError("list projects", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, mapError("list projects", rows.Err())
}

// UpdateProject applies description changes. Role checks are the caller's job.
func (db *DB) UpdateProject(ctx context.Context, id int64, description string) error {
	release, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE projects SET description = ? WHERE project_id = ?`, description, id)
	if err != nil {
		return mapError("update project", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update project %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeactivateProject flips the active flag. Project rows are never deleted.
func (db *DB) DeactivateProject(ctx context.Context, id int64) error {
	release, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	res, err := db.conn.ExecContext(ctx, `UPDATE projects SET active = 0 WHERE project_id = ?`, id)
	if err != nil {
		return mapError("deactivate project", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deactivate project %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddMember inserts or updates a membership. The owner's role cannot be
// downgraded through this path.
func (db *DB) AddMember(ctx context.Context, projectID, agentID int64, role models.Role) error {
	if !models.IsValidRole(role) {
		return fmt.Errorf("add member: invalid role %q: %w", role, ErrInvalidArgument)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var ownerID int64
		if err := tx.QueryRowContext(ctx, `SELECT owner_id FROM projects WHERE project_id = ?`, projectID).Scan(&ownerID); err != nil {
			return mapError("add member project lookup", err)
		}
		if agentID == ownerID && role != models.RoleOwner {
			return fmt.Errorf("add member: cannot change owner role: %w", ErrInvalidArgument)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_members (project_id, agent_id, role) VALUES (?, ?, ?)
			ON CONFLICT(project_id, agent_id) DO UPDATE SET role = excluded.role`,
			projectID, agentID, string(role)); err != nil {
			return mapError("add member", err)
		}
		return nil
	})
}

// RemoveMember drops a membership. The owner cannot be removed.
func (db *DB) RemoveMember(ctx context.Context, projectID, agentID int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var ownerID int64
		if err := tx.QueryRowContext(ctx, `SELECT owner_id FROM projects WHERE project_id = ?`, projectID).Scan(&ownerID); err != nil {
			return mapError("remove member project lookup", err)
		}
		if agentID == ownerID {
			return fmt.Errorf("remove member: owner cannot be removed: %w", ErrInvalidArgument)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM project_members WHERE project_id = ? AND agent_id = ?`, projectID, agentID)
		if err != nil {
			return mapError("remove member", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("remove member: agent %d not in project %d: %w", agentID, projectID, ErrNotFound)
		}
		return nil
	})
}

// MemberRole returns the agent's role in the project, or ErrNotFound when
// the agent is not a member.
func (db *DB) MemberRole(ctx context.Context, projectID, agentID int64) (models.Role, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	var role string
	err = db.conn.QueryRowContext(ctx, `
		SELECT role FROM project_members WHERE project_id = ? AND agent_id = ?`,
		projectID, agentID).Scan(&role)
	if err != nil {
		return "", mapError("member role", err)
	}
	return models.Role(role), nil
}

// ListMembers returns all memberships of a project.
func (db *DB) ListMembers(ctx context.Context, projectID int64) ([]models.Membership, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT project_id, agent_id, role FROM project_members
		WHERE project_id = ? ORDER BY agent_id ASC`, projectID)
	if err != nil {
		return nil, mapError("list members", err)
	}
	defer rows.Close()

	var members []models.Membership
	for rows.Next() {
		var m models.Membership
		var role string
		if err := rows.Scan(&m.ProjectID, &m.AgentID, &role); err != nil {
			return nil, mapError("scan member", err)
		}
		m.Role = models.Role(role)
		members = append(members, m)
	}
	return members, mapError("list members", rows.Err())
}

func scanProject(row agentScanner) (*models.Project, error) {
	var p models.Project
	var active int
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &active, &p.CreatedAt); err != nil {
		return nil, mapError("scan project", err)
	}
	p.Active = active != 0
	return &p, nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/agenthub/internal/models"
)

// CreateAgent inserts a new agent profile. When a.ID is zero the row id is
// assigned by the database; otherwise the explicit id is used. Returns the
// assigned id. A duplicate name surfaces as ErrConflict.
func (db *DB) CreateAgent(ctx context.Context, a *models.Agent) (int64, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	now := time.Now().UTC()
	var res sql.Result
	if a.ID == 0 {
		res, err = db.conn.ExecContext(ctx, `
			INSERT INTO agents (name, nickname, expertise, version, default_project, active, created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)`,
			a.Name, a.Nickname, a.Expertise, a.Version, a.DefaultProject, now)
	} else {
		res, err = db.conn.ExecContext(ctx, `
			INSERT INTO agents (agent_id, name, nickname, expertise, version, default_project, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
			a.ID, a.Name, a.Nickname, a.Expertise, a.Version, a.DefaultProject, now)
	}
	if err != nil {
		return 0, mapError("create agent", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, mapError("create agent id", err)
	}
	if a.ID != 0 {
		id = a.ID
	}
	return id, nil
}

// GetAgent fetches one agent by id.
func (db *DB) GetAgent(ctx context.Context, id int64) (*models.Agent, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	row := db.conn.QueryRowContext(ctx, `
		SELECT agent_id, name, nickname, expertise, version, default_project, active, created_at
		FROM agents WHERE agent_id = ?`, id)
	return scanAgent(row)
}

// GetAgentByName fetches one agent by its unique name.
func (db *DB) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	row := db.conn.QueryRowContext(ctx, `
		SELECT agent_id, name, nickname, expertise, version, default_project, active, created_at
		FROM agents WHERE name = ?`, name)
	return scanAgent(row)
}

// ListAgents returns all agent profiles, active first, newest last.
func (db *DB) ListAgents(ctx context.Context) ([]models.Agent, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT agent_id, name, nickname, expertise, version, default_project, active, created_at
		FROM agents ORDER BY active DESC, agent_id ASC`)
	if err != nil {
		return nil, mapError("list agents", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, mapError("list agents", rows.Err())
}

// UpdateAgent applies profile changes to the row owned by a.ID. Name changes
// that collide with another agent surface as ErrConflict.
func (db *DB) UpdateAgent(ctx context.Context, a *models.Agent) error {
	release, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE agents
		SET name = ?, nickname = ?, expertise = ?, version = ?, default_project = ?
		WHERE agent_id = ?`,
		a.Name, a.Nickname, a.Expertise, a.Version, a.DefaultProject, a.ID)
	if err != nil {
		return mapError("update agent", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update agent %d: %w", a.ID, ErrNotFound)
	}
	return nil
}

// DeactivateAgent flips the active flag. Agent rows are never deleted.
func (db *DB) DeactivateAgent(ctx context.Context, id int64) error {
	release, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	res, err := db.conn.ExecContext(ctx, `UPDATE agents SET active = 0 WHERE agent_id = ?`, id)
	if err != nil {
		return mapError("deactivate agent", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deactivate agent %d: %w", id, ErrNotFound)
	}
	return nil
}

// EnsureAgentByName resolves an auto-assigned identity to a durable row: the
// existing agent with that name if one exists, otherwise a fresh profile
// holding the smallest unused id in [minID, maxID]. The lookup and insert run
// in one transaction so concurrent resolutions of the same name converge on
// a single row.
func (db *DB) EnsureAgentByName(ctx context.Context, name string, minID, maxID int64) (*models.Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("ensure agent: empty name: %w", ErrInvalidArgument)
	}

	var out *models.Agent
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT agent_id, name, nickname, expertise, version, default_project, active, created_at
			FROM agents WHERE name = ?`, name)
		a, err := scanAgent(row)
		if err == nil {
			out = a
			return nil
		}
		if !isNotFound(err) {
			return err
		}

		// Smallest unused id in the bounded auto-assign range. MIN over an
		// exhausted range yields NULL, not zero rows.
		var candidate sql.NullInt64
		err = tx.QueryRowContext(ctx, `
			SELECT MIN(candidate) FROM (
				SELECT ? AS candidate
				UNION ALL
				SELECT agent_id + 1 FROM agents WHERE agent_id >= ? AND agent_id < ?
			)
			WHERE candidate NOT IN (SELECT agent_id FROM agents)`,
			minID, minID, maxID).Scan(&candidate)
		if err != nil {
			return mapError("find unused agent id", err)
		}
		if !candidate.Valid || candidate.Int64 > maxID {
			return fmt.Errorf("auto-assign range exhausted: %w", ErrConflict)
		}
		id := candidate.Int64

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agents (agent_id, name, active, created_at) VALUES (?, ?, 1, ?)`,
			id, name, now); err != nil {
			return mapError("insert auto-assigned agent", err)
		}
		out = &models.Agent{ID: id, Name: name, Active: true, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type agentScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row agentScanner) (*models.Agent, error) {
	var a models.Agent
	var active int
	if err := row.Scan(&a.ID, &a.Name, &a.Nickname, &a.Expertise, &a.Version,
		&a.DefaultProject, &active, &a.CreatedAt); err != nil {
		return nil, mapError("scan agent", err)
	}
	a.Active = active != 0
	return &a, nil
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/agenthub/internal/models"
)

// StartSession upserts an active-session row for the session identifier.
// Reconnecting with the same identifier reactivates the existing row rather
// than creating a duplicate.
func (db *DB) StartSession(ctx context.Context, s *models.ActiveSession) (*models.ActiveSession, error) {
	if !models.ValidSessionID(s.SessionID) {
		return nil, fmt.Errorf("start session: malformed identifier %q: %w", s.SessionID, ErrInvalidArgument)
	}

	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now().UTC()
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO active_sessions (session_identifier, agent_id, project, started_at, last_activity, active)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(session_identifier) DO UPDATE SET
			agent_id = excluded.agent_id,
			project = excluded.project,
			last_activity = excluded.last_activity,
			ended_at = NULL,
			active = 1`,
		s.SessionID, s.AgentID, s.Project, now, now)
	if err != nil {
		return nil, mapError("start session", err)
	}

	return db.GetSession(ctx, s.SessionID)
}

// GetSession fetches one active-session row by identifier.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*models.ActiveSession, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	row := db.conn.QueryRowContext(ctx, `
		SELECT session_identifier, agent_id, project, started_at, last_activity, ended_at, active
		FROM active_sessions WHERE session_identifier = ?`, sessionID)
	return scanSession(row)
}

// EndSession marks a session inactive with an end timestamp.
func (db *DB) EndSession(ctx context.Context, sessionID string) error {
	release, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE active_sessions SET active = 0, ended_at = ? WHERE session_identifier = ?`,
		time.Now().UTC(), sessionID)
	if err != nil {
		return mapError("end session", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("end session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// TouchSession bumps a session's last_activity. Best-effort: a missing row
// is not an error.
func (db *DB) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	release, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = db.conn.ExecContext(ctx, `
		UPDATE active_sessions SET last_activity = ? WHERE session_identifier = ?`,
		at.UTC(), sessionID)
	return mapError("touch session", err)
}

// ListActiveSessions returns all sessions still marked active, most recently
// active first. This backs the online-agents view.
func (db *DB) ListActiveSessions(ctx context.Context) ([]models.ActiveSession, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT session_identifier, agent_id, project, started_at, last_activity, ended_at, active
		FROM active_sessions WHERE active = 1
		ORDER BY last_activity DESC`)
	if err != nil {
		return nil, mapError("list active sessions", err)
	}
	defer rows.Close()

	var sessions []models.ActiveSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, mapError("list active sessions", rows.Err())
}

// DeactivateStaleSessions marks sessions inactive when their last activity
// predates the cutoff, and returns how many rows changed. Run by the
// supervisor so the online view cannot report absent agents.
func (db *DB) DeactivateStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE active_sessions SET active = 0, ended_at = ?
		WHERE active = 1 AND last_activity < ?`,
		time.Now().UTC(), cutoff.UTC())
	if err != nil {
		return 0, mapError("deactivate stale sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanSession(row agentScanner) (*models.ActiveSession, error) {
	var s models.ActiveSession
	var ended sql.NullTime
	var active int
	if err := row.Scan(&s.SessionID, &s.AgentID, &s.Project, &s.StartedAt,
		&s.LastActivity, &ended, &active); err != nil {
		return nil, mapError("scan session", err)
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	s.Active = active != 0
	return &s, nil
}

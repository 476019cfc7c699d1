package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/agenthub/internal/models"
)

// InsertCollaboration persists a pending collaboration request. Requester and
// responder must differ.
func (db *DB) InsertCollaboration(ctx context.Context, c *models.Collaboration) (*models.Collaboration, error) {
	if c.Title == "" {
		return nil, fmt.Errorf("insert collaboration: empty title: %w", ErrInvalidArgument)
	}
	if c.RequesterID == c.ResponderID {
		return nil, fmt.Errorf("insert collaboration: requester and responder are the same agent: %w", ErrInvalidArgument)
	}

	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	meta, err := marshalMeta(c.Metadata)
	if err != nil {
		return nil, fmt.Errorf("insert collaboration metadata: %w", ErrInvalidArgument)
	}

	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO collaborations (requester_id, responder_id, title, description, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.RequesterID, c.ResponderID, c.Title, c.Description, string(models.CollabPending), meta, now)
	if err != nil {
		return nil, mapError("insert collaboration", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, mapError("insert collaboration id", err)
	}

	stored := *c
	stored.ID = id
	stored.Status = models.CollabPending
	stored.CreatedAt = now
	stored.RespondedAt = nil
	stored.CompletedAt = nil
	return &stored, nil
}

// GetCollaboration fetches one collaboration by id.
func (db *DB) GetCollaboration(ctx context.Context, id int64) (*models.Collaboration, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	row := db.conn.QueryRowContext(ctx, `
		SELECT collab_id, requester_id, responder_id, title, description, status, metadata,
		       created_at, responded_at, completed_at
		FROM collaborations WHERE collab_id = ?`, id)
	return scanCollaboration(row)
}

// ListCollaborationsForAgent returns all collaborations where the agent is
// either party, newest first.
func (db *DB) ListCollaborationsForAgent(ctx context.Context, agentID int64) ([]models.Collaboration, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT collab_id, requester_id, responder_id, title, description, status, metadata,
		       created_at, responded_at, completed_at
		FROM collaborations
		WHERE requester_id = ? OR responder_id = ?
		ORDER BY created_at DESC, collab_id DESC`, agentID, agentID)
	if err != nil {
		return nil, mapError("list collaborations", err)
	}
	defer rows.Close()

	var collabs []models.Collaboration
	for rows.Next() {
		c, err := scanCollaboration(rows)
		if err != nil {
			return nil, err
		}
		collabs = append(collabs, *c)
	}
	return collabs, mapError("list collaborations", rows.Err())
}

// RespondCollaboration moves a pending collaboration to accept or reject.
// The conditional update only matches a pending row, so a second response
// surfaces as ErrConflict. Responder authorization is the caller's job.
func (db *DB) RespondCollaboration(ctx context.Context, id int64, status models.CollabStatus) (*models.Collaboration, error) {
	if !models.IsValidCollabResponse(status) {
		return nil, fmt.Errorf("respond collaboration: invalid status %q: %w", status, ErrInvalidArgument)
	}

	var out *models.Collaboration
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE collaborations SET status = ?, responded_at = ?
			WHERE collab_id = ? AND status = ?`,
			string(status), now, id, string(models.CollabPending))
		if err != nil {
			return mapError("respond collaboration", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Distinguish missing row from an already-responded one.
			row := tx.QueryRowContext(ctx, `SELECT status FROM collaborations WHERE collab_id = ?`, id)
			var cur string
			if err := row.Scan(&cur); err != nil {
				return mapError("respond collaboration", err)
			}
			return fmt.Errorf("collaboration %d already %s: %w", id, cur, ErrConflict)
		}
		row := tx.QueryRowContext(ctx, `
			SELECT collab_id, requester_id, responder_id, title, description, status, metadata,
			       created_at, responded_at, completed_at
			FROM collaborations WHERE collab_id = ?`, id)
		c, err := scanCollaboration(row)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteCollaboration moves an accepted collaboration to completed. Either
// party may complete; party membership is the caller's check.
func (db *DB) CompleteCollaboration(ctx context.Context, id int64) (*models.Collaboration, error) {
	var out *models.Collaboration
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE collaborations SET status = ?, completed_at = ?
			WHERE collab_id = ? AND status = ?`,
			string(models.CollabCompleted), now, id, string(models.CollabAccepted))
		if err != nil {
			return mapError("complete collaboration", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			row := tx.QueryRowContext(ctx, `SELECT status FROM collaborations WHERE collab_id = ?`, id)
			var cur string
			if err := row.Scan(&cur); err != nil {
				return mapError("complete collaboration", err)
			}
			return fmt.Errorf("collaboration %d is %s, not %s: %w", id, cur, models.CollabAccepted, ErrConflict)
		}
		row := tx.QueryRowContext(ctx, `
			SELECT collab_id, requester_id, responder_id, title, description, status, metadata,
			       created_at, responded_at, completed_at
			FROM collaborations WHERE collab_id = ?`, id)
		c, err := scanCollaboration(row)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanCollaboration(row agentScanner) (*models.Collaboration, error) {
	var c models.Collaboration
	var status, meta string
	var responded, completed sql.NullTime
	if err := row.Scan(&c.ID, &c.RequesterID, &c.ResponderID, &c.Title, &c.Description,
		&status, &meta, &c.CreatedAt, &responded, &completed); err != nil {
		return nil, mapError("scan collaboration", err)
	}
	c.Status = models.CollabStatus(status)
	c.Metadata = unmarshalMeta(meta)
	if responded.Valid {
		t := responded.Time
		c.RespondedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		c.CompletedAt = &t
	}
	return &c, nil
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/agenthub/internal/models"
)

// FileKind selects which file inventory column a file-based brain-state
// lookup searches.
type FileKind string

const (
	FileModified FileKind = "modified"
	FileAdded    FileKind = "added"
	FileDeleted  FileKind = "deleted"
)

// fileColumn maps a FileKind to its column. Lookups never interpolate caller
// input into SQL; the column name comes from this closed set.
func fileColumn(kind FileKind) (string, error) {
	switch kind {
	case FileModified:
		return "modified_files", nil
	case FileAdded:
		return "added_files", nil
	case FileDeleted:
		return "deleted_files", nil
	}
	return "", fmt.Errorf("unknown file kind %q: %w", kind, ErrInvalidArgument)
}

// BrainSaveInput is the caller-supplied portion of a brain-state save. Cycle
// counters and last_activity are store-maintained and absent on purpose.
type BrainSaveInput struct {
	SessionID     string
	AgentID       int64
	Project       string
	GitHash       string
	CurrentTask   string
	LastThought   string
	LastInsight   string
	Checkpoint    json.RawMessage
	ModifiedFiles []string
	AddedFiles    []string
	DeletedFiles  []string
	GitStatus     string
}

// BrainQuery selects a brain-state record. When several selectors are set,
// precedence is session identifier, then agent, then project+git hash, then
// file.
type BrainQuery struct {
	SessionID string
	AgentID   int64
	Project   string
	GitHash   string
	FileKind  FileKind
	File      string
}

// SaveBrainState upserts the record keyed by session identifier. On insert
// both cycle counters start at 1; on update both increment by one. The
// last_activity timestamp is supplied here, never by the caller, so activity
// cannot be backdated. The whole write, including the active-session bump,
// is one transaction. Returns the post-image.
func (db *DB) SaveBrainState(ctx context.Context, in *BrainSaveInput) (*models.BrainState, error) {
	if !models.ValidSessionID(in.SessionID) {
		return nil, fmt.Errorf("save brain state: malformed session identifier %q: %w", in.SessionID, ErrInvalidArgument)
	}
	if in.AgentID == 0 {
		return nil, fmt.Errorf("save brain state: missing agent id: %w", ErrInvalidArgument)
	}

	checkpoint := string(in.Checkpoint)
	if checkpoint == "" {
		checkpoint = "{}"
	} else if !json.Valid(in.Checkpoint) {
		return nil, fmt.Errorf("save brain state: checkpoint is not valid JSON: %w", ErrInvalidArgument)
	}
	modified, err := marshalStrings(in.ModifiedFiles)
	if err != nil {
		return nil, fmt.Errorf("save brain state modified files: %w", ErrInvalidArgument)
	}
	added, err := marshalStrings(in.AddedFiles)
	if err != nil {
		return nil, fmt.Errorf("save brain state added files: %w", ErrInvalidArgument)
	}
	deleted, err := marshalStrings(in.DeletedFiles)
	if err != nil {
		return nil, fmt.Errorf("save brain state deleted files: %w", ErrInvalidArgument)
	}

	var out *models.BrainState
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		// Conflict key is session_identifier only. A save under a new
		// identifier always creates a new row, even when the agent already
		// owns rows for other sessions.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO brain_states (
				session_identifier, agent_id, project, git_hash,
				current_task, last_thought, last_insight,
				current_cycle, cycle_count, last_activity,
				checkpoint_data, modified_files, added_files, deleted_files, git_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, 1, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_identifier) DO UPDATE SET
				agent_id = excluded.agent_id,
				project = excluded.project,
				git_hash = excluded.git_hash,
				current_task = excluded.current_task,
				last_thought = excluded.last_thought,
				last_insight = excluded.last_insight,
				current_cycle = brain_states.current_cycle + 1,
				cycle_count = brain_states.cycle_count + 1,
				last_activity = excluded.last_activity,
				checkpoint_data = excluded.checkpoint_data,
				modified_files = excluded.modified_files,
				added_files = excluded.added_files,
				deleted_files = excluded.deleted_files,
				git_status = excluded.git_status`,
			in.SessionID, in.AgentID, in.Project, in.GitHash,
			in.CurrentTask, in.LastThought, in.LastInsight, now,
			checkpoint, modified, added, deleted, in.GitStatus); err != nil {
			return mapError("upsert brain state", err)
		}

		// Keep the session's liveness view in step with the write.
		if _, err := tx.ExecContext(ctx, `
			UPDATE active_sessions SET last_activity = ? WHERE session_identifier = ?`,
			now, in.SessionID); err != nil {
			return mapError("bump session activity", err)
		}

		bs, err := scanBrainState(tx.QueryRowContext(ctx, brainSelect+` WHERE session_identifier = ?`, in.SessionID))
		if err != nil {
			return err
		}
		out = bs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const brainSelect = `
	SELECT session_identifier, agent_id, project, git_hash,
	       current_task, last_thought, last_insight,
	       current_cycle, cycle_count, last_activity,
	       checkpoint_data, modified_files, added_files, deleted_files, git_status,
	       is_sleeping, slept_at, woke_up_at
	FROM brain_states`

// LoadBrainState resolves the query by selector precedence and returns the
// matching record. A query with no selector is ErrInvalidArgument; no match
// is ErrNotFound.
func (db *DB) LoadBrainState(ctx context.Context, q *BrainQuery) (*models.BrainState, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	switch {
	case q.SessionID != "":
		return scanBrainState(db.conn.QueryRowContext(ctx,
			brainSelect+` WHERE session_identifier = ?`, q.SessionID))
	case q.AgentID != 0:
		// Legacy agent-keyed path: read-only fallback, most recent record.
		return scanBrainState(db.conn.QueryRowContext(ctx,
			brainSelect+` WHERE agent_id = ? ORDER BY last_activity DESC LIMIT 1`, q.AgentID))
	case q.Project != "" && q.GitHash != "":
		return scanBrainState(db.conn.QueryRowContext(ctx,
			brainSelect+` WHERE project = ? AND git_hash = ? ORDER BY last_activity DESC LIMIT 1`,
			q.Project, q.GitHash))
	case q.Project != "":
		return scanBrainState(db.conn.QueryRowContext(ctx,
			brainSelect+` WHERE project = ? ORDER BY last_activity DESC LIMIT 1`, q.Project))
	case q.File != "":
		col, err := fileColumn(q.FileKind)
		if err != nil {
			return nil, err
		}
		return scanBrainState(db.conn.QueryRowContext(ctx,
			brainSelect+` WHERE EXISTS (SELECT 1 FROM json_each(`+col+`) WHERE json_each.value = ?)
			ORDER BY last_activity DESC LIMIT 1`, q.File))
	}
	return nil, fmt.Errorf("load brain state: no selector supplied: %w", ErrInvalidArgument)
}

// ListBrainStatesByFile returns every record whose selected file inventory
// contains the path, most recent first.
func (db *DB) ListBrainStatesByFile(ctx context.Context, kind FileKind, path string) ([]models.BrainState, error) {
	if path == "" {
		return nil, fmt.Errorf("brain states by file: empty path: %w", ErrInvalidArgument)
	}
	col, err := fileColumn(kind)
	if err != nil {
		return nil, err
	}

	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.conn.QueryContext(ctx,
		brainSelect+` WHERE EXISTS (SELECT 1 FROM json_each(`+col+`) WHERE json_each.value = ?)
		ORDER BY last_activity DESC`, path)
	if err != nil {
		return nil, mapError("brain states by file", err)
	}
	defer rows.Close()

	var states []models.BrainState
	for rows.Next() {
		bs, err := scanBrainState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *bs)
	}
	return states, mapError("brain states by file", rows.Err())
}

// ClearBrainState deletes exactly one record.
func (db *DB) ClearBrainState(ctx context.Context, sessionID string) error {
	release, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	res, err := db.conn.ExecContext(ctx, `
		DELETE FROM brain_states WHERE session_identifier = ?`, sessionID)
	if err != nil {
		return mapError("clear brain state", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("clear brain state %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// MarkSleeping flags the agent's current (most recent) record as sleeping.
// Invoked only by the lifecycle supervisor.
func (db *DB) MarkSleeping(ctx context.Context, agentID int64, at time.Time) error {
	release, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = db.conn.ExecContext(ctx, `
		UPDATE brain_states SET is_sleeping = 1, slept_at = ?
		WHERE session_identifier = (
			SELECT session_identifier FROM brain_states
			WHERE agent_id = ? ORDER BY last_activity DESC LIMIT 1)`,
		at.UTC(), agentID)
	return mapError("mark sleeping", err)
}

// MarkAwake clears the sleeping flag on the agent's current record and
// stamps the wake time. Invoked only by the lifecycle supervisor.
func (db *DB) MarkAwake(ctx context.Context, agentID int64, at time.Time) error {
	release, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = db.conn.ExecContext(ctx, `
		UPDATE brain_states SET is_sleeping = 0, woke_up_at = ?
		WHERE agent_id = ? AND is_sleeping = 1`,
		at.UTC(), agentID)
	return mapError("mark awake", err)
}

// AgentLastActivity returns the newest last_activity across all of the
// agent's brain-state rows. ok is false when the agent owns no rows.
func (db *DB) AgentLastActivity(ctx context.Context, agentID int64) (t time.Time, ok bool, err error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	defer release()

	// Ordered select, not MAX(): the aggregate loses the column's declared
	// type and the driver hands back a bare string.
	var last time.Time
	err = db.conn.QueryRowContext(ctx, `
		SELECT last_activity FROM brain_states
		WHERE agent_id = ? ORDER BY last_activity DESC LIMIT 1`, agentID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, mapError("agent last activity", err)
	}
	return last, true, nil
}

func scanBrainState(row agentScanner) (*models.BrainState, error) {
	var bs models.BrainState
	var checkpoint, modified, added, deleted string
	var sleeping int
	var sleptAt, wokeUpAt sql.NullTime
	if err := row.Scan(&bs.SessionID, &bs.AgentID, &bs.Project, &bs.GitHash,
		&bs.CurrentTask, &bs.LastThought, &bs.LastInsight,
		&bs.CurrentCycle, &bs.CycleCount, &bs.LastActivity,
		&checkpoint, &modified, &added, &deleted, &bs.GitStatus,
		&sleeping, &sleptAt, &wokeUpAt); err != nil {
		return nil, mapError("scan brain state", err)
	}
	bs.Checkpoint = json.RawMessage(checkpoint)
	bs.ModifiedFiles = unmarshalStrings(modified)
	bs.AddedFiles = unmarshalStrings(added)
	bs.DeletedFiles = unmarshalStrings(deleted)
	bs.IsSleeping = sleeping != 0
	if sleptAt.Valid {
		t := sleptAt.Time
		bs.SleptAt = &t
	}
	if wokeUpAt.Valid {
		t := wokeUpAt.Time
		bs.WokeUpAt = &t
	}
	return &bs, nil
}

// marshalStrings encodes a file list, normalizing nil to the empty array.
func marshalStrings(ss []string) (string, error) {
	if len(ss) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(s string) []string {
	out := []string{}
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

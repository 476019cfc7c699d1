package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/agenthub/internal/models"
)

// MessageQuery narrows a message listing. Zero values mean "no filter".
type MessageQuery struct {
	SenderID       int64
	ConversationID string
	Project        string
	Type           models.MessageType
	Limit          int
	Before         time.Time
}

// InsertMessage persists a message and returns the stored row with its id
// and creation timestamp filled in. Metadata must already be enriched by the
// caller; the store treats it as opaque.
func (db *DB) InsertMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	if m.Content == "" {
		return nil, fmt.Errorf("insert message: empty content: %w", ErrInvalidArgument)
	}
	if !models.IsValidMessageType(m.Type) {
		return nil, fmt.Errorf("insert message: unknown type %q: %w", m.Type, ErrInvalidArgument)
	}

	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	meta, err := marshalMeta(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("insert message metadata: %w", ErrInvalidArgument)
	}

	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO messages (sender_id, conversation_id, type, content, metadata, project, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SenderID, m.ConversationID, string(m.Type), m.Content, meta, m.Project, now)
	if err != nil {
		return nil, mapError("insert message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, mapError("insert message id", err)
	}

	stored := *m
	stored.ID = id
	stored.CreatedAt = now
	return &stored, nil
}

// GetMessage fetches one message by id.
func (db *DB) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	row := db.conn.QueryRowContext(ctx, `
		SELECT id, sender_id, conversation_id, type, content, metadata, project, created_at
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListMessages returns messages newest-first, filtered by the query.
func (db *DB) ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	sqlStr := `
		SELECT id, sender_id, conversation_id, type, content, metadata, project, created_at
		FROM messages WHERE 1=1`
	var args []any
	if q.SenderID != 0 {
		sqlStr += ` AND sender_id = ?`
		args = append(args, q.SenderID)
	}
	if q.ConversationID != "" {
		sqlStr += ` AND conversation_id = ?`
		args = append(args, q.ConversationID)
	}
	if q.Project != "" {
		sqlStr += ` AND project = ?`
		args = append(args, q.Project)
	}
	if q.Type != "" {
		sqlStr += ` AND type = ?`
		args = append(args, string(q.Type))
	}
	if !q.Before.IsZero() {
		sqlStr += ` AND created_at < ?`
		args = append(args, q.Before.UTC())
	}
	sqlStr += ` ORDER BY created_at DESC, id DESC`
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	sqlStr += ` LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, mapError("list messages", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, mapError("list messages", rows.Err())
}

// ListMessagesByModifiedFile returns messages whose originating session has
// the given path in its brain-state modified_files inventory. This is the
// cross-reference used to answer "who touched this file and what were they
// saying at the time".
func (db *DB) ListMessagesByModifiedFile(ctx context.Context, path string, limit int) ([]models.Message, error) {
	if path == "" {
		return nil, fmt.Errorf("messages by file: empty path: %w", ErrInvalidArgument)
	}
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender_id, conversation_id, type, content, metadata, project, created_at
		FROM messages
		WHERE json_extract(metadata, '$.session_identifier') IN (
			SELECT session_identifier FROM brain_states
			WHERE EXISTS (SELECT 1 FROM json_each(brain_states.modified_files) WHERE json_each.value = ?)
		)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, path, limit)
	if err != nil {
		return nil, mapError("messages by file", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, mapError("messages by file", rows.Err())
}

func scanMessage(row agentScanner) (*models.Message, error) {
	var m models.Message
	var typ, meta string
	if err := row.Scan(&m.ID, &m.SenderID, &m.ConversationID, &typ, &m.Content,
		&meta, &m.Project, &m.CreatedAt); err != nil {
		return nil, mapError("scan message", err)
	}
	m.Type = models.MessageType(typ)
	m.Metadata = unmarshalMeta(meta)
	return &m, nil
}

// marshalMeta encodes a metadata map, normalizing nil to the empty object.
func marshalMeta(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// unmarshalMeta decodes stored metadata, tolerating malformed rows.
func unmarshalMeta(s string) map[string]string {
	meta := map[string]string{}
	if s == "" {
		return meta
	}
	_ = json.Unmarshal([]byte(s), &meta)
	return meta
}

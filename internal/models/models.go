// Package models defines the durable data model of the agenthub broker:
// agent profiles, messages, collaboration requests, projects, and the
// session-keyed brain-state record.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// SessionIDLength is the length of a session identifier: a 7-character
// prefix of a SHA-1 hash generated client-side over
// (agent_id, project_id, connect_timestamp, git_hash).
const SessionIDLength = 7

// AutoAssignAgentID is the reserved placeholder agent id carried by tokens
// that request auto-assignment. The verifier resolves it to a durable row.
const AutoAssignAgentID int64 = 0

// Agent is a durable agent profile. Rows are never destroyed; deactivation
// flips Active.
type Agent struct {
	ID             int64     `json:"agent_id"`
	Name           string    `json:"name"`
	Nickname       string    `json:"nickname"`
	Expertise      string    `json:"expertise"`
	Version        string    `json:"version"`
	DefaultProject string    `json:"default_project"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageType classifies a persisted message.
type MessageType string

const (
	MessageTypeMessage    MessageType = "message"
	MessageTypeQuestion   MessageType = "question"
	MessageTypeResponse   MessageType = "response"
	MessageTypeInsight    MessageType = "insight"
	MessageTypeDecision   MessageType = "decision"
	MessageTypeSuggestion MessageType = "suggestion"
)

// IsValidMessageType checks whether t is a known message type.
func IsValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeMessage, MessageTypeQuestion, MessageTypeResponse,
		MessageTypeInsight, MessageTypeDecision, MessageTypeSuggestion:
		return true
	}
	return false
}

// NormalizeMessageType lowercases and trims a wire message type. An empty
// input defaults to "message".
func NormalizeMessageType(t string) MessageType {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return MessageTypeMessage
	}
	return MessageType(t)
}

// Message is a persisted message row. Metadata is opaque to the store; the
// server augments it with project, identity, and session_identifier before
// persistence.
type Message struct {
	ID             int64             `json:"id"`
	SenderID       int64             `json:"sender_id"`
	ConversationID string            `json:"conversation_id"`
	Type           MessageType       `json:"type"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata"`
	Project        string            `json:"project"`
	CreatedAt      time.Time         `json:"created_at"`
}

// CollabStatus is the lifecycle state of a collaboration request.
// Transitions respect the partial order pending -> {accept, reject},
// accept -> completed.
type CollabStatus string

const (
	CollabPending   CollabStatus = "pending"
	CollabAccepted  CollabStatus = "accept"
	CollabRejected  CollabStatus = "reject"
	CollabCompleted CollabStatus = "completed"
)

// IsValidCollabResponse reports whether s is a valid response to a pending
// collaboration.
func IsValidCollabResponse(s CollabStatus) bool {
	return s == CollabAccepted || s == CollabRejected
}

// Collaboration is a persisted collaboration request between two agents.
type Collaboration struct {
	ID          int64             `json:"collab_id"`
	RequesterID int64             `json:"requester_id"`
	ResponderID int64             `json:"responder_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      CollabStatus      `json:"status"`
	Metadata    map[string]string `json:"metadata"`
	CreatedAt   time.Time         `json:"created_at"`
	RespondedAt *time.Time        `json:"responded_at"`
	CompletedAt *time.Time        `json:"completed_at"`
}

// Role is a project membership role.
type Role string

const (
	RoleOwner       Role = "owner"
	RoleAdmin       Role = "admin"
	RoleContributor Role = "contributor"
)

// IsValidRole checks whether r is a known membership role.
func IsValidRole(r Role) bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleContributor
}

// Project is a durable project row. The owner cannot be removed from the
// membership set.
type Project struct {
	ID          int64     `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     int64     `json:"owner_id"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Membership links an agent to a project with a role.
type Membership struct {
	ProjectID int64 `json:"project_id"`
	AgentID   int64 `json:"agent_id"`
	Role      Role  `json:"role"`
}

// BrainState is the per-session working-memory record, unique by SessionID.
// Cycle counters and LastActivity are maintained by the store, never by the
// caller.
type BrainState struct {
	SessionID     string          `json:"session_identifier"`
	AgentID       int64           `json:"agent_id"`
	Project       string          `json:"project"`
	GitHash       string          `json:"git_hash"`
	CurrentTask   string          `json:"current_task"`
	LastThought   string          `json:"last_thought"`
	LastInsight   string          `json:"last_insight"`
	CurrentCycle  int             `json:"current_cycle"`
	CycleCount    int             `json:"cycle_count"`
	LastActivity  time.Time       `json:"last_activity"`
	Checkpoint    json.RawMessage `json:"checkpoint_data"`
	ModifiedFiles []string        `json:"modified_files"`
	AddedFiles    []string        `json:"added_files"`
	DeletedFiles  []string        `json:"deleted_files"`
	GitStatus     string          `json:"git_status"`
	IsSleeping    bool            `json:"is_sleeping"`
	SleptAt       *time.Time      `json:"slept_at"`
	WokeUpAt      *time.Time      `json:"woke_up_at"`
}

// ActiveSession is the durable record of a live working session, used by the
// supervisor's persisted-state cleanup and the online-agents view.
type ActiveSession struct {
	SessionID    string     `json:"session_identifier"`
	AgentID      int64      `json:"agent_id"`
	Project      string     `json:"project"`
	StartedAt    time.Time  `json:"started_at"`
	LastActivity time.Time  `json:"last_activity"`
	EndedAt      *time.Time `json:"ended_at"`
	Active       bool       `json:"active"`
}

// ValidSessionID reports whether s is a well-formed session identifier:
// exactly seven lowercase hex characters.
func ValidSessionID(s string) bool {
	if len(s) != SessionIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Package events defines the event taxonomy shared by the streaming surface
// and the webhook dispatcher.
//
// The taxonomy provides:
//   - Canonical entity and action types
//   - Normalization of singular/plural entity names
//   - Validation of entity+action combinations
//
// Entity names are accepted in both singular and plural form ('message' and
// 'messages' both normalize to EntityMessages) so clients need not care which
// convention a given surface uses; everything is normalized to the canonical
// plural internally.
package events

import (
	"strings"
	"time"
)

// EntityType represents the canonical entity types that produce events.
type EntityType string

// ActionType represents the canonical action types for events.
type ActionType string

// Canonical entity types
const (
	EntityAgents         EntityType = "agents"
	EntityMessages       EntityType = "messages"
	EntityCollaborations EntityType = "collaborations"
	EntityProjects       EntityType = "projects"
	EntitySessions       EntityType = "sessions"
	EntityBrainStates    EntityType = "brain_states"
)

// Canonical action types
const (
	ActionCreate   ActionType = "create"
	ActionUpdate   ActionType = "update"
	ActionRespond  ActionType = "respond"
	ActionComplete ActionType = "complete"
	ActionEnd      ActionType = "end"
	ActionSleep    ActionType = "sleep"
	ActionWake     ActionType = "wake"
)

// Event is one domain occurrence handed to the webhook dispatcher. Payload is
// the entity representation already serialized for API responses.
type Event struct {
	Entity     EntityType `json:"entity"`
	Action     ActionType `json:"action"`
	AgentID    int64      `json:"agent_id,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
	Payload    any        `json:"payload,omitempty"`
}

// New builds an event stamped with the current UTC time.
func New(entity EntityType, action ActionType, agentID int64, payload any) Event {
	return Event{
		Entity:     entity,
		Action:     action,
		AgentID:    agentID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// AllEntityTypes returns all valid entity types.
func AllEntityTypes() map[EntityType]bool {
	return map[EntityType]bool{
		EntityAgents:         true,
		EntityMessages:       true,
		EntityCollaborations: true,
		EntityProjects:       true,
		EntitySessions:       true,
		EntityBrainStates:    true,
	}
}

// AllActionTypes returns all valid action types.
func AllActionTypes() map[ActionType]bool {
	return map[ActionType]bool{
		ActionCreate:   true,
		ActionUpdate:   true,
		ActionRespond:  true,
		ActionComplete: true,
		ActionEnd:      true,
		ActionSleep:    true,
		ActionWake:     true,
	}
}

// IsValidEntityType checks if the given entity type string is valid.
func IsValidEntityType(et string) bool {
	_, ok := NormalizeEntityType(et)
	return ok
}

// IsValidActionType checks if the given action type string is valid.
func IsValidActionType(at string) bool {
	return AllActionTypes()[ActionType(strings.ToLower(at))]
}

// NormalizeEntityType normalizes an entity type string to its canonical
// plural form. Returns false for unknown entities.
func NormalizeEntityType(entityType string) (EntityType, bool) {
	switch strings.ToLower(entityType) {
	case "agent", "agents":
		return EntityAgents, true
	case "message", "messages":
		return EntityMessages, true
	case "collaboration", "collaborations", "collab", "collabs":
		return EntityCollaborations, true
	case "project", "projects":
		return EntityProjects, true
	case "session", "sessions":
		return EntitySessions, true
	case "brain_state", "brain_states":
		return EntityBrainStates, true
	default:
		return "", false
	}
}

// ValidEntityActionCombinations defines which entity types can carry which
// action types.
func ValidEntityActionCombinations() map[EntityType]map[ActionType]bool {
	return map[EntityType]map[ActionType]bool{
		EntityAgents: {
			ActionCreate: true,
			ActionUpdate: true,
			ActionSleep:  true,
			ActionWake:   true,
		},
		EntityMessages: {
			ActionCreate: true,
		},
		EntityCollaborations: {
			ActionCreate:   true,
			ActionRespond:  true,
			ActionComplete: true,
		},
		EntityProjects: {
			ActionCreate: true,
			ActionUpdate: true,
		},
		EntitySessions: {
			ActionCreate: true,
			ActionUpdate: true,
			ActionEnd:    true,
		},
		EntityBrainStates: {
			ActionCreate: true,
			ActionUpdate: true,
		},
	}
}

// IsValidEntityActionCombination checks if an entity type can carry the
// action type.
func IsValidEntityActionCombination(entity EntityType, action ActionType) bool {
	if actionMap, ok := ValidEntityActionCombinations()[entity]; ok {
		return actionMap[action]
	}
	return false
}

// Package audit records who changed the decision graph and how.
package audit

import (
	"encoding/json"
	"time"
)

// ActorType identifies who performed an action.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
)

// Action describes what was done.
type Action string

const (
	ActionCreated     Action = "created"
	ActionUpdated     Action = "updated"
	ActionDeleted     Action = "deleted"
	ActionActivated   Action = "activated"
	ActionDeactivated Action = "deactivated"
	ActionImported    Action = "imported"
	ActionCleared     Action = "cleared"
)

// EntityType names the kind of thing an action touched.
type EntityType string

const (
	EntityNode       EntityType = "node"
	EntityConnection EntityType = "connection"
	EntityCategory   EntityType = "category"
	EntitySession    EntityType = "session"
	EntityCache      EntityType = "cache"
)

// Entry is a single audit trail record. PreviousValue and NewValue hold the
// JSON form of the entity before and after the change, when known.
type Entry struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorType     ActorType       `json:"actor_type"`
	ActorID       string          `json:"actor_id,omitempty"`
	Action        Action          `json:"action"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id,omitempty"`
	Summary       string          `json:"summary"`
	Categories    []string        `json:"categories"`
	PreviousValue json.RawMessage `json:"previous_value,omitempty"`
	NewValue      json.RawMessage `json:"new_value,omitempty"`
}

// Value encodes v for PreviousValue or NewValue. It returns nil for nil
// input or values that cannot be encoded.
func Value(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

package models

import (
	"encoding/json"
	"time"
)

// MessageRole classifies a StoredMessage row for the Message Store's
// (project_id, request_id, kind) correlation key.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// StoredMessage is the Message Store's append-only persisted form of a
// CanonicalEvent, keyed by (ProjectID, Seq). Rows are created on emission,
// never mutated, and destroyed only with the owning project.
type StoredMessage struct {
	ProjectID string
	Seq       uint64
	RequestID string
	Role      MessageRole
	Kind      CanonicalEventType
	BodyJSON  json.RawMessage
	CreatedAt time.Time
}

// RoleForEvent maps a canonical event type to the row's role, per the
// Message Store's correlation key.
func RoleForEvent(t CanonicalEventType) MessageRole {
	switch t {
	case EventToolCall, EventToolResult:
		return RoleTool
	case EventAssistantText:
		return RoleAssistant
	default:
		return RoleAssistant
	}
}

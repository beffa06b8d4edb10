package audit

import (
	"context"
	"time"
)

// Op classifies the action an entry records.
type Op string

const (
	OpCreate  Op = "create"
	OpUpdate  Op = "update"
	OpDelete  Op = "delete"
	OpView    Op = "view"
	OpLogin   Op = "login"
	OpLogout  Op = "logout"
	OpRefresh Op = "refresh"
	OpRevoke  Op = "revoke"
)

// Entry is one append-only audit record. Actor identity is a snapshot of
// id and name, not a foreign key, so audit history survives user deletion.
// Once written an entry is never mutated or deleted by application code.
type Entry struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id,omitempty"`
	ActorID       string         `json:"actor_id,omitempty"`
	ActorName     string         `json:"actor_name,omitempty"`
	Action        Op             `json:"action"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id,omitempty"`
	Before        map[string]any `json:"before,omitempty"`
	After         map[string]any `json:"after,omitempty"`
	ChangedFields []string       `json:"changed_fields,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
}

// Store appends immutable entries. The Postgres implementation also writes
// entries inside a business unit of work so the audit trail and the change
// it observes commit atomically.
type Store interface {
	Append(ctx context.Context, entries ...*Entry) error
}

package audit

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/ids"
)

// placeholder recorded when a field value cannot be serialized. Capture must
// never be able to abort the commit it observes.
const unserializable = "<unserializable>"

// auditEntityType marks the audit table itself; changes to it are skipped to
// avoid recursion.
const auditEntityType = "audit_entry"

// Change describes one tracked entity mutation inside a unit of work.
// Before/After hold the declared tracked fields only; the persistence layer
// decides what it exposes, no reflection involved.
type Change struct {
	Op         Op
	EntityType string
	EntityID   string
	TenantID   string
	Before     map[string]any
	After      map[string]any
}

// ChangeSet is everything a unit of work tracked before commit.
type ChangeSet []Change

// Capture turns change sets into audit entries. Secrets and other
// denylisted fields never reach the trail.
type Capture struct {
	now  func() time.Time
	deny map[string]struct{}
}

// CaptureOption configures Capture behavior.
type CaptureOption func(*Capture)

// WithCaptureClock overrides the time source (useful for tests).
func WithCaptureClock(fn func() time.Time) CaptureOption {
	return func(c *Capture) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithDenyFields extends the set of field names excluded from snapshots.
func WithDenyFields(names ...string) CaptureOption {
	return func(c *Capture) {
		for _, name := range names {
			name = strings.ToLower(strings.TrimSpace(name))
			if name != "" {
				c.deny[name] = struct{}{}
			}
		}
	}
}

// NewCapture constructs a capture with the default denylist.
func NewCapture(opts ...CaptureOption) *Capture {
	c := &Capture{
		now: time.Now,
		deny: map[string]struct{}{
			"password_hash": {},
			"secret_hash":   {},
			"password":      {},
			"secret":        {},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Entries builds audit entries for every tracked change. Actor identity is
// resolved from the principal published in ctx; entries for anonymous or
// system-initiated changes carry no actor. Audit entities are skipped.
// For updates, only fields whose values differ appear in the snapshots;
// an update with no effective difference still produces an entry with an
// empty changed-field list so the attempt is visible.
func (c *Capture) Entries(ctx context.Context, set ChangeSet) []*Entry {
	if len(set) == 0 {
		return nil
	}
	var actorID, actorName string
	if principal, ok := auth.PrincipalFromContext(ctx); ok {
		actorID = principal.UserID
		actorName = principal.Username
		if actorName == "" {
			actorName = principal.Email
		}
	}
	now := c.now().UTC()

	entries := make([]*Entry, 0, len(set))
	for _, change := range set {
		if strings.EqualFold(change.EntityType, auditEntityType) {
			continue
		}
		entry := &Entry{
			ID:         ids.New(),
			TenantID:   change.TenantID,
			ActorID:    actorID,
			ActorName:  actorName,
			Action:     change.Op,
			EntityType: change.EntityType,
			EntityID:   change.EntityID,
			OccurredAt: now,
			Success:    true,
		}
		switch change.Op {
		case OpCreate:
			entry.After = c.snapshot(change.After)
			entry.ChangedFields = fieldNames(entry.After)
		case OpDelete:
			entry.Before = c.snapshot(change.Before)
			entry.ChangedFields = fieldNames(entry.Before)
		default:
			entry.Before, entry.After, entry.ChangedFields = c.diff(change.Before, change.After)
		}
		entries = append(entries, entry)
	}
	return entries
}

// Event builds a standalone entry for an identity-flow action (login,
// logout, refresh). These are not entity diffs; they record the outcome.
func (c *Capture) Event(ctx context.Context, tenantID string, action Op, entityType, entityID string, success bool, errDetail string) *Entry {
	entry := &Entry{
		ID:         ids.New(),
		TenantID:   tenantID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		OccurredAt: c.now().UTC(),
		Success:    success,
		Error:      errDetail,
	}
	if principal, ok := auth.PrincipalFromContext(ctx); ok {
		entry.ActorID = principal.UserID
		entry.ActorName = principal.Username
		if entry.ActorName == "" {
			entry.ActorName = principal.Email
		}
	}
	return entry
}

// diff keeps only the fields whose values differ across the union of keys.
func (c *Capture) diff(before, after map[string]any) (map[string]any, map[string]any, []string) {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	oldVals := map[string]any{}
	newVals := map[string]any{}
	var changed []string
	for k := range keys {
		if c.denied(k) {
			continue
		}
		b, hadBefore := before[k]
		a, hadAfter := after[k]
		if hadBefore && hadAfter && equalValue(b, a) {
			continue
		}
		changed = append(changed, k)
		if hadBefore {
			oldVals[k] = sanitize(b)
		}
		if hadAfter {
			newVals[k] = sanitize(a)
		}
	}
	sort.Strings(changed)
	if len(oldVals) == 0 {
		oldVals = nil
	}
	if len(newVals) == 0 {
		newVals = nil
	}
	return oldVals, newVals, changed
}

func (c *Capture) snapshot(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if c.denied(k) {
			continue
		}
		out[k] = sanitize(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Capture) denied(field string) bool {
	_, ok := c.deny[strings.ToLower(field)]
	return ok
}

func fieldNames(fields map[string]any) []string {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// sanitize returns the value if it can round-trip through JSON, otherwise a
// placeholder. Serialization problems must not break the observed commit.
func sanitize(v any) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return unserializable
	}
	return v
}

func equalValue(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return errA != nil && errB != nil
	}
	return string(aj) == string(bj)
}

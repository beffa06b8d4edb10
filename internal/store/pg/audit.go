package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"gatehouse.dev/internal/audit"
)

var _ audit.Store = (*Store)(nil)

// Append writes entries outside any unit of work (identity-flow events such
// as logins). Inserts only: retention is handled elsewhere, application code
// never updates or deletes audit rows.
func (s *Store) Append(ctx context.Context, entries ...*audit.Entry) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, entry := range entries {
		if err := appendAuditTx(ctx, tx, entry); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func appendAuditTx(ctx context.Context, tx *sql.Tx, entry *audit.Entry) error {
	before, err := marshalState(entry.Before)
	if err != nil {
		return err
	}
	after, err := marshalState(entry.After)
	if err != nil {
		return err
	}
	changed, err := json.Marshal(entry.ChangedFields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into audit_entries
			(id, tenant_id, actor_id, actor_name, action, entity_type, entity_id,
			 before_state, after_state, changed_fields, occurred_at, success, error_detail)
		values ($1,nullif($2,''),nullif($3,''),nullif($4,''),$5,$6,nullif($7,''),$8,$9,$10,$11,$12,nullif($13,''))
	`, entry.ID, entry.TenantID, entry.ActorID, entry.ActorName, string(entry.Action),
		entry.EntityType, entry.EntityID, before, after, changed,
		entry.OccurredAt, entry.Success, entry.Error)
	return err
}

func marshalState(state map[string]any) ([]byte, error) {
	if len(state) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(state)
}

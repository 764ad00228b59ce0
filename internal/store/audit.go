package store

import (
	"context"
	"database/sql"
	"fmt"

	"enforcer/internal/enforcement"
)

const (
	entityInfringement = "infringement"
	entityQueueItem    = "queue_item"
	entityTakedown     = "takedown"
)

func (s *Store) insertAudit(ctx context.Context, q querier, entry enforcement.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = s.newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock()
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (id, entity_type, entity_id, action, actor, reason, before_value, after_value, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.Actor.String(),
		entry.Reason, entry.Before, entry.After, formatTime(entry.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the audit trail of one entity, oldest first.
func (s *Store) ListAudit(ctx context.Context, entityType, entityID string) ([]enforcement.AuditEntry, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id, entity_type, entity_id, action, actor, reason, before_value, after_value, created_at
        FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY created_at, rowid`,
		entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []enforcement.AuditEntry
	for rows.Next() {
		var (
			entry      enforcement.AuditEntry
			actor      string
			createdRaw sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Action, &actor,
			&entry.Reason, &entry.Before, &entry.After, &createdRaw); err != nil {
			return nil, fmt.Errorf("audit row: %w", err)
		}
		entry.Actor = enforcement.ParseActor(actor)
		entry.CreatedAt = parseTime(createdRaw)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// InfringementAudit returns the audit trail of an infringement.
func (s *Store) InfringementAudit(ctx context.Context, id string) ([]enforcement.AuditEntry, error) {
	return s.ListAudit(ctx, entityInfringement, id)
}

// QueueItemAudit returns the audit trail of a queue item.
func (s *Store) QueueItemAudit(ctx context.Context, id string) ([]enforcement.AuditEntry, error) {
	return s.ListAudit(ctx, entityQueueItem, id)
}

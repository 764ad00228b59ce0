package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"enforcer/internal/enforcement"
	"enforcer/internal/services"
)

const queueItemColumns = `id, batch_id, infringement_id, tenant_id, target_tier, target_name, target_recipient,
    target_form_url, method, status, attempts, max_attempts, scheduled_for, claimed_at, last_error,
    failure_kind, provider_message_id, instructions, overdue_at, completed_at, created_at, updated_at`

// QueueFilter narrows ListQueueItems.
type QueueFilter struct {
	TenantID       string
	BatchID        string
	InfringementID string
	Statuses       []enforcement.QueueStatus
	Limit          int
}

func scanQueueItem(scanner rowScanner) (*enforcement.QueueItem, error) {
	var (
		item                               enforcement.QueueItem
		tier, method, status               string
		recipient, formURL                 sql.NullString
		scheduledRaw, claimedRaw           sql.NullString
		lastError, failureKind, providerID sql.NullString
		instructions                       sql.NullString
		overdueRaw, completedRaw           sql.NullString
		createdRaw, updatedRaw             sql.NullString
	)
	if err := scanner.Scan(
		&item.ID, &item.BatchID, &item.InfringementID, &item.TenantID, &tier, &item.Target.Name,
		&recipient, &formURL, &method, &status, &item.Attempts, &item.MaxAttempts, &scheduledRaw,
		&claimedRaw, &lastError, &failureKind, &providerID, &instructions, &overdueRaw,
		&completedRaw, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}
	item.Method = enforcement.DeliveryMethod(method)
	item.Target.Tier = enforcement.TargetTier(tier)
	item.Target.Method = item.Method
	item.Target.Recipient = recipient.String
	item.Target.FormURL = formURL.String
	item.Status = enforcement.QueueStatus(status)
	item.ScheduledFor = parseTime(scheduledRaw)
	item.ClaimedAt = parseOptionalTime(claimedRaw)
	item.LastError = lastError.String
	item.FailureKind = services.FailureKind(failureKind.String)
	item.ProviderMessageID = providerID.String
	item.Instructions = instructions.String
	item.OverdueAt = parseOptionalTime(overdueRaw)
	item.CompletedAt = parseOptionalTime(completedRaw)
	item.CreatedAt = parseTime(createdRaw)
	item.UpdatedAt = parseTime(updatedRaw)
	return &item, nil
}

func getQueueItem(ctx context.Context, q querier, id string) (*enforcement.QueueItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+queueItemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("queue item", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// GetQueueItem fetches a queue item by identifier.
func (s *Store) GetQueueItem(ctx context.Context, id string) (*enforcement.QueueItem, error) {
	return getQueueItem(ensureContext(ctx), s.db, id)
}

// CreateBatch inserts a batch and its items atomically. IDs, timestamps and
// initial status are assigned here; ScheduledFor must be set by the caller.
func (s *Store) CreateBatch(ctx context.Context, batch *enforcement.QueueBatch, items []*enforcement.QueueItem) error {
	if batch == nil || len(items) == 0 {
		return fmt.Errorf("%w: batch requires at least one item", services.ErrValidation)
	}
	ctx = ensureContext(ctx)
	now := s.clock()
	if batch.ID == "" {
		batch.ID = s.newID()
	}
	batch.CreatedAt = now
	for _, item := range items {
		if item.ID == "" {
			item.ID = s.newID()
		}
		item.BatchID = batch.ID
		item.TenantID = batch.TenantID
		item.Status = enforcement.QueuePending
		item.Attempts = 0
		if item.Method == "" {
			item.Method = item.Target.Method
		}
		if item.ScheduledFor.IsZero() {
			item.ScheduledFor = now
		}
		item.CreatedAt = now
		item.UpdatedAt = now
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_batches (id, tenant_id, product_id, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
			batch.ID, batch.TenantID, batch.ProductID, batch.CreatedBy, formatTime(batch.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		for _, item := range items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO queue_items (
                    id, batch_id, infringement_id, tenant_id, target_tier, target_name, target_recipient,
                    target_form_url, method, status, attempts, max_attempts, scheduled_for, created_at, updated_at
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
				item.ID, item.BatchID, item.InfringementID, item.TenantID, string(item.Target.Tier),
				item.Target.Name, nullableString(item.Target.Recipient), nullableString(item.Target.FormURL),
				string(item.Method), string(item.Status), item.MaxAttempts, formatTime(item.ScheduledFor),
				formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
			); err != nil {
				return fmt.Errorf("insert queue item: %w", err)
			}
		}
		return nil
	})
}

// GetBatch fetches a batch by identifier.
func (s *Store) GetBatch(ctx context.Context, id string) (*enforcement.QueueBatch, error) {
	var (
		batch      enforcement.QueueBatch
		createdRaw sql.NullString
	)
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT id, tenant_id, product_id, created_by, created_at FROM queue_batches WHERE id = ?`, id,
	).Scan(&batch.ID, &batch.TenantID, &batch.ProductID, &batch.CreatedBy, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("batch", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	batch.CreatedAt = parseTime(createdRaw)
	return &batch, nil
}

// BatchProgress derives status counts from a batch's items.
func (s *Store) BatchProgress(ctx context.Context, batchID string) (enforcement.BatchProgress, error) {
	progress := enforcement.BatchProgress{BatchID: batchID}
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT status, COUNT(*) FROM queue_items WHERE batch_id = ? GROUP BY status`, batchID)
	if err != nil {
		return progress, fmt.Errorf("batch progress: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return progress, fmt.Errorf("batch progress row: %w", err)
		}
		progress.Total += count
		switch enforcement.QueueStatus(status) {
		case enforcement.QueuePending:
			progress.Pending = count
		case enforcement.QueueProcessing:
			progress.Processing = count
		case enforcement.QueueSent:
			progress.Sent = count
		case enforcement.QueueFailed:
			progress.Failed = count
		}
	}
	return progress, rows.Err()
}

// ListQueueItems returns queue items matching the filter ordered by schedule.
func (s *Store) ListQueueItems(ctx context.Context, filter QueueFilter) ([]*enforcement.QueueItem, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.BatchID != "" {
		clauses = append(clauses, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if filter.InfringementID != "" {
		clauses = append(clauses, "infringement_id = ?")
		args = append(args, filter.InfringementID)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	query := `SELECT ` + queueItemColumns + ` FROM queue_items`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY scheduled_for, created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryQueueItems(ctx, query, args...)
}

func (s *Store) queryQueueItems(ctx context.Context, query string, args ...any) ([]*enforcement.QueueItem, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()
	var items []*enforcement.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("queue item row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// QueueStats counts queue items per status, optionally for one tenant.
func (s *Store) QueueStats(ctx context.Context, tenantID string) (map[enforcement.QueueStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM queue_items`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY status`
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	stats := make(map[enforcement.QueueStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("queue stats row: %w", err)
		}
		stats[enforcement.QueueStatus(status)] = count
	}
	return stats, rows.Err()
}

// ReclaimStaleProcessing returns items claimed before cutoff to pending.
// Items parked with manual instructions are not reclaimed. An empty tenantID
// reclaims across all tenants.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, cutoff time.Time, tenantID string) (int64, error) {
	next, err := enforcement.NextQueueStatus(enforcement.QueueProcessing, enforcement.QueueEventReclaim)
	if err != nil {
		return 0, err
	}
	query := `UPDATE queue_items
        SET status = ?, claimed_at = NULL, updated_at = ?
        WHERE status = ? AND (instructions IS NULL OR instructions = '')
          AND claimed_at IS NOT NULL AND claimed_at < ?`
	args := []any{string(next), formatTime(s.clock()), string(enforcement.QueueProcessing), formatTime(cutoff)}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale items: %w", err)
	}
	return rowsAffected(res), nil
}

// RenewClaim refreshes the claim on a processing item right before its
// delivery call. It succeeds only while the item still carries the claim
// stamped at claimedAt, so a claim lost to a stale reclaim is never
// dispatched. The returned time is the new claim stamp that later commits
// must present.
func (s *Store) RenewClaim(ctx context.Context, id string, claimedAt, now time.Time) (time.Time, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(ctx,
		`UPDATE queue_items SET claimed_at = ?, updated_at = ?
        WHERE id = ? AND status = ? AND claimed_at = ?`,
		formatTime(now), formatTime(now), id, string(enforcement.QueueProcessing), formatTime(claimedAt),
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("renew claim on queue item %s: %w", id, err)
	}
	if rowsAffected(res) != 1 {
		return time.Time{}, fmt.Errorf("%w: claim on queue item %s was lost", services.ErrIllegalTransition, id)
	}
	return now, nil
}

// ClaimDue atomically moves up to limit due pending items to processing,
// oldest scheduled first. Each claim is a conditional update on the pending
// status, so concurrent claimers never receive the same item.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, tenantID string) ([]*enforcement.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx = ensureContext(ctx)
	next, err := enforcement.NextQueueStatus(enforcement.QueuePending, enforcement.QueueEventClaim)
	if err != nil {
		return nil, err
	}

	query := `SELECT id FROM queue_items WHERE status = ? AND scheduled_for <= ?`
	args := []any{string(enforcement.QueuePending), formatTime(now)}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY scheduled_for, created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select due items: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("due item row: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	claimedAt := formatTime(now)
	claimed := make([]*enforcement.QueueItem, 0, len(candidates))
	for _, id := range candidates {
		res, err := s.execWithRetry(ctx,
			`UPDATE queue_items SET status = ?, claimed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(next), claimedAt, claimedAt, id, string(enforcement.QueuePending),
		)
		if err != nil {
			return claimed, fmt.Errorf("claim queue item %s: %w", id, err)
		}
		if rowsAffected(res) != 1 {
			continue
		}
		item, err := s.GetQueueItem(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// FailureUpdate describes the outcome of a failed dispatch.
type FailureUpdate struct {
	Attempts  int
	Terminal  bool
	NextRunAt time.Time
	Error     string
	Kind      services.FailureKind
	// ClaimedAt, when set, must match the item's current claim stamp.
	ClaimedAt time.Time
}

// RecordFailure commits a failed dispatch: the item returns to pending with
// a new schedule, or becomes failed when the update is terminal. The item
// must still be processing.
func (s *Store) RecordFailure(ctx context.Context, id string, update FailureUpdate, actor enforcement.Actor) (*enforcement.QueueItem, error) {
	event := enforcement.QueueEventRetry
	if update.Terminal {
		event = enforcement.QueueEventFail
	}
	next, err := enforcement.NextQueueStatus(enforcement.QueueProcessing, event)
	if err != nil {
		return nil, err
	}
	ctx = ensureContext(ctx)
	now := s.clock()

	var result *enforcement.QueueItem
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			query string
			args  []any
		)
		if update.Terminal {
			query = `UPDATE queue_items
                SET status = ?, attempts = ?, last_error = ?, failure_kind = ?, claimed_at = NULL,
                    completed_at = ?, updated_at = ?
                WHERE id = ? AND status = ?`
			args = []any{
				string(next), update.Attempts, nullableString(update.Error), nullableString(string(update.Kind)),
				formatTime(now), formatTime(now), id, string(enforcement.QueueProcessing),
			}
		} else {
			query = `UPDATE queue_items
                SET status = ?, attempts = ?, last_error = ?, failure_kind = ?, claimed_at = NULL,
                    scheduled_for = ?, updated_at = ?
                WHERE id = ? AND status = ?`
			args = []any{
				string(next), update.Attempts, nullableString(update.Error), nullableString(string(update.Kind)),
				formatTime(update.NextRunAt), formatTime(now), id, string(enforcement.QueueProcessing),
			}
		}
		if !update.ClaimedAt.IsZero() {
			query += ` AND claimed_at = ?`
			args = append(args, formatTime(update.ClaimedAt))
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("record queue failure: %w", err)
		}
		if rowsAffected(res) != 1 {
			return fmt.Errorf("%w: queue item %s is no longer processing", services.ErrIllegalTransition, id)
		}
		if update.Terminal {
			if err := s.insertAudit(ctx, tx, enforcement.AuditEntry{
				EntityType: entityQueueItem,
				EntityID:   id,
				Action:     string(event),
				Actor:      actor,
				Reason:     update.Error,
				Before:     string(enforcement.QueueProcessing),
				After:      string(next),
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}
		result, err = getQueueItem(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ParkForManual leaves a processing item claimed with the instructions a human
// needs to finish it. Parked items are exempt from stale reclaim.
func (s *Store) ParkForManual(ctx context.Context, id, instructions string) (*enforcement.QueueItem, error) {
	if strings.TrimSpace(instructions) == "" {
		return nil, fmt.Errorf("%w: manual instructions are required", services.ErrValidation)
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE queue_items SET instructions = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ?`,
		instructions, formatTime(s.clock()), id, string(enforcement.QueueProcessing),
	)
	if err != nil {
		return nil, fmt.Errorf("park queue item: %w", err)
	}
	if rowsAffected(res) != 1 {
		return nil, fmt.Errorf("%w: queue item %s is no longer processing", services.ErrIllegalTransition, id)
	}
	return s.GetQueueItem(ctx, id)
}

// QueuedTiers lists the target tiers already queued or sent for an
// infringement. Terminally failed items are excluded.
func (s *Store) QueuedTiers(ctx context.Context, infringementID string) ([]enforcement.TargetTier, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT DISTINCT target_tier FROM queue_items WHERE infringement_id = ? AND status != ?`,
		infringementID, string(enforcement.QueueFailed))
	if err != nil {
		return nil, fmt.Errorf("queued tiers: %w", err)
	}
	defer rows.Close()
	var tiers []enforcement.TargetTier
	for rows.Next() {
		var tier string
		if err := rows.Scan(&tier); err != nil {
			return nil, fmt.Errorf("queued tier row: %w", err)
		}
		tiers = append(tiers, enforcement.TargetTier(tier))
	}
	return tiers, rows.Err()
}

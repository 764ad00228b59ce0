package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"enforcer/internal/enforcement"
)

// OpenTakedown is a sent takedown still awaiting a response, with the
// infringement it targets.
type OpenTakedown struct {
	Takedown     *enforcement.Takedown
	Infringement *enforcement.Infringement
	TenantID     string
}

// ActiveInfringement is an active infringement with no takedown in flight.
type ActiveInfringement struct {
	Infringement *enforcement.Infringement
	TenantID     string
}

func getTakedown(ctx context.Context, q querier, id string) (*enforcement.Takedown, error) {
	row := q.QueryRowContext(ctx, `SELECT `+takedownColumns+` FROM takedowns WHERE id = ?`, id)
	td, err := scanTakedown(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("takedown", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get takedown: %w", err)
	}
	return td, nil
}

type idPair struct {
	primary  string
	related  string
	tenantID string
}

func (s *Store) queryIDPairs(ctx context.Context, query string, args ...any) ([]idPair, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []idPair
	for rows.Next() {
		var pair idPair
		if err := rows.Scan(&pair.primary, &pair.related, &pair.tenantID); err != nil {
			return nil, err
		}
		out = append(out, pair)
	}
	return out, rows.Err()
}

// OpenTakedowns lists sent takedowns whose infringement is still in
// takedown_sent, oldest submission first.
func (s *Store) OpenTakedowns(ctx context.Context) ([]OpenTakedown, error) {
	ctx = ensureContext(ctx)
	pairs, err := s.queryIDPairs(ctx,
		`SELECT t.id, i.id, p.tenant_id
        FROM takedowns t
        JOIN infringements i ON i.id = t.infringement_id
        JOIN products p ON p.id = i.product_id
        WHERE t.status = ? AND i.status = ?
        ORDER BY t.submitted_at, t.id`,
		string(enforcement.TakedownSent), string(enforcement.StatusTakedownSent))
	if err != nil {
		return nil, fmt.Errorf("list open takedowns: %w", err)
	}
	out := make([]OpenTakedown, 0, len(pairs))
	for _, pair := range pairs {
		td, err := getTakedown(ctx, s.db, pair.primary)
		if err != nil {
			return nil, err
		}
		inf, err := getInfringement(ctx, s.db, pair.related)
		if err != nil {
			return nil, err
		}
		out = append(out, OpenTakedown{Takedown: td, Infringement: inf, TenantID: pair.tenantID})
	}
	return out, nil
}

// MarkTakedownsOverdue stamps overdue_at on the given sent takedowns. Rows
// already stamped are left alone, so reruns count only new marks.
func (s *Store) MarkTakedownsOverdue(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := append([]any{formatTime(at), string(enforcement.TakedownSent)}, stringArgs(ids)...)
	res, err := s.execWithRetry(ctx,
		`UPDATE takedowns SET overdue_at = ?
        WHERE overdue_at IS NULL AND status = ? AND id IN (`+makePlaceholders(len(ids))+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("mark takedowns overdue: %w", err)
	}
	return rowsAffected(res), nil
}

// AwaitingManualItems lists processing items parked with instructions.
func (s *Store) AwaitingManualItems(ctx context.Context) ([]*enforcement.QueueItem, error) {
	return s.queryQueueItems(ctx,
		`SELECT `+queueItemColumns+` FROM queue_items
        WHERE status = ? AND instructions IS NOT NULL AND instructions != ''
        ORDER BY updated_at, id`,
		string(enforcement.QueueProcessing))
}

// MarkQueueItemsOverdue stamps overdue_at on parked items not yet stamped.
func (s *Store) MarkQueueItemsOverdue(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := append([]any{formatTime(at), string(enforcement.QueueProcessing)}, stringArgs(ids)...)
	res, err := s.execWithRetry(ctx,
		`UPDATE queue_items SET overdue_at = ?
        WHERE overdue_at IS NULL AND status = ? AND id IN (`+makePlaceholders(len(ids))+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("mark queue items overdue: %w", err)
	}
	return rowsAffected(res), nil
}

// ActiveWithoutTakedown lists active infringements last changed before
// cutoff that have neither a takedown nor an open queue item.
func (s *Store) ActiveWithoutTakedown(ctx context.Context, cutoff time.Time) ([]ActiveInfringement, error) {
	ctx = ensureContext(ctx)
	pairs, err := s.queryIDPairs(ctx,
		`SELECT i.id, i.product_id, p.tenant_id
        FROM infringements i
        JOIN products p ON p.id = i.product_id
        WHERE i.status = ? AND i.updated_at < ?
          AND NOT EXISTS (SELECT 1 FROM takedowns t WHERE t.infringement_id = i.id)
          AND NOT EXISTS (SELECT 1 FROM queue_items q WHERE q.infringement_id = i.id AND q.status IN (?, ?))
        ORDER BY i.updated_at, i.id`,
		string(enforcement.StatusActive), formatTime(cutoff),
		string(enforcement.QueuePending), string(enforcement.QueueProcessing))
	if err != nil {
		return nil, fmt.Errorf("list active without takedown: %w", err)
	}
	out := make([]ActiveInfringement, 0, len(pairs))
	for _, pair := range pairs {
		inf, err := getInfringement(ctx, s.db, pair.primary)
		if err != nil {
			return nil, err
		}
		out = append(out, ActiveInfringement{Infringement: inf, TenantID: pair.tenantID})
	}
	return out, nil
}

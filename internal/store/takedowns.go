package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"enforcer/internal/enforcement"
	"enforcer/internal/logging"
	"enforcer/internal/services"
)

const takedownColumns = `id, infringement_id, queue_item_id, status, tier, recipient, method, notice,
    provider_message_id, submitted_at, resolved_at, overdue_at, created_at`

// Delivery describes a notice that reached its recipient.
type Delivery struct {
	ProviderMessageID string
	Notice            string
	SentAt            time.Time
	// ClaimedAt, when set, fences the commit to the claim that dispatched
	// the notice. A replay under a lost claim is rejected instead of
	// reporting the other claimant's takedown.
	ClaimedAt time.Time
}

// ManualOutcome reports the result of closing an item by hand.
type ManualOutcome struct {
	Item          *enforcement.QueueItem
	Takedown      *enforcement.Takedown
	AlreadyClosed bool
}

func scanTakedown(scanner rowScanner) (*enforcement.Takedown, error) {
	var (
		td                                    enforcement.Takedown
		queueItemID, providerID               sql.NullString
		status, tier, method                  string
		submittedRaw, resolvedRaw, overdueRaw sql.NullString
		createdRaw                            sql.NullString
	)
	if err := scanner.Scan(&td.ID, &td.InfringementID, &queueItemID, &status, &tier, &td.Recipient,
		&method, &td.Notice, &providerID, &submittedRaw, &resolvedRaw, &overdueRaw, &createdRaw); err != nil {
		return nil, err
	}
	td.QueueItemID = queueItemID.String
	td.Status = enforcement.TakedownStatus(status)
	td.Tier = enforcement.TargetTier(tier)
	td.Method = enforcement.DeliveryMethod(method)
	td.ProviderMessageID = providerID.String
	td.SubmittedAt = parseOptionalTime(submittedRaw)
	td.ResolvedAt = parseOptionalTime(resolvedRaw)
	td.OverdueAt = parseOptionalTime(overdueRaw)
	td.CreatedAt = parseTime(createdRaw)
	return &td, nil
}

func takedownByQueueItem(ctx context.Context, q querier, itemID string) (*enforcement.Takedown, error) {
	row := q.QueryRowContext(ctx, `SELECT `+takedownColumns+` FROM takedowns WHERE queue_item_id = ?`, itemID)
	td, err := scanTakedown(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("takedown for queue item", itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("get takedown: %w", err)
	}
	return td, nil
}

// GetTakedownByQueueItem returns the takedown produced by a sent queue item.
func (s *Store) GetTakedownByQueueItem(ctx context.Context, itemID string) (*enforcement.Takedown, error) {
	return takedownByQueueItem(ensureContext(ctx), s.db, itemID)
}

// GetTakedown fetches a takedown by identifier.
func (s *Store) GetTakedown(ctx context.Context, id string) (*enforcement.Takedown, error) {
	return getTakedown(ensureContext(ctx), s.db, id)
}

// ListTakedowns returns every takedown of an infringement, oldest first.
func (s *Store) ListTakedowns(ctx context.Context, infringementID string) ([]*enforcement.Takedown, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+takedownColumns+` FROM takedowns WHERE infringement_id = ? ORDER BY created_at, rowid`,
		infringementID)
	if err != nil {
		return nil, fmt.Errorf("list takedowns: %w", err)
	}
	defer rows.Close()
	var out []*enforcement.Takedown
	for rows.Next() {
		td, err := scanTakedown(rows)
		if err != nil {
			return nil, fmt.Errorf("takedown row: %w", err)
		}
		out = append(out, td)
	}
	return out, rows.Err()
}

// insertTakedownForItem writes the takedown of a sent item. The unique
// queue_item_id makes a replay return the existing row.
func (s *Store) insertTakedownForItem(ctx context.Context, tx *sql.Tx, item *enforcement.QueueItem, notice, providerID string, sentAt time.Time) (*enforcement.Takedown, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO takedowns (`+takedownColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)
        ON CONFLICT (queue_item_id) DO NOTHING`,
		s.newID(), item.InfringementID, item.ID, string(enforcement.TakedownSent), string(item.Target.Tier),
		item.Target.Recipient, string(item.Method), notice, nullableString(providerID),
		formatTime(sentAt), formatTime(s.clock()),
	); err != nil {
		return nil, fmt.Errorf("insert takedown: %w", err)
	}
	return takedownByQueueItem(ctx, tx, item.ID)
}

// advanceOnSend moves an active infringement to takedown_sent. Other statuses
// are left as they are: the notice has gone out either way.
func (s *Store) advanceOnSend(ctx context.Context, tx *sql.Tx, infringementID string, actor enforcement.Actor, reason string) error {
	inf, err := getInfringement(ctx, tx, infringementID)
	if err != nil {
		return err
	}
	switch inf.Status {
	case enforcement.StatusActive:
		return s.transitionTx(ctx, tx, inf, enforcement.EventTakedownSent, actor, reason)
	case enforcement.StatusTakedownSent:
		return nil
	default:
		s.logger.Info("takedown recorded without status change",
			logging.String(logging.FieldInfringementID, inf.ID),
			logging.String("status", string(inf.Status)),
			logging.String(logging.FieldEventType, "takedown_status_unchanged"),
		)
		return nil
	}
}

func holdsClaim(item *enforcement.QueueItem, claimedAt time.Time) bool {
	return item.Status == enforcement.QueueProcessing && item.ClaimedAt != nil &&
		formatTime(*item.ClaimedAt) == formatTime(claimedAt)
}

// CompleteDelivery commits a successful dispatch: the item becomes sent, a
// takedown is written and the infringement advances, all in one transaction.
// Replaying it for an already sent item returns the existing takedown.
func (s *Store) CompleteDelivery(ctx context.Context, itemID string, delivery Delivery, actor enforcement.Actor) (*enforcement.Takedown, error) {
	ctx = ensureContext(ctx)
	if delivery.SentAt.IsZero() {
		delivery.SentAt = s.clock()
	}
	var result *enforcement.Takedown
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := getQueueItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if !delivery.ClaimedAt.IsZero() && !holdsClaim(item, delivery.ClaimedAt) {
			return fmt.Errorf("%w: claim on queue item %s was lost", services.ErrIllegalTransition, item.ID)
		}
		if item.Status == enforcement.QueueSent {
			result, err = takedownByQueueItem(ctx, tx, item.ID)
			return err
		}
		next, err := enforcement.NextQueueStatus(item.Status, enforcement.QueueEventDelivered)
		if err != nil {
			return fmt.Errorf("queue item %s: %w", item.ID, err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET status = ?, provider_message_id = ?, last_error = NULL, failure_kind = NULL,
                attempts = attempts + 1, completed_at = ?, updated_at = ?
            WHERE id = ? AND status = ?`,
			string(next), nullableString(delivery.ProviderMessageID), formatTime(delivery.SentAt),
			formatTime(s.clock()), item.ID, string(item.Status),
		)
		if err != nil {
			return fmt.Errorf("mark queue item sent: %w", err)
		}
		if rowsAffected(res) != 1 {
			return fmt.Errorf("%w: queue item %s changed concurrently", services.ErrIllegalTransition, item.ID)
		}
		item.Status = next
		result, err = s.insertTakedownForItem(ctx, tx, item, delivery.Notice, delivery.ProviderMessageID, delivery.SentAt)
		if err != nil {
			return err
		}
		if err := s.advanceOnSend(ctx, tx, item.InfringementID, actor, "notice delivered to "+item.Target.Name); err != nil {
			return err
		}
		return s.insertAudit(ctx, tx, enforcement.AuditEntry{
			EntityType: entityQueueItem,
			EntityID:   item.ID,
			Action:     string(enforcement.QueueEventDelivered),
			Actor:      actor,
			Before:     string(enforcement.QueueProcessing),
			After:      string(next),
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ManualSubmit closes an item a human submitted outside the system. It applies
// to parked web-form items, manual items and terminally failed items. A
// replay on a sent item is a no-op reporting the prior takedown.
func (s *Store) ManualSubmit(ctx context.Context, itemID, note string, actor enforcement.Actor) (ManualOutcome, error) {
	ctx = ensureContext(ctx)
	var outcome ManualOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		outcome = ManualOutcome{}
		item, err := getQueueItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if item.Status == enforcement.QueueSent {
			outcome.Item = item
			outcome.AlreadyClosed = true
			outcome.Takedown, err = takedownByQueueItem(ctx, tx, item.ID)
			return err
		}

		before := item.Status
		current := item.Status
		if current == enforcement.QueuePending {
			if current, err = enforcement.NextQueueStatus(current, enforcement.QueueEventClaim); err != nil {
				return err
			}
		}
		next, err := enforcement.NextQueueStatus(current, enforcement.QueueEventManualSubmit)
		if err != nil {
			return fmt.Errorf("queue item %s: %w", item.ID, err)
		}
		now := s.clock()
		res, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(next), formatTime(now), formatTime(now), item.ID, string(before),
		)
		if err != nil {
			return fmt.Errorf("close queue item: %w", err)
		}
		if rowsAffected(res) != 1 {
			return fmt.Errorf("%w: queue item %s changed concurrently", services.ErrIllegalTransition, item.ID)
		}
		item.Status = next
		item.CompletedAt = &now

		notice := note
		if notice == "" {
			notice = item.Instructions
		}
		if outcome.Takedown, err = s.insertTakedownForItem(ctx, tx, item, notice, "", now); err != nil {
			return err
		}
		if err := s.advanceOnSend(ctx, tx, item.InfringementID, actor, "manually submitted to "+item.Target.Name); err != nil {
			return err
		}
		if err := s.insertAudit(ctx, tx, enforcement.AuditEntry{
			EntityType: entityQueueItem,
			EntityID:   item.ID,
			Action:     string(enforcement.QueueEventManualSubmit),
			Actor:      actor,
			Reason:     note,
			Before:     string(before),
			After:      string(next),
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		outcome.Item = item
		return nil
	})
	if err != nil {
		return ManualOutcome{}, err
	}
	return outcome, nil
}

// ResolveTakedown records the recipient's final response to a sent takedown.
func (s *Store) ResolveTakedown(ctx context.Context, id string, status enforcement.TakedownStatus, actor enforcement.Actor, reason string) (*enforcement.Takedown, error) {
	ctx = ensureContext(ctx)
	var result *enforcement.Takedown
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		td, err := getTakedown(ctx, tx, id)
		if err != nil {
			return err
		}
		if !enforcement.CanTransitionTakedown(td.Status, status) {
			return fmt.Errorf("%w: takedown %s %s -> %s", services.ErrIllegalTransition, id, td.Status, status)
		}
		now := s.clock()
		res, err := tx.ExecContext(ctx,
			`UPDATE takedowns SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
			string(status), formatTime(now), id, string(td.Status),
		)
		if err != nil {
			return fmt.Errorf("resolve takedown: %w", err)
		}
		if rowsAffected(res) != 1 {
			return fmt.Errorf("%w: takedown %s changed concurrently", services.ErrIllegalTransition, id)
		}
		if err := s.insertAudit(ctx, tx, enforcement.AuditEntry{
			EntityType: entityTakedown,
			EntityID:   id,
			Action:     "resolve",
			Actor:      actor,
			Reason:     reason,
			Before:     string(td.Status),
			After:      string(status),
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		td.Status = status
		td.ResolvedAt = &now
		result = td
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

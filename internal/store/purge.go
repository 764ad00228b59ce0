package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PurgeResult counts the rows removed by Purge.
type PurgeResult struct {
	Infringements int64
	QueueItems    int64
	Takedowns     int64
	ScanRuns      int64
	Scans         int64
}

type purgeStep struct {
	name  string
	query string
	count *int64
}

// Purge deletes a product and everything attributed to it. Dependents go
// first so foreign keys hold at every step.
func (s *Store) Purge(ctx context.Context, productID string) (PurgeResult, error) {
	ctx = ensureContext(ctx)
	var result PurgeResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = PurgeResult{}
		if _, err := getProduct(ctx, tx, productID); err != nil {
			return err
		}
		var discard int64
		infringements := `SELECT id FROM infringements WHERE product_id = ?`
		scans := `SELECT id FROM scans WHERE product_id = ?`
		queueItems := `SELECT id FROM queue_items WHERE infringement_id IN (` + infringements + `)`
		takedowns := `SELECT id FROM takedowns WHERE infringement_id IN (` + infringements + `)`
		steps := []purgeStep{
			{"verifications", `DELETE FROM verifications WHERE infringement_id IN (` + infringements + `)`, &discard},
			{"cost events", `DELETE FROM cost_events WHERE scan_id IN (` + scans + `)`, &discard},
			{"takedown audit", `DELETE FROM audit_log WHERE entity_type = '` + entityTakedown + `' AND entity_id IN (` + takedowns + `)`, &discard},
			{"queue audit", `DELETE FROM audit_log WHERE entity_type = '` + entityQueueItem + `' AND entity_id IN (` + queueItems + `)`, &discard},
			{"infringement audit", `DELETE FROM audit_log WHERE entity_type = '` + entityInfringement + `' AND entity_id IN (` + infringements + `)`, &discard},
			{"takedowns", `DELETE FROM takedowns WHERE infringement_id IN (` + infringements + `)`, &result.Takedowns},
			{"queue items", `DELETE FROM queue_items WHERE infringement_id IN (` + infringements + `)`, &result.QueueItems},
			{"queue batches", `DELETE FROM queue_batches WHERE product_id = ?
                AND NOT EXISTS (SELECT 1 FROM queue_items q WHERE q.batch_id = queue_batches.id)`, &discard},
			{"scan runs", `DELETE FROM scan_runs WHERE product_id = ?`, &result.ScanRuns},
			{"infringements", `DELETE FROM infringements WHERE product_id = ?`, &result.Infringements},
			{"scan references", `UPDATE infringements SET scan_id = NULL WHERE scan_id IN (` + scans + `)`, &discard},
			{"scans", `DELETE FROM scans WHERE product_id = ?`, &result.Scans},
			{"product", `DELETE FROM products WHERE id = ?`, &discard},
		}
		for _, step := range steps {
			res, err := tx.ExecContext(ctx, step.query, productID)
			if err != nil {
				return fmt.Errorf("purge %s: %w", step.name, err)
			}
			*step.count = rowsAffected(res)
		}
		return nil
	})
	if err != nil {
		return PurgeResult{}, err
	}
	return result, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"enforcer/internal/enforcement"
)

// RunTotals aggregates every recorded run of a scan.
type RunTotals struct {
	Runs                   int
	URLsScanned            int
	NewInfringements       int
	ReseenInfringements    int
	LookupsAvoided         int
	ClassificationsAvoided int
	TotalDuration          time.Duration
	FirstRunAt             *time.Time
	LastRunAt              *time.Time
}

// CommitScanRun appends an immutable run record and, in the same
// transaction, bumps seen-count and last-seen-at for every infringement of
// the run's product whose URL key is in reseen. Either both land or neither
// does. The run ID and timestamp are assigned when empty.
func (s *Store) CommitScanRun(ctx context.Context, run *enforcement.ScanRun, reseen []string, seenAt time.Time) error {
	if run.ID == "" {
		run.ID = s.newID()
	}
	if run.RanAt.IsZero() {
		run.RanAt = s.clock()
	}
	if seenAt.IsZero() {
		seenAt = run.RanAt
	}
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if len(reseen) > 0 {
			args := append([]any{formatTime(seenAt), run.ProductID}, stringArgs(reseen)...)
			if _, err := tx.ExecContext(ctx,
				`UPDATE infringements SET seen_count = seen_count + 1, last_seen_at = ?
                WHERE product_id = ? AND url_key IN (`+makePlaceholders(len(reseen))+`)`,
				args...,
			); err != nil {
				return fmt.Errorf("record sightings: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scan_runs (
                id, scan_id, product_id, ran_at, duration_ms, urls_scanned, new_infringements,
                reseen_infringements, lookups_avoided, classifications_avoided
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.ScanID, run.ProductID, formatTime(run.RanAt), run.Duration.Milliseconds(),
			run.URLsScanned, run.NewInfringements, run.ReseenInfringements,
			run.LookupsAvoided, run.ClassificationsAvoided,
		); err != nil {
			return fmt.Errorf("insert scan run: %w", err)
		}
		return nil
	})
}

// ListScanRuns returns runs for a scan, most recent first. limit <= 0 returns all.
func (s *Store) ListScanRuns(ctx context.Context, scanID string, limit int) ([]enforcement.ScanRun, error) {
	query := `SELECT id, scan_id, product_id, ran_at, duration_ms, urls_scanned, new_infringements,
            reseen_infringements, lookups_avoided, classifications_avoided
        FROM scan_runs WHERE scan_id = ? ORDER BY ran_at DESC, id DESC`
	args := []any{scanID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scan runs: %w", err)
	}
	defer rows.Close()

	var runs []enforcement.ScanRun
	for rows.Next() {
		var (
			run        enforcement.ScanRun
			ranRaw     sql.NullString
			durationMS int64
		)
		if err := rows.Scan(&run.ID, &run.ScanID, &run.ProductID, &ranRaw, &durationMS,
			&run.URLsScanned, &run.NewInfringements, &run.ReseenInfringements,
			&run.LookupsAvoided, &run.ClassificationsAvoided); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		run.RanAt = parseTime(ranRaw)
		run.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ScanRunTotals sums run counters for a scan. A scan without runs yields zero totals.
func (s *Store) ScanRunTotals(ctx context.Context, scanID string) (RunTotals, error) {
	var (
		totals                                          RunTotals
		urls, created, reseen, lookups, classifications sql.NullInt64
		durationMS                                      sql.NullInt64
		firstRaw, lastRaw                               sql.NullString
	)
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(*), SUM(urls_scanned), SUM(new_infringements), SUM(reseen_infringements),
            SUM(lookups_avoided), SUM(classifications_avoided), SUM(duration_ms), MIN(ran_at), MAX(ran_at)
        FROM scan_runs WHERE scan_id = ?`, scanID,
	).Scan(&totals.Runs, &urls, &created, &reseen, &lookups, &classifications, &durationMS, &firstRaw, &lastRaw)
	if err != nil {
		return RunTotals{}, fmt.Errorf("scan run totals: %w", err)
	}
	totals.URLsScanned = int(urls.Int64)
	totals.NewInfringements = int(created.Int64)
	totals.ReseenInfringements = int(reseen.Int64)
	totals.LookupsAvoided = int(lookups.Int64)
	totals.ClassificationsAvoided = int(classifications.Int64)
	totals.TotalDuration = time.Duration(durationMS.Int64) * time.Millisecond
	totals.FirstRunAt = parseOptionalTime(firstRaw)
	totals.LastRunAt = parseOptionalTime(lastRaw)
	return totals, nil
}

// InsertCostEvents writes a batch of cost events atomically.
func (s *Store) InsertCostEvents(ctx context.Context, events []enforcement.CostEvent) error {
	if len(events) == 0 {
		return nil
	}
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, event := range events {
			recorded := event.RecordedAt
			if recorded.IsZero() {
				recorded = s.clock()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO cost_events (scan_id, kind, count, recorded_at) VALUES (?, ?, ?, ?)`,
				event.ScanID, string(event.Kind), event.Count, formatTime(recorded),
			); err != nil {
				return fmt.Errorf("insert cost event: %w", err)
			}
		}
		return nil
	})
}

// CostTotals sums cost events for a scan by kind.
func (s *Store) CostTotals(ctx context.Context, scanID string) (map[enforcement.CostKind]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT kind, SUM(count) FROM cost_events WHERE scan_id = ? GROUP BY kind`, scanID)
	if err != nil {
		return nil, fmt.Errorf("cost totals: %w", err)
	}
	defer rows.Close()
	totals := make(map[enforcement.CostKind]int)
	for rows.Next() {
		var (
			kind  string
			count int
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("cost totals row: %w", err)
		}
		totals[enforcement.CostKind(kind)] = count
	}
	return totals, rows.Err()
}

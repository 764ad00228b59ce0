package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"enforcer/internal/enforcement"
	"enforcer/internal/logging"
	"enforcer/internal/services"
)

const infringementColumns = `id, product_id, scan_id, source_url, url_key, domain, platform, category,
    risk_tier, severity, status, first_seen_at, last_seen_at, seen_count, infrastructure_json,
    estimated_revenue_impact, review_flagged_at, created_at, updated_at`

// InfringementFilter narrows ListInfringements.
type InfringementFilter struct {
	TenantID  string
	ProductID string
	ScanID    string
	Statuses  []enforcement.InfringementStatus
	Limit     int
}

func scanInfringement(scanner rowScanner) (*enforcement.Infringement, error) {
	var (
		inf                enforcement.Infringement
		scanID             sql.NullString
		riskTier, status   string
		firstRaw, lastRaw  sql.NullString
		infraRaw           sql.NullString
		revenue            sql.NullFloat64
		flaggedRaw         sql.NullString
		createdRaw, updRaw sql.NullString
	)
	if err := scanner.Scan(
		&inf.ID, &inf.ProductID, &scanID, &inf.SourceURL, &inf.URLKey, &inf.Domain, &inf.Platform,
		&inf.Category, &riskTier, &inf.Severity, &status, &firstRaw, &lastRaw, &inf.SeenCount,
		&infraRaw, &revenue, &flaggedRaw, &createdRaw, &updRaw,
	); err != nil {
		return nil, err
	}
	inf.ScanID = scanID.String
	inf.RiskTier = enforcement.RiskTier(riskTier)
	inf.Status = enforcement.InfringementStatus(status)
	inf.FirstSeenAt = parseTime(firstRaw)
	inf.LastSeenAt = parseTime(lastRaw)
	if infraRaw.Valid && infraRaw.String != "" {
		var profile enforcement.InfrastructureProfile
		if err := json.Unmarshal([]byte(infraRaw.String), &profile); err == nil {
			inf.Infrastructure = &profile
		}
	}
	if revenue.Valid {
		v := revenue.Float64
		inf.EstimatedRevenueImpact = &v
	}
	inf.ReviewFlaggedAt = parseOptionalTime(flaggedRaw)
	inf.CreatedAt = parseTime(createdRaw)
	inf.UpdatedAt = parseTime(updRaw)
	return &inf, nil
}

func getInfringement(ctx context.Context, q querier, id string) (*enforcement.Infringement, error) {
	row := q.QueryRowContext(ctx, `SELECT `+infringementColumns+` FROM infringements WHERE id = ?`, id)
	inf, err := scanInfringement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("infringement", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get infringement: %w", err)
	}
	return inf, nil
}

// GetInfringement fetches an infringement by identifier.
func (s *Store) GetInfringement(ctx context.Context, id string) (*enforcement.Infringement, error) {
	return getInfringement(ensureContext(ctx), s.db, id)
}

// InfringementTenant returns the tenant owning an infringement's product.
func (s *Store) InfringementTenant(ctx context.Context, id string) (string, error) {
	var tenant string
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT p.tenant_id FROM infringements i JOIN products p ON p.id = i.product_id WHERE i.id = ?`, id,
	).Scan(&tenant)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("infringement", id)
	}
	if err != nil {
		return "", fmt.Errorf("infringement tenant: %w", err)
	}
	return tenant, nil
}

// ListInfringements returns infringements matching the filter, oldest first.
func (s *Store) ListInfringements(ctx context.Context, filter InfringementFilter) ([]*enforcement.Infringement, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.TenantID != "" {
		clauses = append(clauses, "product_id IN (SELECT id FROM products WHERE tenant_id = ?)")
		args = append(args, filter.TenantID)
	}
	if filter.ProductID != "" {
		clauses = append(clauses, "product_id = ?")
		args = append(args, filter.ProductID)
	}
	if filter.ScanID != "" {
		clauses = append(clauses, "scan_id = ?")
		args = append(args, filter.ScanID)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	query := `SELECT ` + infringementColumns + ` FROM infringements`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryInfringements(ctx, query, args...)
}

func (s *Store) queryInfringements(ctx context.Context, query string, args ...any) ([]*enforcement.Infringement, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list infringements: %w", err)
	}
	defer rows.Close()
	var out []*enforcement.Infringement
	for rows.Next() {
		inf, err := scanInfringement(rows)
		if err != nil {
			return nil, fmt.Errorf("infringement row: %w", err)
		}
		out = append(out, inf)
	}
	return out, rows.Err()
}

// CreateInfringement inserts a newly detected infringement. When the
// (product, URL key) pair already exists the existing row is re-sighted
// instead and returned with created=false.
func (s *Store) CreateInfringement(ctx context.Context, inf *enforcement.Infringement) (*enforcement.Infringement, bool, error) {
	if inf == nil || inf.ProductID == "" || inf.URLKey == "" {
		return nil, false, fmt.Errorf("%w: infringement requires product and url key", services.ErrValidation)
	}
	ctx = ensureContext(ctx)
	now := s.clock()
	if inf.ID == "" {
		inf.ID = s.newID()
	}
	if inf.Status == "" {
		inf.Status = enforcement.StatusPendingVerification
	}
	if inf.RiskTier == "" {
		inf.RiskTier = enforcement.RiskTierForSeverity(inf.Severity)
	}
	if inf.FirstSeenAt.IsZero() {
		inf.FirstSeenAt = now
	}
	if inf.LastSeenAt.IsZero() {
		inf.LastSeenAt = inf.FirstSeenAt
	}
	var infra any
	if inf.Infrastructure != nil {
		data, err := json.Marshal(inf.Infrastructure)
		if err != nil {
			return nil, false, fmt.Errorf("encode infrastructure: %w", err)
		}
		infra = string(data)
	}

	var (
		result  *enforcement.Infringement
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO infringements (`+infringementColumns+`)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, NULL, ?, ?)
            ON CONFLICT (product_id, url_key) DO NOTHING`,
			inf.ID, inf.ProductID, nullableString(inf.ScanID), inf.SourceURL, inf.URLKey, inf.Domain,
			inf.Platform, inf.Category, string(inf.RiskTier), inf.Severity, string(inf.Status),
			formatTime(inf.FirstSeenAt), formatTime(inf.LastSeenAt), infra,
			nullableFloat(inf.EstimatedRevenueImpact), formatTime(now), formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("insert infringement: %w", err)
		}
		created = rowsAffected(res) == 1
		if !created {
			if _, err := tx.ExecContext(ctx,
				`UPDATE infringements SET seen_count = seen_count + 1, last_seen_at = ?
                WHERE product_id = ? AND url_key = ?`,
				formatTime(inf.LastSeenAt), inf.ProductID, inf.URLKey,
			); err != nil {
				return fmt.Errorf("resight infringement: %w", err)
			}
		}
		row := tx.QueryRowContext(ctx,
			`SELECT `+infringementColumns+` FROM infringements WHERE product_id = ? AND url_key = ?`,
			inf.ProductID, inf.URLKey)
		result, err = scanInfringement(row)
		if err != nil {
			return fmt.Errorf("reload infringement: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// KnownInfringements loads every existing infringement of the product whose
// URL key is in keys. Keys with no existing row are absent from the result.
func (s *Store) KnownInfringements(ctx context.Context, productID string, keys []string) (map[string]*enforcement.Infringement, error) {
	found := make(map[string]*enforcement.Infringement)
	if len(keys) == 0 {
		return found, nil
	}
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+infringementColumns+` FROM infringements
        WHERE product_id = ? AND url_key IN (`+makePlaceholders(len(keys))+`)`,
		append([]any{productID}, stringArgs(keys)...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("load known infringements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		inf, err := scanInfringement(rows)
		if err != nil {
			return nil, fmt.Errorf("known infringement row: %w", err)
		}
		found[inf.URLKey] = inf
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return found, nil
}

// transitionTx applies event to the infringement inside tx. The update is a
// compare-and-set on the status read at the start of the transaction.
func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, inf *enforcement.Infringement, event enforcement.Event, actor enforcement.Actor, reason string) error {
	next, err := enforcement.NextStatus(inf.Status, event)
	if err != nil {
		return fmt.Errorf("infringement %s: %w", inf.ID, err)
	}
	now := s.clock()
	res, err := tx.ExecContext(ctx,
		`UPDATE infringements SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next), formatTime(now), inf.ID, string(inf.Status),
	)
	if err != nil {
		return fmt.Errorf("update infringement status: %w", err)
	}
	if rowsAffected(res) != 1 {
		return fmt.Errorf("%w: infringement %s changed concurrently from %s", services.ErrIllegalTransition, inf.ID, inf.Status)
	}
	if next == enforcement.StatusRemoved {
		if _, err := tx.ExecContext(ctx,
			`UPDATE takedowns SET status = ?, resolved_at = ? WHERE infringement_id = ? AND status = ?`,
			string(enforcement.TakedownResolved), formatTime(now), inf.ID, string(enforcement.TakedownSent),
		); err != nil {
			return fmt.Errorf("resolve takedowns: %w", err)
		}
	}
	if err := s.insertAudit(ctx, tx, enforcement.AuditEntry{
		EntityType: entityInfringement,
		EntityID:   inf.ID,
		Action:     string(event),
		Actor:      actor,
		Reason:     reason,
		Before:     string(inf.Status),
		After:      string(next),
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	inf.Status = next
	inf.UpdatedAt = now
	return nil
}

// TransitionInfringement applies a state-machine event to an infringement and
// records the audit entry atomically. Illegal transitions leave the row untouched.
func (s *Store) TransitionInfringement(ctx context.Context, id string, event enforcement.Event, actor enforcement.Actor, reason string) (*enforcement.Infringement, error) {
	ctx = ensureContext(ctx)
	var result *enforcement.Infringement
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inf, err := getInfringement(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.transitionTx(ctx, tx, inf, event, actor, reason); err != nil {
			return err
		}
		result = inf
		return nil
	})
	if err != nil {
		if services.IsRejection(err) {
			s.logger.Info("infringement transition rejected",
				logging.String(logging.FieldInfringementID, id),
				logging.String(logging.FieldEventType, "transition_rejected"),
				logging.String("event", string(event)),
				logging.String(logging.FieldActor, actor.String()),
				logging.Error(err),
			)
		}
		return nil, err
	}
	return result, nil
}

// Verify records a human verdict on a pending detection and moves it to
// active or rejected. The verdict is appended to verification history.
func (s *Store) Verify(ctx context.Context, id string, verdict enforcement.Verdict, actor enforcement.Actor, reason string) (*enforcement.Infringement, error) {
	event, err := verdict.Event()
	if err != nil {
		return nil, err
	}
	ctx = ensureContext(ctx)
	var result *enforcement.Infringement
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		inf, err := getInfringement(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.transitionTx(ctx, tx, inf, event, actor, reason); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO verifications (id, infringement_id, category, verdict, actor, created_at)
            VALUES (?, ?, ?, ?, ?, ?)`,
			s.newID(), inf.ID, inf.Category, string(verdict), actor.String(), formatTime(s.clock()),
		); err != nil {
			return fmt.Errorf("insert verification: %w", err)
		}
		result = inf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListVerifications returns the verdict history of one infringement.
func (s *Store) ListVerifications(ctx context.Context, infringementID string) ([]enforcement.Verification, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id, infringement_id, category, verdict, actor, created_at
        FROM verifications WHERE infringement_id = ? ORDER BY created_at, rowid`, infringementID)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	defer rows.Close()
	var out []enforcement.Verification
	for rows.Next() {
		var (
			v          enforcement.Verification
			verdict    string
			actor      string
			createdRaw sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.InfringementID, &v.Category, &verdict, &actor, &createdRaw); err != nil {
			return nil, fmt.Errorf("verification row: %w", err)
		}
		v.Verdict = enforcement.Verdict(verdict)
		v.Actor = enforcement.ParseActor(actor)
		v.CreatedAt = parseTime(createdRaw)
		out = append(out, v)
	}
	return out, rows.Err()
}

// Reassign moves an infringement to another product of the same tenant. The
// audit entry is written best effort after the change commits.
func (s *Store) Reassign(ctx context.Context, id, newProductID string, actor enforcement.Actor) (*enforcement.Infringement, error) {
	ctx = ensureContext(ctx)
	var (
		result     *enforcement.Infringement
		oldProduct string
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inf, err := getInfringement(ctx, tx, id)
		if err != nil {
			return err
		}
		if inf.ProductID == newProductID {
			result = inf
			oldProduct = inf.ProductID
			return nil
		}
		current, err := getProduct(ctx, tx, inf.ProductID)
		if err != nil {
			return err
		}
		target, err := getProduct(ctx, tx, newProductID)
		if err != nil {
			return err
		}
		if current.TenantID != target.TenantID {
			return fmt.Errorf("%w: product %s belongs to another tenant", services.ErrUnauthorized, newProductID)
		}
		var clash int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM infringements WHERE product_id = ? AND url_key = ?`,
			newProductID, inf.URLKey,
		).Scan(&clash); err != nil {
			return fmt.Errorf("check reassign target: %w", err)
		}
		if clash > 0 {
			return fmt.Errorf("%w: product %s already tracks %s", services.ErrValidation, newProductID, inf.SourceURL)
		}
		now := s.clock()
		if _, err := tx.ExecContext(ctx,
			`UPDATE infringements SET product_id = ?, updated_at = ? WHERE id = ?`,
			newProductID, formatTime(now), id,
		); err != nil {
			return fmt.Errorf("reassign infringement: %w", err)
		}
		oldProduct = inf.ProductID
		inf.ProductID = newProductID
		inf.UpdatedAt = now
		result = inf
		return nil
	})
	if err != nil {
		return nil, err
	}
	if oldProduct == newProductID {
		return result, nil
	}

	if err := s.insertAudit(ctx, s.db, enforcement.AuditEntry{
		EntityType: entityInfringement,
		EntityID:   id,
		Action:     "reassign",
		Actor:      actor,
		Before:     oldProduct,
		After:      newProductID,
	}); err != nil {
		logging.WarnWithContext(s.logger, "reassignment audit write failed", "audit_write_failed",
			logging.String(logging.FieldInfringementID, id),
			logging.String(logging.FieldImpact, "reassignment applied without audit entry"),
			logging.Error(err),
		)
	}
	return result, nil
}

// FlagStaleReviews marks pending_verification infringements created before
// cutoff as needing re-review. Rows already flagged are left alone.
func (s *Store) FlagStaleReviews(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE infringements SET review_flagged_at = ?
        WHERE status = ? AND created_at < ? AND review_flagged_at IS NULL`,
		formatTime(s.clock()), string(enforcement.StatusPendingVerification), formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("flag stale reviews: %w", err)
	}
	return rowsAffected(res), nil
}

// CategoryCounts returns raw per-category totals and verdict counts.
func (s *Store) CategoryCounts(ctx context.Context) ([]enforcement.CategoryCount, error) {
	ctx = ensureContext(ctx)
	counts := make(map[string]*enforcement.CategoryCount)
	order := make([]string, 0)
	get := func(category string) *enforcement.CategoryCount {
		if c, ok := counts[category]; ok {
			return c
		}
		c := &enforcement.CategoryCount{Category: category}
		counts[category] = c
		order = append(order, category)
		return c
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM infringements GROUP BY category ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("category totals: %w", err)
	}
	for rows.Next() {
		var (
			category string
			total    int
		)
		if err := rows.Scan(&category, &total); err != nil {
			rows.Close()
			return nil, fmt.Errorf("category totals row: %w", err)
		}
		get(category).Total = total
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT category, verdict, COUNT(*) FROM verifications GROUP BY category, verdict ORDER BY category, verdict`)
	if err != nil {
		return nil, fmt.Errorf("category verdicts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			category, verdict string
			n                 int
		)
		if err := rows.Scan(&category, &verdict, &n); err != nil {
			return nil, fmt.Errorf("category verdicts row: %w", err)
		}
		c := get(category)
		switch enforcement.Verdict(verdict) {
		case enforcement.VerdictConfirmed:
			c.Verified += n
		case enforcement.VerdictRejected:
			c.Rejected += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]enforcement.CategoryCount, 0, len(order))
	for _, category := range order {
		out = append(out, *counts[category])
	}
	return out, nil
}

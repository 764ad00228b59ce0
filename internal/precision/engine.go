package precision

import (
	"context"
	"log/slog"

	"enforcer/internal/config"
	"enforcer/internal/enforcement"
	"enforcer/internal/logging"
)

// CountSource supplies raw per-category verification counts.
type CountSource interface {
	CategoryCounts(ctx context.Context) ([]enforcement.CategoryCount, error)
}

// Engine recomputes category precision from the verification history.
type Engine struct {
	source     CountSource
	minSample  int
	thresholds Thresholds
	logger     *slog.Logger
}

// NewEngine builds an engine using the precision section of cfg.
func NewEngine(source CountSource, cfg config.Precision, logger *slog.Logger) *Engine {
	thresholds := Thresholds{
		Specific: cfg.MinSample,
		Ranking:  cfg.RankingMinSample,
		Limit:    cfg.RankingLimit,
	}
	return &Engine{
		source:     source,
		minSample:  cfg.MinSample,
		thresholds: thresholds,
		logger:     logging.NewComponentLogger(logger, "precision"),
	}
}

// ComputePrecision aggregates the full verification history. It has no side
// effects; repeated calls over unchanged history return equal results.
func (e *Engine) ComputePrecision(ctx context.Context) (map[string]Stat, error) {
	rows, err := e.source.CategoryCounts(ctx)
	if err != nil {
		return nil, err
	}
	stats := Aggregate(rows, e.minSample)
	e.logger.Debug("precision computed", logging.Int("categories", len(stats)))
	return stats, nil
}

// ConfidenceContext renders the advisory for category using the engine's
// thresholds.
func (e *Engine) ConfidenceContext(stats map[string]Stat, category string) string {
	return e.thresholds.ConfidenceContext(stats, category)
}

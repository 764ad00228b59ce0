package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"enforcer/internal/enforcement"
	"enforcer/internal/logging"
	"enforcer/internal/services"
	"enforcer/internal/store"
)

// Store is the persistence the ledger depends on.
type Store interface {
	GetScan(ctx context.Context, id string) (*enforcement.Scan, error)
	CommitScanRun(ctx context.Context, run *enforcement.ScanRun, reseen []string, seenAt time.Time) error
	ListScanRuns(ctx context.Context, scanID string, limit int) ([]enforcement.ScanRun, error)
	ScanRunTotals(ctx context.Context, scanID string) (store.RunTotals, error)
	KnownInfringements(ctx context.Context, productID string, keys []string) (map[string]*enforcement.Infringement, error)
	InsertCostEvents(ctx context.Context, events []enforcement.CostEvent) error
	CostTotals(ctx context.Context, scanID string) (map[enforcement.CostKind]int, error)
}

// Candidate is one URL yielded by content discovery.
type Candidate struct {
	URL            string
	Platform       string
	Category       string
	Title          string
	Snippet        string
	Infrastructure *enforcement.InfrastructureProfile

	// Key and Domain are filled by ComputeDelta.
	Key    string
	Domain string
}

// Delta partitions a candidate set against what the product already tracks.
type Delta struct {
	ScanID    string
	ProductID string
	New       []Candidate
	Reseen    []*enforcement.Infringement
	// Relisted holds reseen infringements that had been marked removed.
	Relisted               []*enforcement.Infringement
	Invalid                []string
	Duplicates             int
	LookupsAvoided         int
	ClassificationsAvoided int
	// SeenAt is when the candidates were observed.
	SeenAt time.Time
}

// Sightings returns the URL keys of the reseen infringements.
func (d Delta) Sightings() []string {
	keys := make([]string, len(d.Reseen))
	for i, inf := range d.Reseen {
		keys[i] = inf.URLKey
	}
	return keys
}

// RunStats is the outcome of one scan execution.
type RunStats struct {
	RanAt                  time.Time
	Duration               time.Duration
	URLsScanned            int
	NewInfringements       int
	ReseenInfringements    int
	LookupsAvoided         int
	ClassificationsAvoided int
	// Sightings are the URL keys seen again at SeenAt. They are recorded
	// only if the run itself is.
	Sightings []string
	SeenAt    time.Time
}

// Statistics aggregates every recorded run of a scan.
type Statistics struct {
	ScanID                 string
	TotalRuns              int
	URLsScanned            int
	NewInfringements       int
	ReseenInfringements    int
	LookupsAvoided         int
	ClassificationsAvoided int
	AverageDuration        time.Duration
	FirstRunAt             *time.Time
	LastRunAt              *time.Time
	Costs                  map[enforcement.CostKind]int
}

// Ledger records scan runs and computes deltas.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the sighting clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New constructs a ledger over st.
func New(st Store, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  st,
		logger: logging.NewComponentLogger(logger, "ledger"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordRun appends an immutable run entry for scanID together with the
// run's sightings. A failed write is returned to the caller, which must treat
// the run as failed; no sighting is recorded in that case.
func (l *Ledger) RecordRun(ctx context.Context, scanID string, stats RunStats) (string, error) {
	scan, err := l.store.GetScan(ctx, scanID)
	if err != nil {
		return "", err
	}
	if stats.URLsScanned < 0 || stats.NewInfringements < 0 || stats.Duration < 0 {
		return "", fmt.Errorf("%w: run counts must not be negative", services.ErrValidation)
	}
	run := &enforcement.ScanRun{
		ScanID:                 scan.ID,
		ProductID:              scan.ProductID,
		RanAt:                  stats.RanAt,
		Duration:               stats.Duration,
		URLsScanned:            stats.URLsScanned,
		NewInfringements:       stats.NewInfringements,
		ReseenInfringements:    stats.ReseenInfringements,
		LookupsAvoided:         stats.LookupsAvoided,
		ClassificationsAvoided: stats.ClassificationsAvoided,
	}
	if run.RanAt.IsZero() {
		run.RanAt = l.now().UTC()
	}
	if err := l.store.CommitScanRun(ctx, run, stats.Sightings, stats.SeenAt); err != nil {
		l.logger.Error("scan run write failed",
			logging.String(logging.FieldScanID, scanID),
			logging.String(logging.FieldEventType, "scan_run_write_failed"),
			logging.String(logging.FieldImpact, "run treated as failed"),
			logging.Error(err),
		)
		return "", services.Wrap(services.ErrTransient, "ledger", "record run", "scan run was not recorded", err)
	}
	l.logger.Info("scan run recorded",
		logging.String(logging.FieldScanID, scanID),
		logging.String("run_id", run.ID),
		logging.Int("urls_scanned", run.URLsScanned),
		logging.Int("new_infringements", run.NewInfringements),
		logging.Int("lookups_avoided", run.LookupsAvoided),
		logging.Int("sightings", len(stats.Sightings)),
		logging.String(logging.FieldEventType, "scan_run_recorded"),
	)
	return run.ID, nil
}

// ComputeDelta partitions candidates into new and already-known URLs for the
// scan's product. It only reads: known URLs are re-sighted when RecordRun
// commits the run. Each known URL counts as one avoided lookup and one
// avoided classification. Duplicate URLs within candidates collapse onto
// their first occurrence; URLs that cannot be normalized are reported in
// Invalid.
func (l *Ledger) ComputeDelta(ctx context.Context, scanID string, candidates []Candidate) (Delta, error) {
	scan, err := l.store.GetScan(ctx, scanID)
	if err != nil {
		return Delta{}, err
	}
	delta := Delta{ScanID: scan.ID, ProductID: scan.ProductID, SeenAt: l.now().UTC()}

	unique := make([]Candidate, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		key, domain, err := NormalizeURL(candidate.URL)
		if err != nil {
			delta.Invalid = append(delta.Invalid, candidate.URL)
			continue
		}
		if _, dup := seen[key]; dup {
			delta.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		candidate.Key = key
		candidate.Domain = domain
		unique = append(unique, candidate)
	}
	if len(unique) == 0 {
		return delta, nil
	}

	keys := make([]string, len(unique))
	for i, candidate := range unique {
		keys[i] = candidate.Key
	}
	known, err := l.store.KnownInfringements(ctx, scan.ProductID, keys)
	if err != nil {
		return Delta{}, err
	}

	for _, candidate := range unique {
		inf, ok := known[candidate.Key]
		if !ok {
			delta.New = append(delta.New, candidate)
			continue
		}
		delta.Reseen = append(delta.Reseen, inf)
		if inf.Status == enforcement.StatusRemoved {
			delta.Relisted = append(delta.Relisted, inf)
		}
	}
	delta.LookupsAvoided = len(delta.Reseen)
	delta.ClassificationsAvoided = len(delta.Reseen)

	l.logger.Debug("delta computed",
		logging.String(logging.FieldScanID, scanID),
		logging.Int("new", len(delta.New)),
		logging.Int("reseen", len(delta.Reseen)),
		logging.Int("relisted", len(delta.Relisted)),
		logging.Int("invalid", len(delta.Invalid)),
	)
	return delta, nil
}

// Statistics sums every run of scanID. A scan without runs yields a zero
// aggregate.
func (l *Ledger) Statistics(ctx context.Context, scanID string) (Statistics, error) {
	if _, err := l.store.GetScan(ctx, scanID); err != nil {
		return Statistics{}, err
	}
	totals, err := l.store.ScanRunTotals(ctx, scanID)
	if err != nil {
		return Statistics{}, err
	}
	costs, err := l.store.CostTotals(ctx, scanID)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{
		ScanID:                 scanID,
		TotalRuns:              totals.Runs,
		URLsScanned:            totals.URLsScanned,
		NewInfringements:       totals.NewInfringements,
		ReseenInfringements:    totals.ReseenInfringements,
		LookupsAvoided:         totals.LookupsAvoided,
		ClassificationsAvoided: totals.ClassificationsAvoided,
		FirstRunAt:             totals.FirstRunAt,
		LastRunAt:              totals.LastRunAt,
		Costs:                  costs,
	}
	if totals.Runs > 0 {
		stats.AverageDuration = totals.TotalDuration / time.Duration(totals.Runs)
	}
	return stats, nil
}

// Runs returns the runs of scanID, most recent first.
func (l *Ledger) Runs(ctx context.Context, scanID string, limit int) ([]enforcement.ScanRun, error) {
	return l.store.ListScanRuns(ctx, scanID, limit)
}

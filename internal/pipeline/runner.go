package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"enforcer/internal/classifier"
	"enforcer/internal/enforcement"
	"enforcer/internal/ledger"
	"enforcer/internal/logging"
	"enforcer/internal/metrics"
	"enforcer/internal/notifications"
	"enforcer/internal/precision"
	"enforcer/internal/services"
)

const component = "pipeline"

// Discoverer yields candidate URLs for one scan.
type Discoverer interface {
	Discover(ctx context.Context, product *enforcement.Product, scan *enforcement.Scan) ([]ledger.Candidate, error)
}

// DiscovererFunc adapts a function to Discoverer.
type DiscovererFunc func(ctx context.Context, product *enforcement.Product, scan *enforcement.Scan) ([]ledger.Candidate, error)

// Discover calls f.
func (f DiscovererFunc) Discover(ctx context.Context, product *enforcement.Product, scan *enforcement.Scan) ([]ledger.Candidate, error) {
	return f(ctx, product, scan)
}

// Classifier decides whether a candidate infringes.
type Classifier interface {
	Classify(ctx context.Context, in classifier.Input) (classifier.Result, error)
}

// InfrastructureLookup resolves hosting and registrar data for a new URL.
type InfrastructureLookup interface {
	Lookup(ctx context.Context, rawURL, domain string) (*enforcement.InfrastructureProfile, error)
}

// Precision supplies category accuracy for classification prompts.
type Precision interface {
	ComputePrecision(ctx context.Context) (map[string]precision.Stat, error)
	ConfidenceContext(stats map[string]precision.Stat, category string) string
}

// Relister reopens removed infringements that were detected again.
type Relister interface {
	HandleRelist(ctx context.Context, infringementIDs []string) (int, error)
}

// Store is the persistence the runner writes to directly.
type Store interface {
	ledger.CostSink
	GetScan(ctx context.Context, id string) (*enforcement.Scan, error)
	GetProduct(ctx context.Context, id string) (*enforcement.Product, error)
	CreateInfringement(ctx context.Context, inf *enforcement.Infringement) (*enforcement.Infringement, bool, error)
}

// Report summarizes one run.
type Report struct {
	ScanID                 string        `json:"scan_id"`
	RunID                  string        `json:"run_id"`
	URLsScanned            int           `json:"urls_scanned"`
	NewInfringements       int           `json:"new_infringements"`
	NotInfringing          int           `json:"not_infringing"`
	ClassificationErrors   int           `json:"classification_errors"`
	Reseen                 int           `json:"reseen"`
	Relisted               int           `json:"relisted"`
	Reopened               int           `json:"reopened"`
	Invalid                int           `json:"invalid"`
	Duplicates             int           `json:"duplicates"`
	Lookups                int           `json:"lookups"`
	Classifications        int           `json:"classifications"`
	LookupsAvoided         int           `json:"lookups_avoided"`
	ClassificationsAvoided int           `json:"classifications_avoided"`
	Duration               time.Duration `json:"duration"`
}

// Runner executes scans.
type Runner struct {
	store       Store
	ledger      *ledger.Ledger
	discoverer  Discoverer
	classifier  Classifier
	lookup      InfrastructureLookup
	precision   Precision
	relister    Relister
	notifier    notifications.Service
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// Option customizes a Runner.
type Option func(*Runner)

// WithDiscoverer sets the default candidate source used by Run.
func WithDiscoverer(d Discoverer) Option {
	return func(r *Runner) { r.discoverer = d }
}

// WithInfrastructureLookup enables hosting lookups for new URLs.
func WithInfrastructureLookup(l InfrastructureLookup) Option {
	return func(r *Runner) { r.lookup = l }
}

// WithPrecision attaches category accuracy to classification prompts.
func WithPrecision(p Precision) Option {
	return func(r *Runner) { r.precision = p }
}

// WithRelister enables reopening of relisted infringements.
func WithRelister(rl Relister) Option {
	return func(r *Runner) { r.relister = rl }
}

// WithNotifier overrides the notification service.
func WithNotifier(n notifications.Service) Option {
	return func(r *Runner) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithConcurrency bounds parallel classification calls.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithClock overrides the run clock.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner wires a runner. A nil classifier treats every new candidate as
// unclassifiable so nothing is created without a verdict.
func NewRunner(st Store, l *ledger.Ledger, c Classifier, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		store:       st,
		ledger:      l,
		classifier:  c,
		notifier:    notifications.NewService(nil),
		concurrency: 4,
		logger:      logging.NewComponentLogger(logger, component),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run discovers candidates for scanID with the configured discoverer and
// processes them.
func (r *Runner) Run(ctx context.Context, scanID string) (Report, error) {
	if r.discoverer == nil {
		return Report{}, services.Wrap(services.ErrConfiguration, component, "run", "no discoverer configured", nil)
	}
	scan, product, err := r.load(ctx, scanID)
	if err != nil {
		return Report{}, err
	}
	candidates, err := r.discoverer.Discover(ctx, product, scan)
	if err != nil {
		return Report{}, services.Wrap(services.ErrTransient, component, "discover", "content discovery failed", err)
	}
	return r.process(ctx, scan, product, candidates)
}

// RunCandidates processes candidates already discovered by an external
// producer.
func (r *Runner) RunCandidates(ctx context.Context, scanID string, candidates []ledger.Candidate) (Report, error) {
	scan, product, err := r.load(ctx, scanID)
	if err != nil {
		return Report{}, err
	}
	return r.process(ctx, scan, product, candidates)
}

func (r *Runner) load(ctx context.Context, scanID string) (*enforcement.Scan, *enforcement.Product, error) {
	scan, err := r.store.GetScan(ctx, scanID)
	if err != nil {
		return nil, nil, err
	}
	product, err := r.store.GetProduct(ctx, scan.ProductID)
	if err != nil {
		return nil, nil, err
	}
	return scan, product, nil
}

func (r *Runner) process(ctx context.Context, scan *enforcement.Scan, product *enforcement.Product, candidates []ledger.Candidate) (Report, error) {
	started := r.now()
	logger := r.logger.With(logging.String(logging.FieldScanID, scan.ID), logging.String(logging.FieldTenantID, scan.TenantID))
	report := Report{ScanID: scan.ID, URLsScanned: len(candidates)}

	delta, err := r.ledger.ComputeDelta(ctx, scan.ID, candidates)
	if err != nil {
		return report, err
	}
	report.Reseen = len(delta.Reseen)
	report.Relisted = len(delta.Relisted)
	report.Invalid = len(delta.Invalid)
	report.Duplicates = delta.Duplicates
	report.LookupsAvoided = delta.LookupsAvoided
	report.ClassificationsAvoided = delta.ClassificationsAvoided

	stats := r.precisionStats(ctx, logger)
	costs := ledger.NewCostRecorder(r.store, scan.ID)

	var (
		mu    sync.Mutex
		group errgroup.Group
	)
	group.SetLimit(r.concurrency)
	for _, candidate := range delta.New {
		group.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcome := r.evaluate(ctx, logger, scan, product, candidate, stats, costs)
			mu.Lock()
			report.Lookups += outcome.lookups
			report.Classifications += outcome.classifications
			switch {
			case outcome.err:
				report.ClassificationErrors++
			case outcome.created:
				report.NewInfringements++
			case outcome.rejected:
				report.NotInfringing++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	if err := ctx.Err(); err != nil {
		costs.Discard()
		return report, services.Wrap(services.ErrTimeout, component, "run", "scan run interrupted", err)
	}

	costs.Add(enforcement.CostLookupAvoided, delta.LookupsAvoided)
	costs.Add(enforcement.CostClassificationAvoided, delta.ClassificationsAvoided)
	if err := costs.Flush(ctx); err != nil {
		logging.WarnWithContext(logger, "cost events not recorded", "cost_flush_failed",
			logging.String(logging.FieldImpact, "cost totals for this run are incomplete"),
			logging.Error(err),
		)
		costs.Discard()
	}

	report.Duration = r.now().Sub(started)
	runID, err := r.ledger.RecordRun(ctx, scan.ID, ledger.RunStats{
		RanAt:                  started,
		Duration:               report.Duration,
		URLsScanned:            report.URLsScanned,
		NewInfringements:       report.NewInfringements,
		ReseenInfringements:    report.Reseen,
		LookupsAvoided:         report.LookupsAvoided,
		ClassificationsAvoided: report.ClassificationsAvoided,
		Sightings:              delta.Sightings(),
		SeenAt:                 delta.SeenAt,
	})
	if err != nil {
		return report, fmt.Errorf("scan run failed: %w", err)
	}
	report.RunID = runID

	if len(delta.Relisted) > 0 && r.relister != nil {
		ids := make([]string, len(delta.Relisted))
		for i, inf := range delta.Relisted {
			ids[i] = inf.ID
		}
		reopened, err := r.relister.HandleRelist(ctx, ids)
		report.Reopened = reopened
		if err != nil {
			logging.WarnWithContext(logger, "relist handling failed", "relist_failed",
				logging.String(logging.FieldImpact, "relisted infringements stay removed until reopened manually"),
				logging.Error(err),
			)
		}
	}

	metrics.ScanCandidatesTotal.WithLabelValues("new").Add(float64(len(delta.New)))
	metrics.ScanCandidatesTotal.WithLabelValues("reseen").Add(float64(report.Reseen))
	metrics.ScanCandidatesTotal.WithLabelValues("relisted").Add(float64(report.Relisted))
	metrics.ScanCandidatesTotal.WithLabelValues("invalid").Add(float64(report.Invalid))
	metrics.CostAvoidedTotal.WithLabelValues(string(enforcement.CostLookupAvoided)).Add(float64(report.LookupsAvoided))
	metrics.CostAvoidedTotal.WithLabelValues(string(enforcement.CostClassificationAvoided)).Add(float64(report.ClassificationsAvoided))

	logger.Info("scan run completed",
		logging.String("run_id", runID),
		logging.Int("urls_scanned", report.URLsScanned),
		logging.Int("new_infringements", report.NewInfringements),
		logging.Int("reseen", report.Reseen),
		logging.Int("classification_errors", report.ClassificationErrors),
		logging.String(logging.FieldEventType, "scan_run_completed"),
	)
	if err := r.notifier.Publish(ctx, notifications.EventScanCompleted, notifications.Payload{
		"scan":   scan.Name,
		"new":    report.NewInfringements,
		"reseen": report.Reseen,
	}); err != nil {
		logger.Debug("notification failed", logging.Error(err))
	}
	return report, nil
}

func (r *Runner) precisionStats(ctx context.Context, logger *slog.Logger) map[string]precision.Stat {
	if r.precision == nil {
		return nil
	}
	stats, err := r.precision.ComputePrecision(ctx)
	if err != nil {
		logging.WarnWithContext(logger, "precision unavailable", "precision_failed",
			logging.String(logging.FieldImpact, "classification runs without accuracy context"),
			logging.Error(err),
		)
		return nil
	}
	return stats
}

type outcome struct {
	lookups         int
	classifications int
	created         bool
	rejected        bool
	err             bool
}

func (r *Runner) evaluate(
	ctx context.Context,
	logger *slog.Logger,
	scan *enforcement.Scan,
	product *enforcement.Product,
	candidate ledger.Candidate,
	stats map[string]precision.Stat,
	costs *ledger.CostRecorder,
) outcome {
	var out outcome
	infra := candidate.Infrastructure
	if infra == nil && r.lookup != nil {
		out.lookups = 1
		costs.Add(enforcement.CostLookup, 1)
		profile, err := r.lookup.Lookup(ctx, candidate.URL, candidate.Domain)
		if err != nil {
			logger.Debug("infrastructure lookup failed", logging.String("url", candidate.URL), logging.Error(err))
		} else {
			infra = profile
		}
	}

	if r.classifier == nil {
		out.err = true
		return out
	}
	input := classifier.Input{
		ProductName: product.Name,
		URL:         candidate.URL,
		Domain:      candidate.Domain,
		Platform:    candidate.Platform,
		Category:    candidate.Category,
		Title:       candidate.Title,
		Snippet:     candidate.Snippet,
	}
	if r.precision != nil && stats != nil {
		input.ConfidenceContext = r.precision.ConfidenceContext(stats, candidate.Category)
	}
	out.classifications = 1
	costs.Add(enforcement.CostClassification, 1)
	result, err := r.classifier.Classify(ctx, input)
	if err != nil {
		out.err = true
		logging.WarnWithContext(logger, "classification failed", "classification_failed",
			logging.String("url", candidate.URL),
			logging.String(logging.FieldImpact, "candidate will be reconsidered on the next run"),
			logging.Error(err),
		)
		return out
	}
	if !result.Infringing() {
		out.rejected = true
		return out
	}

	inf, created, err := r.store.CreateInfringement(ctx, &enforcement.Infringement{
		ProductID:      scan.ProductID,
		ScanID:         scan.ID,
		SourceURL:      candidate.URL,
		URLKey:         candidate.Key,
		Domain:         candidate.Domain,
		Platform:       candidate.Platform,
		Category:       candidate.Category,
		Severity:       result.Severity,
		Status:         enforcement.StatusPendingVerification,
		Infrastructure: infra,
	})
	if err != nil {
		out.err = true
		logger.Error("infringement not recorded",
			logging.String("url", candidate.URL),
			logging.String(logging.FieldEventType, "infringement_create_failed"),
			logging.Error(err),
		)
		return out
	}
	out.created = created
	if created {
		logger.Info("infringement detected",
			logging.String(logging.FieldInfringementID, inf.ID),
			logging.String("url", inf.SourceURL),
			logging.String("verdict", string(result.Label)),
			logging.String("risk_tier", string(inf.RiskTier)),
			logging.String(logging.FieldEventType, "infringement_detected"),
		)
	}
	return out
}

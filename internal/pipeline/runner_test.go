package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"enforcer/internal/classifier"
	"enforcer/internal/enforcement"
	"enforcer/internal/ledger"
	"enforcer/internal/logging"
	"enforcer/internal/pipeline"
	"enforcer/internal/precision"
	"enforcer/internal/services"
	"enforcer/internal/store"
	"enforcer/internal/testsupport"
)

type scriptedClassifier struct {
	mu      sync.Mutex
	verdict map[string]classifier.Label
	fail    map[string]bool
	inputs  []classifier.Input
}

func (c *scriptedClassifier) Classify(_ context.Context, in classifier.Input) (classifier.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, in)
	if c.fail[in.URL] {
		return classifier.Result{}, services.Wrap(services.ErrTransient, "test", "classify", "model down", nil)
	}
	label, ok := c.verdict[in.URL]
	if !ok {
		label = classifier.LabelLikely
	}
	return classifier.Result{Label: label, Confidence: 0.9, Severity: 70}, nil
}

func (c *scriptedClassifier) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inputs)
}

type staticPrecision struct{}

func (staticPrecision) ComputePrecision(context.Context) (map[string]precision.Stat, error) {
	return map[string]precision.Stat{"file_host": {Category: "file_host"}}, nil
}

func (staticPrecision) ConfidenceContext(_ map[string]precision.Stat, category string) string {
	return "accuracy note for " + category
}

type recordingRelister struct {
	ids []string
}

func (r *recordingRelister) HandleRelist(_ context.Context, ids []string) (int, error) {
	r.ids = append(r.ids, ids...)
	return len(ids), nil
}

type harness struct {
	st         *store.Store
	runner     *pipeline.Runner
	classifier *scriptedClassifier
	relister   *recordingRelister
	scan       *enforcement.Scan
}

func newHarness(t *testing.T, opts ...pipeline.Option) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	product := testsupport.SeedProduct(t, st, "tenant-a", "Course")
	scan := testsupport.SeedScan(t, st, product.ID)
	c := &scriptedClassifier{verdict: map[string]classifier.Label{}, fail: map[string]bool{}}
	rl := &recordingRelister{}
	logger := logging.NewNop()
	opts = append([]pipeline.Option{
		pipeline.WithPrecision(staticPrecision{}),
		pipeline.WithRelister(rl),
	}, opts...)
	runner := pipeline.NewRunner(st, ledger.New(st, logger), c, logger, opts...)
	return &harness{st: st, runner: runner, classifier: c, relister: rl, scan: scan}
}

func candidates(urls ...string) []ledger.Candidate {
	out := make([]ledger.Candidate, len(urls))
	for i, u := range urls {
		out[i] = ledger.Candidate{URL: u, Platform: "web", Category: "file_host"}
	}
	return out
}

func TestRunCreatesPendingInfringementsAndSkipsReseen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classifier.verdict["https://news.example/review"] = classifier.LabelRejected

	first, err := h.runner.RunCandidates(ctx, h.scan.ID, candidates(
		"https://files.example/a", "https://files.example/b", "https://news.example/review",
	))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.NewInfringements != 2 || first.NotInfringing != 1 || first.Classifications != 3 || first.RunID == "" {
		t.Fatalf("unexpected first report %+v", first)
	}

	second, err := h.runner.RunCandidates(ctx, h.scan.ID, candidates("https://files.example/a", "https://files.example/c"))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Reseen != 1 || second.NewInfringements != 1 || second.Classifications != 1 {
		t.Fatalf("unexpected second report %+v", second)
	}
	if second.LookupsAvoided != 1 || second.ClassificationsAvoided != 1 {
		t.Fatalf("expected one avoided lookup and classification, got %+v", second)
	}
	if h.classifier.calls() != 4 {
		t.Fatalf("expected 4 classifier calls, got %d", h.classifier.calls())
	}

	infringements, err := h.st.ListInfringements(ctx, store.InfringementFilter{ProductID: h.scan.ProductID})
	if err != nil {
		t.Fatalf("ListInfringements: %v", err)
	}
	if len(infringements) != 3 {
		t.Fatalf("expected 3 infringements, got %d", len(infringements))
	}
	for _, inf := range infringements {
		if inf.Status != enforcement.StatusPendingVerification {
			t.Fatalf("infringement %s status %s, want pending_verification", inf.SourceURL, inf.Status)
		}
		if inf.RiskTier != enforcement.RiskHigh {
			t.Fatalf("infringement %s risk %s, want high", inf.SourceURL, inf.RiskTier)
		}
		wantSeen := 1
		if inf.SourceURL == "https://files.example/a" {
			wantSeen = 2
		}
		if inf.SeenCount != wantSeen {
			t.Fatalf("infringement %s seen %d times, want %d", inf.SourceURL, inf.SeenCount, wantSeen)
		}
	}

	stats, err := ledger.New(h.st, logging.NewNop()).Statistics(ctx, h.scan.ID)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.TotalRuns != 2 || stats.URLsScanned != 5 || stats.NewInfringements != 3 {
		t.Fatalf("unexpected statistics %+v", stats)
	}
	if stats.Costs[enforcement.CostClassification] != 4 || stats.Costs[enforcement.CostClassificationAvoided] != 1 {
		t.Fatalf("unexpected costs %+v", stats.Costs)
	}
}

func TestRunPassesConfidenceContext(t *testing.T) {
	h := newHarness(t)
	if _, err := h.runner.RunCandidates(context.Background(), h.scan.ID, candidates("https://files.example/a")); err != nil {
		t.Fatalf("run: %v", err)
	}
	in := h.classifier.inputs[0]
	if in.ConfidenceContext != "accuracy note for file_host" || in.ProductName != "Course" {
		t.Fatalf("unexpected classifier input %+v", in)
	}
}

func TestRunClassificationFailureLeavesCandidateNew(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classifier.fail["https://files.example/a"] = true

	report, err := h.runner.RunCandidates(ctx, h.scan.ID, candidates("https://files.example/a"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.ClassificationErrors != 1 || report.NewInfringements != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	delete(h.classifier.fail, "https://files.example/a")
	report, err = h.runner.RunCandidates(ctx, h.scan.ID, candidates("https://files.example/a"))
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if report.NewInfringements != 1 || report.Reseen != 0 {
		t.Fatalf("expected candidate to be classified again, got %+v", report)
	}
}

func TestRunReportsRelisted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	removed := testsupport.SeedInfringement(t, h.st, h.scan.ProductID, "https://files.example/gone", enforcement.StatusRemoved)

	report, err := h.runner.RunCandidates(ctx, h.scan.ID, candidates("https://files.example/gone"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Relisted != 1 || report.Reopened != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(h.relister.ids) != 1 || h.relister.ids[0] != removed.ID {
		t.Fatalf("expected relist of %s, got %v", removed.ID, h.relister.ids)
	}
}

func TestRunUsesDiscoverer(t *testing.T) {
	var seen string
	h := newHarness(t, pipeline.WithDiscoverer(pipeline.DiscovererFunc(
		func(_ context.Context, product *enforcement.Product, _ *enforcement.Scan) ([]ledger.Candidate, error) {
			seen = product.Name
			return candidates("https://files.example/a", "not a url"), nil
		})))

	report, err := h.runner.Run(context.Background(), h.scan.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seen != "Course" || report.NewInfringements != 1 || report.Invalid != 1 {
		t.Fatalf("unexpected report %+v (product %q)", report, seen)
	}
}

func TestRunDiscoveryFailureRecordsNothing(t *testing.T) {
	h := newHarness(t, pipeline.WithDiscoverer(pipeline.DiscovererFunc(
		func(context.Context, *enforcement.Product, *enforcement.Scan) ([]ledger.Candidate, error) {
			return nil, errors.New("search api down")
		})))
	ctx := context.Background()

	_, err := h.runner.Run(ctx, h.scan.ID)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	runs, err := h.st.ListScanRuns(ctx, h.scan.ID, 10)
	if err != nil {
		t.Fatalf("ListScanRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no runs recorded, got %d", len(runs))
	}
}

func TestRunWithoutDiscoverer(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.Run(context.Background(), h.scan.ID)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunUnknownScan(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.RunCandidates(context.Background(), "missing", candidates("https://files.example/a"))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

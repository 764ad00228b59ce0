package httpapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"enforcer/internal/classifier"
	"enforcer/internal/config"
	"enforcer/internal/deadlines"
	"enforcer/internal/delivery"
	"enforcer/internal/enforcement"
	"enforcer/internal/httpapi"
	"enforcer/internal/ledger"
	"enforcer/internal/logging"
	"enforcer/internal/metrics"
	"enforcer/internal/pipeline"
	"enforcer/internal/precision"
	"enforcer/internal/sendqueue"
	"enforcer/internal/store"
	"enforcer/internal/targets"
	"enforcer/internal/testsupport"
)

type sentDispatcher struct{}

func (sentDispatcher) Dispatch(_ context.Context, req delivery.Request) (delivery.Outcome, error) {
	return delivery.Outcome{Kind: delivery.OutcomeDelivered, ProviderMessageID: "msg-" + req.Item.ID}, nil
}

type likelyClassifier struct{}

func (likelyClassifier) Classify(context.Context, classifier.Input) (classifier.Result, error) {
	return classifier.Result{Label: classifier.LabelLikely, Confidence: 0.8, Severity: 40}, nil
}

type harness struct {
	cfg     *config.Config
	store   *store.Store
	server  *httptest.Server
	product *enforcement.Product
	scan    *enforcement.Scan
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	metrics.Register()
	cfg := testsupport.NewConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	st := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()

	router := delivery.NewRouter()
	router.Register(enforcement.MethodDirectEmail, sentDispatcher{})
	queue := sendqueue.NewProcessor(st, router, cfg.Queue, logger)
	directory, err := targets.Parse(targets.Sample())
	if err != nil {
		t.Fatalf("targets.Parse: %v", err)
	}
	tracker := deadlines.NewTracker(st, cfg.Deadlines, logger,
		deadlines.WithResolver(directory), deadlines.WithEnqueuer(queue))
	led := ledger.New(st, logger)
	engine := precision.NewEngine(st, cfg.Precision, logger)
	runner := pipeline.NewRunner(st, led, likelyClassifier{}, logger,
		pipeline.WithPrecision(engine), pipeline.WithRelister(tracker))

	api := httpapi.New(cfg.Server, httpapi.Deps{
		Records:    st,
		Queue:      queue,
		Deadlines:  tracker,
		Scans:      runner,
		Statistics: led,
		Precision:  engine,
		Resolver:   directory,
	}, logger)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	product := testsupport.SeedProduct(t, st, "tenant-a", "Course")
	return &harness{
		cfg:     cfg,
		store:   st,
		server:  server,
		product: product,
		scan:    testsupport.SeedScan(t, st, product.ID),
	}
}

func (h *harness) do(t *testing.T, method, path string, headers map[string]string, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	return resp.StatusCode, decoded
}

func owner(tenant string) map[string]string {
	return map[string]string{"X-Tenant-ID": tenant, "X-User-ID": "user-" + tenant}
}

func scheduler(secret string) map[string]string {
	return map[string]string{"X-Scheduler-Secret": secret}
}

func TestSchedulerSecret(t *testing.T) {
	h := newHarness(t, nil)

	if code, _ := h.do(t, http.MethodPost, "/internal/queue/cycle", nil, ""); code != http.StatusUnauthorized {
		t.Fatalf("missing secret: want 401, got %d", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/internal/queue/cycle", scheduler("wrong"), ""); code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: want 401, got %d", code)
	}
	code, body := h.do(t, http.MethodPost, "/internal/queue/cycle?limit=5", scheduler("test-secret"), "")
	if code != http.StatusOK {
		t.Fatalf("valid secret: want 200, got %d (%v)", code, body)
	}
	if body["processed"] != float64(0) {
		t.Fatalf("unexpected cycle body %v", body)
	}
	if code, _ := h.do(t, http.MethodPost, "/internal/queue/cycle?limit=100000", scheduler("test-secret"), ""); code != http.StatusBadRequest {
		t.Fatalf("oversized limit: want 400, got %d", code)
	}
}

func TestSchedulerSecretUnconfigured(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Server.SchedulerSecret = "" })
	if code, _ := h.do(t, http.MethodPost, "/internal/deadlines/check", scheduler("anything"), ""); code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", code)
	}
}

func TestOwnerIdentityRequired(t *testing.T) {
	h := newHarness(t, nil)
	if code, _ := h.do(t, http.MethodGet, "/api/precision", nil, ""); code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", code)
	}
	if code, _ := h.do(t, http.MethodGet, "/api/precision", owner("tenant-a"), ""); code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}
}

func TestEnqueueSendAndBatchProgress(t *testing.T) {
	h := newHarness(t, nil)
	inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/course.zip", enforcement.StatusActive)
	payload := `{"targets":[{"tier":"hosting","name":"Example Cloud","method":"direct_email","recipient":"abuse@cloud.example"}]}`

	code, body := h.do(t, http.MethodPost, "/api/infringements/"+inf.ID+"/takedowns", owner("tenant-b"), payload)
	if code != http.StatusForbidden {
		t.Fatalf("cross-tenant enqueue: want 403, got %d (%v)", code, body)
	}

	code, body = h.do(t, http.MethodPost, "/api/infringements/"+inf.ID+"/takedowns", owner("tenant-a"), payload)
	if code != http.StatusAccepted {
		t.Fatalf("enqueue: want 202, got %d (%v)", code, body)
	}
	batchID, _ := body["batch_id"].(string)
	if batchID == "" {
		t.Fatalf("missing batch id in %v", body)
	}

	code, body = h.do(t, http.MethodPost, "/api/queue/cycle", owner("tenant-a"), "")
	if code != http.StatusOK || body["sent"] != float64(1) {
		t.Fatalf("owner cycle: got %d %v", code, body)
	}

	code, body = h.do(t, http.MethodGet, "/api/batches/"+batchID, owner("tenant-a"), "")
	if code != http.StatusOK || body["sent"] != float64(1) || body["done"] != true {
		t.Fatalf("batch progress: got %d %v", code, body)
	}
	if code, _ := h.do(t, http.MethodGet, "/api/batches/"+batchID, owner("tenant-b"), ""); code != http.StatusForbidden {
		t.Fatalf("cross-tenant batch: want 403, got %d", code)
	}

	updated, err := h.store.GetInfringement(context.Background(), inf.ID)
	if err != nil {
		t.Fatalf("GetInfringement: %v", err)
	}
	if updated.Status != enforcement.StatusTakedownSent {
		t.Fatalf("expected takedown_sent, got %s", updated.Status)
	}
}

func TestResolveTakedownAndMarkRemoved(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/course.zip", enforcement.StatusActive)
	payload := `{"targets":[{"tier":"hosting","name":"Example Cloud","method":"direct_email","recipient":"abuse@cloud.example"}]}`
	if code, body := h.do(t, http.MethodPost, "/api/infringements/"+inf.ID+"/takedowns", owner("tenant-a"), payload); code != http.StatusAccepted {
		t.Fatalf("enqueue: got %d %v", code, body)
	}
	if code, body := h.do(t, http.MethodPost, "/api/queue/cycle", owner("tenant-a"), ""); code != http.StatusOK {
		t.Fatalf("cycle: got %d %v", code, body)
	}
	takedowns, err := h.store.ListTakedowns(ctx, inf.ID)
	if err != nil || len(takedowns) != 1 {
		t.Fatalf("ListTakedowns: %v (%d)", err, len(takedowns))
	}
	resolvePath := "/api/takedowns/" + takedowns[0].ID + "/resolve"

	if code, _ := h.do(t, http.MethodPost, resolvePath, owner("tenant-a"), `{"status":"sent"}`); code != http.StatusBadRequest {
		t.Fatalf("bad status: want 400, got %d", code)
	}
	if code, _ := h.do(t, http.MethodPost, resolvePath, owner("tenant-b"), `{"status":"resolved"}`); code != http.StatusForbidden {
		t.Fatalf("cross-tenant resolve: want 403, got %d", code)
	}
	code, body := h.do(t, http.MethodPost, resolvePath, owner("tenant-a"), `{"status":"resolved","reason":"host confirmed removal"}`)
	if code != http.StatusOK || body["status"] != string(enforcement.TakedownResolved) {
		t.Fatalf("resolve: got %d %v", code, body)
	}
	if code, _ := h.do(t, http.MethodPost, resolvePath, owner("tenant-a"), `{"status":"failed"}`); code != http.StatusConflict {
		t.Fatalf("second resolve: want 409, got %d", code)
	}

	path := "/api/infringements/" + inf.ID
	code, body = h.do(t, http.MethodPost, path+"/removed", owner("tenant-a"), `{"reason":"link dead"}`)
	if code != http.StatusOK || body["status"] != string(enforcement.StatusRemoved) {
		t.Fatalf("mark removed: got %d %v", code, body)
	}
	if code, _ := h.do(t, http.MethodPost, path+"/removed", owner("tenant-a"), ""); code != http.StatusConflict {
		t.Fatalf("second removal: want 409, got %d", code)
	}
	code, body = h.do(t, http.MethodPost, path+"/reopen", owner("tenant-a"), `{"reason":"relisted"}`)
	if code != http.StatusOK || body["status"] != string(enforcement.StatusActive) {
		t.Fatalf("reopen: got %d %v", code, body)
	}
}

func TestEnqueueResolvesTargetWhenOmitted(t *testing.T) {
	h := newHarness(t, nil)
	inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://video.example/watch/1", enforcement.StatusActive)

	code, body := h.do(t, http.MethodPost, "/api/infringements/"+inf.ID+"/takedowns", owner("tenant-a"), "")
	if code != http.StatusAccepted {
		t.Fatalf("enqueue: want 202, got %d (%v)", code, body)
	}
	tiers, err := h.store.QueuedTiers(context.Background(), inf.ID)
	if err != nil {
		t.Fatalf("QueuedTiers: %v", err)
	}
	if len(tiers) != 1 || tiers[0] != enforcement.TierPlatform {
		t.Fatalf("expected platform tier, got %v", tiers)
	}
}

func TestVerifyAndReopen(t *testing.T) {
	h := newHarness(t, nil)
	inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/a", enforcement.StatusPendingVerification)
	path := "/api/infringements/" + inf.ID

	if code, _ := h.do(t, http.MethodPost, path+"/verify", owner("tenant-a"), `{"verdict":"maybe"}`); code != http.StatusBadRequest {
		t.Fatalf("bad verdict: want 400, got %d", code)
	}
	if code, _ := h.do(t, http.MethodPost, path+"/reopen", owner("tenant-a"), ""); code != http.StatusConflict {
		t.Fatalf("reopen pending: want 409, got %d", code)
	}
	code, body := h.do(t, http.MethodPost, path+"/verify", owner("tenant-a"), `{"verdict":"confirmed"}`)
	if code != http.StatusOK || body["status"] != string(enforcement.StatusActive) {
		t.Fatalf("verify: got %d %v", code, body)
	}
	if code, _ := h.do(t, http.MethodPost, path+"/verify", owner("tenant-b"), `{"verdict":"rejected"}`); code != http.StatusForbidden {
		t.Fatalf("cross-tenant verify: want 403, got %d", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/api/infringements/missing/verify", owner("tenant-a"), `{"verdict":"confirmed"}`); code != http.StatusNotFound {
		t.Fatalf("missing infringement: want 404, got %d", code)
	}
}

func TestReassignRequiresSameTenantProduct(t *testing.T) {
	h := newHarness(t, nil)
	inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/a", enforcement.StatusActive)
	other := testsupport.SeedProduct(t, h.store, "tenant-b", "Other")
	sibling := testsupport.SeedProduct(t, h.store, "tenant-a", "Sibling")
	path := "/api/infringements/" + inf.ID + "/reassign"

	if code, _ := h.do(t, http.MethodPost, path, owner("tenant-a"), `{"product_id":"`+other.ID+`"}`); code != http.StatusForbidden {
		t.Fatalf("foreign product: want 403, got %d", code)
	}
	code, body := h.do(t, http.MethodPost, path, owner("tenant-a"), `{"product_id":"`+sibling.ID+`"}`)
	if code != http.StatusOK || body["product_id"] != sibling.ID {
		t.Fatalf("reassign: got %d %v", code, body)
	}
}

func TestScanRunAndStats(t *testing.T) {
	h := newHarness(t, nil)
	payload := `{"candidates":[{"url":"https://files.example/a","category":"file_host"},{"url":"https://files.example/b"}]}`

	code, body := h.do(t, http.MethodPost, "/internal/scans/"+h.scan.ID+"/run", scheduler("test-secret"), payload)
	if code != http.StatusOK || body["new_infringements"] != float64(2) {
		t.Fatalf("scan run: got %d %v", code, body)
	}
	code, body = h.do(t, http.MethodPost, "/internal/scans/"+h.scan.ID+"/run", scheduler("test-secret"), payload)
	if code != http.StatusOK || body["reseen"] != float64(2) {
		t.Fatalf("second scan run: got %d %v", code, body)
	}

	code, body = h.do(t, http.MethodGet, "/api/scans/"+h.scan.ID+"/stats", owner("tenant-a"), "")
	if code != http.StatusOK || body["total_runs"] != float64(2) || body["lookups_avoided"] != float64(2) {
		t.Fatalf("scan stats: got %d %v", code, body)
	}
	if code, _ := h.do(t, http.MethodGet, "/api/scans/"+h.scan.ID+"/stats", owner("tenant-b"), ""); code != http.StatusForbidden {
		t.Fatalf("cross-tenant stats: want 403, got %d", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/internal/scans/"+h.scan.ID+"/run", scheduler("test-secret"), ""); code != http.StatusServiceUnavailable {
		t.Fatalf("run without discoverer: want 503, got %d", code)
	}
}

func TestTenantRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Server.TenantRequestsPerMinute = 1
		cfg.Server.TenantBurst = 2
	})
	for i := 0; i < 2; i++ {
		if code, _ := h.do(t, http.MethodGet, "/api/precision", owner("tenant-a"), ""); code != http.StatusOK {
			t.Fatalf("request %d: want 200, got %d", i, code)
		}
	}
	if code, _ := h.do(t, http.MethodGet, "/api/precision", owner("tenant-a"), ""); code != http.StatusTooManyRequests {
		t.Fatalf("want 429, got %d", code)
	}
	if code, _ := h.do(t, http.MethodGet, "/api/precision", owner("tenant-b"), ""); code != http.StatusOK {
		t.Fatalf("other tenant: want 200, got %d", code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	if code, body := h.do(t, http.MethodGet, "/healthz", nil, ""); code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: got %d %v", code, body)
	}
	resp, err := http.Get(h.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "enforcer_http_requests_total") {
		t.Fatal("metrics output missing request counter")
	}
}

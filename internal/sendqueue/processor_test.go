package sendqueue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"enforcer/internal/config"
	"enforcer/internal/delivery"
	"enforcer/internal/enforcement"
	"enforcer/internal/logging"
	"enforcer/internal/sendqueue"
	"enforcer/internal/services"
	"enforcer/internal/store"
	"enforcer/internal/testsupport"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, req delivery.Request) (delivery.Outcome, error)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req delivery.Request) (delivery.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Item.ID)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return delivery.Outcome{Kind: delivery.OutcomeDelivered, ProviderMessageID: "msg-" + req.Item.ID}, nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	cfg        *config.Config
	store      *store.Store
	clock      *testsupport.Clock
	dispatcher *fakeDispatcher
	processor  *sendqueue.Processor
	product    *enforcement.Product
}

func newHarness(t *testing.T, opts ...sendqueue.Option) *harness {
	t.Helper()
	clock := testsupport.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := testsupport.NewConfig(t, testsupport.WithQueue(3, 300, 6*60*60))
	st := testsupport.MustOpenStore(t, cfg, store.WithClock(clock.Now))
	dispatcher := &fakeDispatcher{}
	opts = append([]sendqueue.Option{sendqueue.WithClock(clock.Now)}, opts...)
	return &harness{
		cfg:        cfg,
		store:      st,
		clock:      clock,
		dispatcher: dispatcher,
		processor:  sendqueue.NewProcessor(st, dispatcher, cfg.Queue, logging.NewNop(), opts...),
		product:    testsupport.SeedProduct(t, st, "tenant-a", "Course"),
	}
}

var (
	automation = enforcement.AutomationCaller()
	ownerA     = enforcement.OwnerCaller("tenant-a", "user-a")
	ownerB     = enforcement.OwnerCaller("tenant-b", "user-b")
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := 5 * time.Minute
	max := 6 * time.Hour
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{7, 320 * time.Minute},
		{8, 6 * time.Hour},
		{64, 6 * time.Hour},
	}
	for _, tt := range tests {
		if got := sendqueue.Backoff(tt.attempts, base, max); got != tt.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestEnqueueSchedulesTargetsInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/a", enforcement.StatusActive)

	targets := []enforcement.Target{
		testsupport.EmailTarget(enforcement.TierPlatform, "Files"),
		testsupport.EmailTarget(enforcement.TierHosting, "Host"),
		testsupport.EmailTarget(enforcement.TierRegistrar, "Registrar"),
	}
	result, err := h.processor.Enqueue(ctx, ownerA, inf.ID, targets)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if len(result.ItemIDs) != 3 || result.BatchID == "" {
		t.Fatalf("unexpected enqueue result: %+v", result)
	}
	start := h.clock.Now()
	for i, id := range result.ItemIDs {
		item, err := h.store.GetQueueItem(ctx, id)
		if err != nil {
			t.Fatalf("GetQueueItem failed: %v", err)
		}
		if item.Target.Tier != targets[i].Tier {
			t.Fatalf("item %d: expected tier %s, got %s", i, targets[i].Tier, item.Target.Tier)
		}
		if want := start.Add(time.Duration(i) * time.Second); !item.ScheduledFor.Equal(want) {
			t.Fatalf("item %d: expected scheduled_for %v, got %v", i, want, item.ScheduledFor)
		}
		if item.TenantID != "tenant-a" || item.MaxAttempts != 3 {
			t.Fatalf("item %d: unexpected tenant or attempts budget: %+v", i, item)
		}
	}

	h.clock.Advance(5 * time.Second)
	claimed, err := h.store.ClaimDue(ctx, h.clock.Now(), 10, "")
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	for i, item := range claimed {
		if item.ID != result.ItemIDs[i] {
			t.Fatalf("claim order %d: expected %s, got %s", i, result.ItemIDs[i], item.ID)
		}
	}
}

func TestEnqueueRejectsOtherTenantsAndInvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/a", enforcement.StatusActive)
	pending := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/b", enforcement.StatusPendingVerification)
	target := []enforcement.Target{testsupport.EmailTarget(enforcement.TierHosting, "Host")}

	if _, err := h.processor.Enqueue(ctx, ownerB, inf.ID, target); !errors.Is(err, services.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for other tenant, got %v", err)
	}
	if _, err := h.processor.Enqueue(ctx, enforcement.Caller{}, inf.ID, target); !errors.Is(err, services.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for anonymous caller, got %v", err)
	}
	if _, err := h.processor.Enqueue(ctx, ownerA, inf.ID, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty targets, got %v", err)
	}
	bad := []enforcement.Target{{Tier: enforcement.TierHosting, Name: "Host", Method: enforcement.MethodWebForm}}
	if _, err := h.processor.Enqueue(ctx, ownerA, inf.ID, bad); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation for form target without url, got %v", err)
	}
	if _, err := h.processor.Enqueue(ctx, ownerA, pending.ID, target); !errors.Is(err, services.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for unverified infringement, got %v", err)
	}

	items, err := h.store.ListQueueItems(ctx, store.QueueFilter{InfringementID: inf.ID})
	if err != nil {
		t.Fatalf("ListQueueItems failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("rejected enqueues must not create items, found %d", len(items))
	}
}

func TestProcessCycleDeliversAndRecordsTakedown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/a", enforcement.StatusActive)
	enqueued, err := h.processor.Enqueue(ctx, ownerA, inf.ID, []enforcement.Target{testsupport.EmailTarget(enforcement.TierHosting, "Host")})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := h.processor.ProcessCycle(ctx, automation, 10)
	if err != nil {
		t.Fatalf("ProcessCycle failed: %v", err)
	}
	if result.Processed != 1 || result.Sent != 1 || result.Failed != 0 {
		t.Fatalf("unexpected cycle result: %+v", result)
	}

	itemID := enqueued.ItemIDs[0]
	item, err := h.store.GetQueueItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetQueueItem failed: %v", err)
	}
	if item.Status != enforcement.QueueSent || item.ProviderMessageID != "msg-"+itemID || item.Attempts != 1 {
		t.Fatalf("unexpected sent item: %+v", item)
	}
	takedown, err := h.store.GetTakedownByQueueItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetTakedownByQueueItem failed: %v", err)
	}
	if takedown.InfringementID != inf.ID || takedown.Status != enforcement.TakedownSent || takedown.Notice == "" {
		t.Fatalf("unexpected takedown: %+v", takedown)
	}
	updated, err := h.store.GetInfringement(ctx, inf.ID)
	if err != nil {
		t.Fatalf("GetInfringement failed: %v", err)
	}
	if updated.Status != enforcement.StatusTakedownSent {
		t.Fatalf("expected infringement takedown_sent, got %s", updated.Status)
	}

	again, err := h.processor.ProcessCycle(ctx, automation, 10)
	if err != nil {
		t.Fatalf("second ProcessCycle failed: %v", err)
	}
	if again.Processed != 0 || h.dispatcher.callCount() != 1 {
		t.Fatalf("sent item must not be dispatched again: %+v calls=%d", again, h.dispatcher.callCount())
	}
}

func TestTransientFailuresExhaustAttemptsThenManualFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dispatcher.fn = func(context.Context, delivery.Request) (delivery.Outcome, error) {
		return delivery.Outcome{}, services.Wrap(services.ErrTransient, "test", "dispatch", "provider returned 503", nil)
	}
	inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/a", enforcement.StatusActive)
	enqueued, err := h.processor.Enqueue(ctx, ownerA, inf.ID, []enforcement.Target{testsupport.EmailTarget(enforcement.TierHosting, "Host")})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	itemID := enqueued.ItemIDs[0]

	delays := []time.Duration{5 * time.Minute, 10 * time.Minute}
	for attempt := 1; attempt <= 2; attempt++ {
		result, err := h.processor.ProcessCycle(ctx, automation, 10)
		if err != nil {
			t.Fatalf("cycle %d failed: %v", attempt, err)
		}
		if result.Retried != 1 {
			t.Fatalf("cycle %d: expected one retry, got %+v", attempt, result)
		}
		item, err := h.store.GetQueueItem(ctx, itemID)
		if err != nil {
			t.Fatalf("GetQueueItem failed: %v", err)
		}
		wantNext := h.clock.Now().Add(delays[attempt-1])
		if item.Status != enforcement.QueuePending || item.Attempts != attempt || !item.ScheduledFor.Equal(wantNext) {
			t.Fatalf("cycle %d: unexpected item state %+v (want next %v)", attempt, item, wantNext)
		}
		if item.FailureKind != services.FailureTransient {
			t.Fatalf("cycle %d: expected transient failure kind, got %q", attempt, item.FailureKind)
		}

		early, err := h.processor.ProcessCycle(ctx, automation, 10)
		if err != nil {
			t.Fatalf("early cycle failed: %v", err)
		}
		if early.Processed != 0 {
			t.Fatalf("item must not be retried before its backoff elapses: %+v", early)
		}
		h.clock.Advance(delays[attempt-1])
	}

	final, err := h.processor.ProcessCycle(ctx, automation, 10)
	if err != nil {
		t.Fatalf("final cycle failed: %v", err)
	}
	if final.Failed != 1 {
		t.Fatalf("expected terminal failure on third attempt, got %+v", final)
	}
	item, err := h.store.GetQueueItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetQueueItem failed: %v", err)
	}
	if item.Status != enforcement.QueueFailed || item.Attempts != 3 {
		t.Fatalf("expected failed item with 3 attempts, got %+v", item)
	}
	if h.dispatcher.callCount() != 3 {
		t.Fatalf("expected 3 dispatch calls, got %d", h.dispatcher.callCount())
	}

	h.clock.Advance(24 * time.Hour)
	idle, err := h.processor.ProcessCycle(ctx, automation, 10)
	if err != nil {
		t.Fatalf("idle cycle failed: %v", err)
	}
	if idle.Processed != 0 {
		t.Fatalf("failed items must not be retried automatically: %+v", idle)
	}

	outcome, err := h.processor.MarkManuallySubmitted(ctx, ownerA, itemID, "sent from legal inbox")
	if err != nil {
		t.Fatalf("MarkManuallySubmitted failed: %v", err)
	}
	if outcome.AlreadyClosed || outcome.Takedown == nil || outcome.Item.Status != enforcement.QueueSent {
		t.Fatalf("unexpected manual outcome: %+v", outcome)
	}
	replay, err := h.processor.MarkManuallySubmitted(ctx, ownerA, itemID, "again")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !replay.AlreadyClosed || replay.Takedown.ID != outcome.Takedown.ID {
		t.Fatalf("replay must report the prior takedown: %+v", replay)
	}
	takedowns, err := h.store.ListTakedowns(ctx, inf.ID)
	if err != nil {
		t.Fatalf("ListTakedowns failed: %v", err)
	}
	if len(takedowns) != 1 {
		t.Fatalf("expected exactly one takedown, got %d", len(takedowns))
	}
}

func TestPermanentFailureFailsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dispatcher.fn = func(context.Context, delivery.Request) (delivery.Outcome, error) {
		return delivery.Outcome{}, services.Wrap(services.ErrPermanent, "test", "dispatch", "mailbox does not exist", nil)
	}
	inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/a", enforcement.StatusActive)
	enqueued, err := h.processor.Enqueue(ctx, ownerA, inf.ID, []enforcement.Target{testsupport.EmailTarget(enforcement.TierHosting, "Host")})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := h.processor.ProcessCycle(ctx, automation, 10)
	if err != nil {
		t.Fatalf("ProcessCycle failed: %v", err)
	}
	if result.Failed != 1 || result.Retried != 0 {
		t.Fatalf("expected immediate failure, got %+v", result)
	}
	item, err := h.store.GetQueueItem(ctx, enqueued.ItemIDs[0])
	if err != nil {
		t.Fatalf("GetQueueItem failed: %v", err)
	}
	if item.Status != enforcement.QueueFailed || item.Attempts != 1 || item.FailureKind != services.FailurePermanent {
		t.Fatalf("unexpected failed item: %+v", item)
	}
	current, err := h.store.GetInfringement(ctx, inf.ID)
	if err != nil {
		t.Fatalf("GetInfringement failed: %v", err)
	}
	if current.Status != enforcement.StatusActive {
		t.Fatalf("failed delivery must leave infringement active, got %s", current.Status)
	}
}

func TestDispatchTimeoutIsRetried(t *testing.T) {
	h := newHarness(t, sendqueue.WithDispatchTimeout(20*time.Millisecond))
	ctx := context.Background()
	h.dispatcher.fn = func(ctx context.Context, _ delivery.Request) (delivery.Outcome, error) {
		<-ctx.Done()
		return delivery.Outcome{}, ctx.Err()
	}
	inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/a", enforcement.StatusActive)
	enqueued, err := h.processor.Enqueue(ctx, ownerA, inf.ID, []enforcement.Target{testsupport.EmailTarget(enforcement.TierHosting, "Host")})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := h.processor.ProcessCycle(ctx, automation, 10)
	if err != nil {
		t.Fatalf("ProcessCycle failed: %v", err)
	}
	if result.Retried != 1 {
		t.Fatalf("expected timeout to follow the retry path, got %+v", result)
	}
	item, err := h.store.GetQueueItem(ctx, enqueued.ItemIDs[0])
	if err != nil {
		t.Fatalf("GetQueueItem failed: %v", err)
	}
	if item.Status != enforcement.QueuePending || item.FailureKind != services.FailureTransient {
		t.Fatalf("unexpected item after timeout: %+v", item)
	}
}

func TestWebFormParksItemUntilManualSubmission(t *testing.T) {
	clock := testsupport.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg, store.WithClock(clock.Now))
	processor := sendqueue.NewProcessor(st, delivery.NewRouter(), cfg.Queue, logging.NewNop(), sendqueue.WithClock(clock.Now))
	ctx := context.Background()
	product := testsupport.SeedProduct(t, st, "tenant-a", "Course")
	inf := testsupport.SeedInfringement(t, st, product.ID, "https://video.example/watch/1", enforcement.StatusActive)

	form := enforcement.Target{
		Tier:    enforcement.TierPlatform,
		Name:    "Video Example",
		Method:  enforcement.MethodWebForm,
		FormURL: "https://video.example/copyright",
	}
	enqueued, err := processor.Enqueue(ctx, ownerA, inf.ID, []enforcement.Target{form})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	itemID := enqueued.ItemIDs[0]

	result, err := processor.ProcessCycle(ctx, ownerA, 10)
	if err != nil {
		t.Fatalf("ProcessCycle failed: %v", err)
	}
	if result.AwaitingManual != 1 || result.Sent != 0 {
		t.Fatalf("expected item awaiting manual submission, got %+v", result)
	}
	item, err := st.GetQueueItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetQueueItem failed: %v", err)
	}
	if !item.AwaitingManual() || item.Instructions == "" {
		t.Fatalf("expected parked item with instructions, got %+v", item)
	}

	clock.Advance(cfg.Queue.StaleProcessing() * 4)
	later, err := processor.ProcessCycle(ctx, automation, 10)
	if err != nil {
		t.Fatalf("later ProcessCycle failed: %v", err)
	}
	if later.Reclaimed != 0 || later.Processed != 0 {
		t.Fatalf("parked item must not be reclaimed or redispatched: %+v", later)
	}

	if _, err := processor.MarkManuallySubmitted(ctx, ownerB, itemID, ""); !errors.Is(err, services.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for other tenant, got %v", err)
	}
	outcome, err := processor.MarkManuallySubmitted(ctx, ownerA, itemID, "")
	if err != nil {
		t.Fatalf("MarkManuallySubmitted failed: %v", err)
	}
	if outcome.Takedown == nil || outcome.Takedown.Notice != item.Instructions {
		t.Fatalf("expected takedown carrying the instructions, got %+v", outcome.Takedown)
	}
	current, err := st.GetInfringement(ctx, inf.ID)
	if err != nil {
		t.Fatalf("GetInfringement failed: %v", err)
	}
	if current.Status != enforcement.StatusTakedownSent {
		t.Fatalf("expected takedown_sent, got %s", current.Status)
	}
}

func TestProcessCycleScopesOwnerToTenant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	otherProduct := testsupport.SeedProduct(t, h.store, "tenant-b", "Other")
	mine := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/a", enforcement.StatusActive)
	theirs := testsupport.SeedInfringement(t, h.store, otherProduct.ID, "https://files.example/b", enforcement.StatusActive)
	target := []enforcement.Target{testsupport.EmailTarget(enforcement.TierHosting, "Host")}
	if _, err := h.processor.Enqueue(ctx, ownerA, mine.ID, target); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	theirBatch, err := h.processor.Enqueue(ctx, ownerB, theirs.ID, target)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := h.processor.ProcessCycle(ctx, enforcement.Caller{}, 10); !errors.Is(err, services.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for anonymous caller, got %v", err)
	}
	if h.dispatcher.callCount() != 0 {
		t.Fatal("rejected caller must not dispatch anything")
	}

	result, err := h.processor.ProcessCycle(ctx, ownerA, 10)
	if err != nil {
		t.Fatalf("ProcessCycle failed: %v", err)
	}
	if result.Sent != 1 {
		t.Fatalf("expected only tenant-a item to be sent, got %+v", result)
	}
	other, err := h.store.GetQueueItem(ctx, theirBatch.ItemIDs[0])
	if err != nil {
		t.Fatalf("GetQueueItem failed: %v", err)
	}
	if other.Status != enforcement.QueuePending {
		t.Fatalf("other tenant's item must stay pending, got %s", other.Status)
	}
	if _, err := h.processor.BatchProgress(ctx, ownerA, theirBatch.BatchID); !errors.Is(err, services.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized reading another tenant's batch, got %v", err)
	}
}

func TestProcessCycleReclaimsStaleClaims(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/a", enforcement.StatusActive)
	enqueued, err := h.processor.Enqueue(ctx, ownerA, inf.ID, []enforcement.Target{testsupport.EmailTarget(enforcement.TierHosting, "Host")})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	// A cycle that crashed between claim and commit.
	if _, err := h.store.ClaimDue(ctx, h.clock.Now(), 10, ""); err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}

	h.clock.Advance(h.cfg.Queue.StaleProcessing() + time.Minute)
	result, err := h.processor.ProcessCycle(ctx, automation, 10)
	if err != nil {
		t.Fatalf("ProcessCycle failed: %v", err)
	}
	if result.Reclaimed != 1 || result.Sent != 1 {
		t.Fatalf("expected stale claim reclaimed and delivered, got %+v", result)
	}
	progress, err := h.processor.BatchProgress(ctx, ownerA, enqueued.BatchID)
	if err != nil {
		t.Fatalf("BatchProgress failed: %v", err)
	}
	if progress.Total != 1 || progress.Sent != 1 || !progress.Done() {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func TestConcurrentCyclesNeverDoubleSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var inFlight, peak atomic.Int32
	h.dispatcher.fn = func(_ context.Context, req delivery.Request) (delivery.Outcome, error) {
		current := inFlight.Add(1)
		for {
			old := peak.Load()
			if current <= old || peak.CompareAndSwap(old, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return delivery.Outcome{Kind: delivery.OutcomeDelivered, ProviderMessageID: "msg-" + req.Item.ID}, nil
	}
	const total = 8
	for i := 0; i < total; i++ {
		inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/"+string(rune('a'+i)), enforcement.StatusActive)
		if _, err := h.processor.Enqueue(ctx, ownerA, inf.ID, []enforcement.Target{testsupport.EmailTarget(enforcement.TierHosting, "Host")}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		sent    int
		cycleEr error
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.processor.ProcessCycle(ctx, automation, total)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				cycleEr = err
			}
			sent += result.Sent
		}()
	}
	wg.Wait()
	if cycleEr != nil {
		t.Fatalf("ProcessCycle failed: %v", cycleEr)
	}
	if sent != total || h.dispatcher.callCount() != total {
		t.Fatalf("expected %d sends and dispatches, got sent=%d calls=%d", total, sent, h.dispatcher.callCount())
	}
	if limit := int32(h.cfg.Queue.DispatchConcurrency) * 3; peak.Load() > limit {
		t.Fatalf("dispatch concurrency %d exceeded bound %d", peak.Load(), limit)
	}
}

func TestStaleReclaimWhileWaitingForSlotNeverResends(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, url := range []string{"https://files.example/x", "https://files.example/y"} {
		inf := testsupport.SeedInfringement(t, h.store, h.product.ID, url, enforcement.StatusActive)
		if _, err := h.processor.Enqueue(ctx, ownerA, inf.ID, []enforcement.Target{testsupport.EmailTarget(enforcement.TierHosting, "Host")}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	queueCfg := h.cfg.Queue
	queueCfg.DispatchConcurrency = 1
	processor := sendqueue.NewProcessor(h.store, h.dispatcher, queueCfg, logging.NewNop(), sendqueue.WithClock(h.clock.Now))

	started := make(chan string, 1)
	release := make(chan struct{})
	var blocked atomic.Bool
	h.dispatcher.fn = func(_ context.Context, req delivery.Request) (delivery.Outcome, error) {
		if blocked.CompareAndSwap(false, true) {
			started <- req.Item.ID
			<-release
		}
		return delivery.Outcome{Kind: delivery.OutcomeDelivered, ProviderMessageID: "msg-" + req.Item.ID}, nil
	}

	type cycleRun struct {
		result sendqueue.CycleResult
		err    error
	}
	slow := make(chan cycleRun, 1)
	go func() {
		result, err := processor.ProcessCycle(ctx, automation, 10)
		slow <- cycleRun{result: result, err: err}
	}()
	blockedID := <-started

	// The second item is still waiting for the only dispatch slot when its
	// claim ages past the stale window.
	h.clock.Advance(queueCfg.StaleProcessing() + time.Minute)
	fast, err := processor.ProcessCycle(ctx, automation, 10)
	if err != nil {
		t.Fatalf("ProcessCycle failed: %v", err)
	}
	if fast.Reclaimed != 2 || fast.Sent != 2 {
		t.Fatalf("expected both items reclaimed and sent, got %+v", fast)
	}

	close(release)
	run := <-slow
	if run.err != nil {
		t.Fatalf("slow ProcessCycle failed: %v", run.err)
	}
	if run.result.Sent != 0 || run.result.Conflicts != 2 {
		t.Fatalf("expected the slow cycle to lose both claims, got %+v", run.result)
	}

	h.dispatcher.mu.Lock()
	calls := map[string]int{}
	for _, id := range h.dispatcher.calls {
		calls[id]++
	}
	h.dispatcher.mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("expected two distinct items dispatched, got %v", calls)
	}
	for id, n := range calls {
		if id != blockedID && n != 1 {
			t.Fatalf("item %s waiting for a slot was dispatched %d times", id, n)
		}
		if _, err := h.store.GetTakedownByQueueItem(ctx, id); err != nil {
			t.Fatalf("GetTakedownByQueueItem(%s) failed: %v", id, err)
		}
	}
}

func TestProcessCycleWithdrawsNoticeForRemovedInfringement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inf := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/a", enforcement.StatusActive)
	enqueued, err := h.processor.Enqueue(ctx, ownerA, inf.ID, []enforcement.Target{testsupport.EmailTarget(enforcement.TierHosting, "Host")})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := h.store.TransitionInfringement(ctx, inf.ID, enforcement.EventMarkRemoved, enforcement.UserActor("user-a"), "link dead"); err != nil {
		t.Fatalf("TransitionInfringement failed: %v", err)
	}

	result, err := h.processor.ProcessCycle(ctx, automation, 10)
	if err != nil {
		t.Fatalf("ProcessCycle failed: %v", err)
	}
	if result.Failed != 1 || result.Sent != 0 || h.dispatcher.callCount() != 0 {
		t.Fatalf("expected a withdrawn notice, got %+v calls=%d", result, h.dispatcher.callCount())
	}
	item, err := h.store.GetQueueItem(ctx, enqueued.ItemIDs[0])
	if err != nil {
		t.Fatalf("GetQueueItem failed: %v", err)
	}
	if item.Status != enforcement.QueueFailed || item.FailureKind != services.FailurePermanent {
		t.Fatalf("unexpected item after withdrawal: %+v", item)
	}
}

func TestEnqueueProductBatchesActiveInfringements(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/a", enforcement.StatusActive)
	second := testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/b", enforcement.StatusActive)
	testsupport.SeedInfringement(t, h.store, h.product.ID, "https://files.example/c", enforcement.StatusPendingVerification)

	resolver := sendqueue.ResolverFunc(func(_ context.Context, inf *enforcement.Infringement) ([]enforcement.Target, error) {
		return []enforcement.Target{
			testsupport.EmailTarget(enforcement.TierPlatform, "Files"),
			testsupport.EmailTarget(enforcement.TierHosting, "Host"),
		}, nil
	})

	if _, err := h.processor.EnqueueProduct(ctx, ownerB, h.product.ID, resolver); !errors.Is(err, services.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for other tenant, got %v", err)
	}
	result, err := h.processor.EnqueueProduct(ctx, ownerA, h.product.ID, resolver)
	if err != nil {
		t.Fatalf("EnqueueProduct failed: %v", err)
	}
	if len(result.ItemIDs) != 2 {
		t.Fatalf("expected one item per active infringement, got %d", len(result.ItemIDs))
	}
	seen := map[string]bool{}
	for _, id := range result.ItemIDs {
		item, err := h.store.GetQueueItem(ctx, id)
		if err != nil {
			t.Fatalf("GetQueueItem failed: %v", err)
		}
		if item.BatchID != result.BatchID || item.Target.Tier != enforcement.TierPlatform {
			t.Fatalf("unexpected item: %+v", item)
		}
		seen[item.InfringementID] = true
	}
	if !seen[first.ID] || !seen[second.ID] {
		t.Fatalf("expected both active infringements in the batch, got %v", seen)
	}

	if _, err := h.processor.EnqueueProduct(ctx, ownerA, h.product.ID, resolver); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected re-enqueue of already queued tier to find nothing, got %v", err)
	}
}

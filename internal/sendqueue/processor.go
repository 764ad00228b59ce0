package sendqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"enforcer/internal/config"
	"enforcer/internal/delivery"
	"enforcer/internal/enforcement"
	"enforcer/internal/logging"
	"enforcer/internal/notifications"
	"enforcer/internal/services"
	"enforcer/internal/store"
)

const component = "sendqueue"

// Store is the persistence surface the processor needs.
type Store interface {
	GetInfringement(ctx context.Context, id string) (*enforcement.Infringement, error)
	InfringementTenant(ctx context.Context, id string) (string, error)
	GetProduct(ctx context.Context, id string) (*enforcement.Product, error)
	ListInfringements(ctx context.Context, filter store.InfringementFilter) ([]*enforcement.Infringement, error)
	QueuedTiers(ctx context.Context, infringementID string) ([]enforcement.TargetTier, error)
	CreateBatch(ctx context.Context, batch *enforcement.QueueBatch, items []*enforcement.QueueItem) error
	GetBatch(ctx context.Context, id string) (*enforcement.QueueBatch, error)
	BatchProgress(ctx context.Context, batchID string) (enforcement.BatchProgress, error)
	GetQueueItem(ctx context.Context, id string) (*enforcement.QueueItem, error)
	QueueStats(ctx context.Context, tenantID string) (map[enforcement.QueueStatus]int, error)
	ReclaimStaleProcessing(ctx context.Context, cutoff time.Time, tenantID string) (int64, error)
	ClaimDue(ctx context.Context, now time.Time, limit int, tenantID string) ([]*enforcement.QueueItem, error)
	RenewClaim(ctx context.Context, id string, claimedAt, now time.Time) (time.Time, error)
	CompleteDelivery(ctx context.Context, itemID string, d store.Delivery, actor enforcement.Actor) (*enforcement.Takedown, error)
	ParkForManual(ctx context.Context, id, instructions string) (*enforcement.QueueItem, error)
	RecordFailure(ctx context.Context, id string, update store.FailureUpdate, actor enforcement.Actor) (*enforcement.QueueItem, error)
	ManualSubmit(ctx context.Context, itemID, note string, actor enforcement.Actor) (store.ManualOutcome, error)
}

// TargetResolver returns the enforcement targets for an infringement in
// priority order.
type TargetResolver interface {
	Resolve(ctx context.Context, inf *enforcement.Infringement) ([]enforcement.Target, error)
}

// ResolverFunc adapts a function to TargetResolver.
type ResolverFunc func(ctx context.Context, inf *enforcement.Infringement) ([]enforcement.Target, error)

// Resolve implements TargetResolver.
func (f ResolverFunc) Resolve(ctx context.Context, inf *enforcement.Infringement) ([]enforcement.Target, error) {
	return f(ctx, inf)
}

// Processor enqueues and delivers takedown notices.
type Processor struct {
	store      Store
	dispatcher delivery.Dispatcher
	composer   delivery.Composer
	notifier   notifications.Service
	cfg        config.Queue
	logger     *slog.Logger
	now        func() time.Time
	timeout    time.Duration
}

// Option configures optional Processor behavior.
type Option func(*Processor)

// WithComposer replaces the default template notice composer.
func WithComposer(c delivery.Composer) Option {
	return func(p *Processor) {
		if c != nil {
			p.composer = c
		}
	}
}

// WithNotifier sets the service used for failure and manual-action alerts.
func WithNotifier(n notifications.Service) Option {
	return func(p *Processor) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithClock overrides the time source used for scheduling.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithDispatchTimeout overrides the per-call delivery timeout.
func WithDispatchTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewProcessor constructs a processor over st that delivers via dispatcher.
func NewProcessor(st Store, dispatcher delivery.Dispatcher, cfg config.Queue, logger *slog.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:      st,
		dispatcher: dispatcher,
		composer:   delivery.NewTemplateComposer(""),
		notifier:   notifications.NewService(nil),
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, component),
		now:        func() time.Time { return time.Now().UTC() },
		timeout:    cfg.DispatchTimeout(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.timeout <= 0 {
		p.timeout = 30 * time.Second
	}
	return p
}

// EnqueueResult identifies the batch and items created by an enqueue call.
type EnqueueResult struct {
	BatchID string   `json:"batch_id"`
	ItemIDs []string `json:"item_ids"`
}

// Enqueue creates one batch with an item per target. Targets are consumed in
// the given order; each later target is scheduled one second after the
// previous so claim order follows target order. Only the tenant owning the
// infringement, or the automation caller, may enqueue.
func (p *Processor) Enqueue(ctx context.Context, caller enforcement.Caller, infringementID string, targets []enforcement.Target) (EnqueueResult, error) {
	if !caller.Valid() {
		return EnqueueResult{}, services.Wrap(services.ErrUnauthorized, component, "enqueue", "caller has no identity", nil)
	}
	if len(targets) == 0 {
		return EnqueueResult{}, services.Wrap(services.ErrValidation, component, "enqueue", "at least one target is required", nil)
	}
	for i, target := range targets {
		if err := target.Validate(); err != nil {
			return EnqueueResult{}, fmt.Errorf("target %d: %w", i, err)
		}
	}

	tenantID, err := p.store.InfringementTenant(ctx, infringementID)
	if err != nil {
		return EnqueueResult{}, err
	}
	if !caller.CanAccess(tenantID) {
		return EnqueueResult{}, services.Wrap(services.ErrUnauthorized, component, "enqueue",
			fmt.Sprintf("infringement %s belongs to another tenant", infringementID), nil)
	}
	inf, err := p.store.GetInfringement(ctx, infringementID)
	if err != nil {
		return EnqueueResult{}, err
	}
	if err := checkEnqueueable(inf); err != nil {
		return EnqueueResult{}, err
	}

	now := p.now()
	items := make([]*enforcement.QueueItem, 0, len(targets))
	for i, target := range targets {
		items = append(items, &enforcement.QueueItem{
			InfringementID: inf.ID,
			Target:         target,
			Method:         target.Method,
			MaxAttempts:    p.maxAttempts(),
			ScheduledFor:   now.Add(time.Duration(i) * time.Second),
		})
	}
	batch := &enforcement.QueueBatch{
		TenantID:  tenantID,
		ProductID: inf.ProductID,
		CreatedBy: caller.Actor(component).String(),
	}
	if err := p.store.CreateBatch(ctx, batch, items); err != nil {
		return EnqueueResult{}, err
	}

	result := EnqueueResult{BatchID: batch.ID, ItemIDs: itemIDs(items)}
	p.logger.Info("takedown enqueued",
		logging.String(logging.FieldInfringementID, inf.ID),
		logging.String(logging.FieldBatchID, batch.ID),
		logging.String(logging.FieldTenantID, tenantID),
		logging.Int("targets", len(items)),
		logging.String(logging.FieldActor, batch.CreatedBy),
		logging.String(logging.FieldEventType, "takedown_enqueued"),
	)
	return result, nil
}

// EnqueueProduct creates one batch addressing every active infringement of a
// product at the first target the resolver returns. Infringements that
// already have that tier queued or sent are skipped.
func (p *Processor) EnqueueProduct(ctx context.Context, caller enforcement.Caller, productID string, resolver TargetResolver) (EnqueueResult, error) {
	if !caller.Valid() {
		return EnqueueResult{}, services.Wrap(services.ErrUnauthorized, component, "enqueue product", "caller has no identity", nil)
	}
	if resolver == nil {
		return EnqueueResult{}, services.Wrap(services.ErrConfiguration, component, "enqueue product", "no target resolver configured", nil)
	}
	product, err := p.store.GetProduct(ctx, productID)
	if err != nil {
		return EnqueueResult{}, err
	}
	if !caller.CanAccess(product.TenantID) {
		return EnqueueResult{}, services.Wrap(services.ErrUnauthorized, component, "enqueue product",
			fmt.Sprintf("product %s belongs to another tenant", productID), nil)
	}
	infringements, err := p.store.ListInfringements(ctx, store.InfringementFilter{
		ProductID: product.ID,
		Statuses:  []enforcement.InfringementStatus{enforcement.StatusActive},
	})
	if err != nil {
		return EnqueueResult{}, err
	}

	now := p.now()
	items := make([]*enforcement.QueueItem, 0, len(infringements))
	for _, inf := range infringements {
		targets, err := resolver.Resolve(ctx, inf)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("resolve targets for %s: %w", inf.ID, err)
		}
		if len(targets) == 0 {
			p.logger.Debug("no target resolved; skipping",
				logging.String(logging.FieldInfringementID, inf.ID),
				logging.String("domain", inf.Domain),
			)
			continue
		}
		target := targets[0]
		if err := target.Validate(); err != nil {
			return EnqueueResult{}, fmt.Errorf("target for %s: %w", inf.ID, err)
		}
		queued, err := p.store.QueuedTiers(ctx, inf.ID)
		if err != nil {
			return EnqueueResult{}, err
		}
		if containsTier(queued, target.Tier) {
			continue
		}
		items = append(items, &enforcement.QueueItem{
			InfringementID: inf.ID,
			Target:         target,
			Method:         target.Method,
			MaxAttempts:    p.maxAttempts(),
			ScheduledFor:   now.Add(time.Duration(len(items)) * time.Second),
		})
	}
	if len(items) == 0 {
		return EnqueueResult{}, services.Wrap(services.ErrValidation, component, "enqueue product",
			fmt.Sprintf("product %s has no active infringements to enqueue", productID), nil)
	}

	batch := &enforcement.QueueBatch{
		TenantID:  product.TenantID,
		ProductID: product.ID,
		CreatedBy: caller.Actor(component).String(),
	}
	if err := p.store.CreateBatch(ctx, batch, items); err != nil {
		return EnqueueResult{}, err
	}
	p.logger.Info("product takedowns enqueued",
		logging.String("product_id", product.ID),
		logging.String(logging.FieldBatchID, batch.ID),
		logging.String(logging.FieldTenantID, product.TenantID),
		logging.Int("items", len(items)),
		logging.String(logging.FieldEventType, "product_takedowns_enqueued"),
	)
	return EnqueueResult{BatchID: batch.ID, ItemIDs: itemIDs(items)}, nil
}

// MarkManuallySubmitted closes an item a human delivered outside the system.
// A replay on an already sent item returns the prior takedown with
// AlreadyClosed set.
func (p *Processor) MarkManuallySubmitted(ctx context.Context, caller enforcement.Caller, itemID, note string) (store.ManualOutcome, error) {
	item, err := p.authorizeItem(ctx, caller, itemID, "manual submit")
	if err != nil {
		return store.ManualOutcome{}, err
	}
	outcome, err := p.store.ManualSubmit(ctx, item.ID, note, caller.Actor(component))
	if err != nil {
		return store.ManualOutcome{}, err
	}
	if outcome.AlreadyClosed {
		p.logger.Info("manual submission replayed on closed item",
			logging.String(logging.FieldQueueItemID, item.ID),
			logging.String(logging.FieldEventType, "manual_submit_replay"),
		)
		return outcome, nil
	}
	p.logger.Info("queue item manually submitted",
		logging.String(logging.FieldQueueItemID, item.ID),
		logging.String(logging.FieldInfringementID, item.InfringementID),
		logging.String("previous_status", string(item.Status)),
		logging.String(logging.FieldEventType, "manual_submitted"),
	)
	return outcome, nil
}

// BatchProgress returns the derived progress of a batch the caller owns.
func (p *Processor) BatchProgress(ctx context.Context, caller enforcement.Caller, batchID string) (enforcement.BatchProgress, error) {
	if !caller.Valid() {
		return enforcement.BatchProgress{}, services.Wrap(services.ErrUnauthorized, component, "batch progress", "caller has no identity", nil)
	}
	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return enforcement.BatchProgress{}, err
	}
	if !caller.CanAccess(batch.TenantID) {
		return enforcement.BatchProgress{}, services.Wrap(services.ErrUnauthorized, component, "batch progress",
			fmt.Sprintf("batch %s belongs to another tenant", batchID), nil)
	}
	return p.store.BatchProgress(ctx, batch.ID)
}

// Stats returns queue item counts by status visible to the caller.
func (p *Processor) Stats(ctx context.Context, caller enforcement.Caller) (map[enforcement.QueueStatus]int, error) {
	tenantID, err := scopeFor(caller, "stats")
	if err != nil {
		return nil, err
	}
	return p.store.QueueStats(ctx, tenantID)
}

func (p *Processor) authorizeItem(ctx context.Context, caller enforcement.Caller, itemID, op string) (*enforcement.QueueItem, error) {
	if !caller.Valid() {
		return nil, services.Wrap(services.ErrUnauthorized, component, op, "caller has no identity", nil)
	}
	item, err := p.store.GetQueueItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(item.TenantID) {
		return nil, services.Wrap(services.ErrUnauthorized, component, op,
			fmt.Sprintf("queue item %s belongs to another tenant", itemID), nil)
	}
	return item, nil
}

func (p *Processor) maxAttempts() int {
	if p.cfg.MaxAttempts > 0 {
		return p.cfg.MaxAttempts
	}
	return 1
}

// scopeFor returns the tenant filter for a caller; automation sees every tenant.
func scopeFor(caller enforcement.Caller, op string) (string, error) {
	if !caller.Valid() {
		return "", services.Wrap(services.ErrUnauthorized, component, op, "caller has no identity", nil)
	}
	if caller.Automation {
		return "", nil
	}
	return caller.TenantID, nil
}

func checkEnqueueable(inf *enforcement.Infringement) error {
	switch inf.Status {
	case enforcement.StatusActive, enforcement.StatusTakedownSent:
		return nil
	default:
		return fmt.Errorf("%w: infringement %s is %s; only active infringements can receive takedowns",
			services.ErrIllegalTransition, inf.ID, inf.Status)
	}
}

func containsTier(tiers []enforcement.TargetTier, tier enforcement.TargetTier) bool {
	for _, t := range tiers {
		if t == tier {
			return true
		}
	}
	return false
}

func itemIDs(items []*enforcement.QueueItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}

package sendqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"enforcer/internal/delivery"
	"enforcer/internal/enforcement"
	"enforcer/internal/logging"
	"enforcer/internal/metrics"
	"enforcer/internal/notifications"
	"enforcer/internal/services"
	"enforcer/internal/store"
)

// CycleResult summarizes one ProcessCycle invocation. Each item's outcome is
// committed independently, so the counts are valid even when err is non-nil.
type CycleResult struct {
	Processed      int `json:"processed"`
	Sent           int `json:"sent"`
	Failed         int `json:"failed"`
	Retried        int `json:"retried"`
	Reclaimed      int `json:"reclaimed"`
	AwaitingManual int `json:"awaiting_manual"`
	Conflicts      int `json:"conflicts"`
}

// MaxCycleLimit bounds how many items one cycle may claim.
const MaxCycleLimit = 200

type itemOutcome int

const (
	outcomeSent itemOutcome = iota
	outcomeRetried
	outcomeFailed
	outcomeAwaitingManual
	outcomeConflict
)

// ProcessCycle reclaims stale claims, claims up to limit due items and
// dispatches them. The automation caller processes every tenant; an owner
// processes only their tenant's items. A limit of zero or less uses the
// configured cycle limit; larger limits are capped at MaxCycleLimit.
func (p *Processor) ProcessCycle(ctx context.Context, caller enforcement.Caller, limit int) (CycleResult, error) {
	tenantID, err := scopeFor(caller, "process cycle")
	if err != nil {
		return CycleResult{}, err
	}
	if limit <= 0 {
		limit = p.cfg.CycleLimit
	}
	limit = min(limit, MaxCycleLimit)
	actor := caller.Actor(component)
	var result CycleResult

	now := p.now()
	if stale := p.cfg.StaleProcessing(); stale > 0 {
		reclaimed, err := p.store.ReclaimStaleProcessing(ctx, now.Add(-stale), tenantID)
		if err != nil {
			return result, err
		}
		result.Reclaimed = int(reclaimed)
		if reclaimed > 0 {
			metrics.ReclaimedTotal.Add(float64(reclaimed))
			logging.WarnWithContext(p.logger, "reclaimed stale queue items", "queue_reclaimed",
				logging.Int64("count", reclaimed),
				logging.String(logging.FieldTenantID, tenantID),
				logging.String(logging.FieldErrorHint, "a previous cycle stopped between claim and commit"),
			)
		}
	}

	claimed, err := p.store.ClaimDue(ctx, now, limit, tenantID)
	if err != nil && len(claimed) == 0 {
		return result, err
	}
	claimErr := err

	concurrency := p.cfg.DispatchConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	var (
		mu    sync.Mutex
		group errgroup.Group
	)
	group.SetLimit(concurrency)
	for _, item := range claimed {
		group.Go(func() error {
			outcome := p.processItem(ctx, item, actor)
			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch outcome {
			case outcomeSent:
				result.Sent++
			case outcomeRetried:
				result.Retried++
			case outcomeFailed:
				result.Failed++
			case outcomeAwaitingManual:
				result.AwaitingManual++
			case outcomeConflict:
				result.Conflicts++
			}
			return nil
		})
	}
	_ = group.Wait()

	p.logger.Info("queue cycle complete",
		logging.String(logging.FieldTenantID, tenantID),
		logging.Int("processed", result.Processed),
		logging.Int("sent", result.Sent),
		logging.Int("retried", result.Retried),
		logging.Int("failed", result.Failed),
		logging.Int("awaiting_manual", result.AwaitingManual),
		logging.Int("reclaimed", result.Reclaimed),
		logging.String(logging.FieldEventType, "queue_cycle_complete"),
	)
	p.publish(ctx, notifications.EventCycleCompleted, notifications.Payload{
		"sent":    result.Sent,
		"failed":  result.Failed,
		"retried": result.Retried,
	})
	return result, claimErr
}

func (p *Processor) processItem(ctx context.Context, item *enforcement.QueueItem, actor enforcement.Actor) itemOutcome {
	logger := p.logger.With(
		logging.String(logging.FieldQueueItemID, item.ID),
		logging.String(logging.FieldInfringementID, item.InfringementID),
		logging.String(logging.FieldBatchID, item.BatchID),
	)

	// Items wait for a dispatch slot after the cycle claims them. Renew the
	// claim first so one that aged past the stale window and was taken by
	// another cycle is dropped here instead of being sent twice.
	if item.ClaimedAt == nil {
		return p.commitConflict(logger, "renew claim",
			services.Wrap(services.ErrIllegalTransition, component, "renew claim", "queue item has no claim", nil))
	}
	renewed, err := p.store.RenewClaim(ctx, item.ID, *item.ClaimedAt, p.now())
	if err != nil {
		return p.commitConflict(logger, "renew claim", err)
	}
	item.ClaimedAt = &renewed

	inf, err := p.store.GetInfringement(ctx, item.InfringementID)
	if err != nil {
		return p.fail(ctx, logger, item, actor, err)
	}
	if !inf.Status.IsOpen() {
		return p.fail(ctx, logger, item, actor, services.Wrap(services.ErrPermanent, component, "dispatch",
			"infringement is "+string(inf.Status)+"; notice withdrawn", nil))
	}
	notice, err := p.composer.Compose(ctx, inf, item.Target)
	if err != nil {
		return p.fail(ctx, logger, item, actor, services.Wrap(services.ErrTransient, component, "compose", "render notice", err))
	}

	outcome, err := p.dispatch(ctx, item, inf, notice)
	if err != nil {
		return p.fail(ctx, logger, item, actor, err)
	}

	switch outcome.Kind {
	case delivery.OutcomeAwaitingManual:
		if _, err := p.store.ParkForManual(ctx, item.ID, outcome.Instructions); err != nil {
			return p.commitConflict(logger, "park for manual submission", err)
		}
		metrics.DispatchTotal.WithLabelValues(string(item.Method), "awaiting_manual").Inc()
		logger.Info("queue item awaiting manual submission",
			logging.String("target", item.Target.Name),
			logging.String(logging.FieldEventType, "awaiting_manual"),
		)
		p.publish(ctx, notifications.EventManualActionNeeded, notifications.Payload{
			"instructions": outcome.Instructions,
		})
		return outcomeAwaitingManual
	default:
		takedown, err := p.store.CompleteDelivery(ctx, item.ID, store.Delivery{
			ProviderMessageID: outcome.ProviderMessageID,
			Notice:            notice.String(),
			SentAt:            p.now(),
			ClaimedAt:         *item.ClaimedAt,
		}, actor)
		if err != nil {
			return p.commitConflict(logger, "complete delivery", err)
		}
		metrics.DispatchTotal.WithLabelValues(string(item.Method), "sent").Inc()
		logger.Info("takedown delivered",
			logging.String("takedown_id", takedown.ID),
			logging.String("target", item.Target.Name),
			logging.String("provider_message_id", outcome.ProviderMessageID),
			logging.String(logging.FieldEventType, "takedown_delivered"),
		)
		return outcomeSent
	}
}

// dispatch runs the channel call under its own timeout. No store state is
// held while it runs.
func (p *Processor) dispatch(ctx context.Context, item *enforcement.QueueItem, inf *enforcement.Infringement, notice delivery.Notice) (delivery.Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	metrics.DispatchInFlight.Inc()
	defer metrics.DispatchInFlight.Dec()
	started := time.Now()
	outcome, err := p.dispatcher.Dispatch(callCtx, delivery.Request{Item: item, Infringement: inf, Notice: notice})
	metrics.DispatchDurationSeconds.WithLabelValues(string(item.Method)).Observe(time.Since(started).Seconds())
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, services.ErrTimeout) {
		err = services.Wrap(services.ErrTimeout, component, "dispatch", "delivery call timed out", err)
	}
	return outcome, err
}

func (p *Processor) fail(ctx context.Context, logger *slog.Logger, item *enforcement.QueueItem, actor enforcement.Actor, cause error) itemOutcome {
	attempts := item.Attempts + 1
	maxAttempts := item.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.maxAttempts()
	}
	kind := services.Classify(cause)
	terminal := kind == services.FailurePermanent || attempts >= maxAttempts
	update := store.FailureUpdate{
		Attempts: attempts,
		Terminal: terminal,
		Error:    cause.Error(),
		Kind:     kind,
	}
	if item.ClaimedAt != nil {
		update.ClaimedAt = *item.ClaimedAt
	}
	if !terminal {
		update.NextRunAt = p.now().Add(Backoff(attempts, p.cfg.BackoffBase(), p.cfg.BackoffMax()))
	}

	updated, err := p.store.RecordFailure(ctx, item.ID, update, actor)
	if err != nil {
		return p.commitConflict(logger, "record failure", err)
	}
	if terminal {
		metrics.DispatchTotal.WithLabelValues(string(item.Method), "failed").Inc()
		logger.Warn("queue item failed",
			logging.String("target", item.Target.Name),
			logging.Int("attempts", attempts),
			logging.String("failure_kind", string(kind)),
			logging.Error(cause),
			logging.String(logging.FieldEventType, "queue_item_failed"),
			logging.String(logging.FieldErrorHint, "close the item through manual submission once delivered by hand"),
			logging.String(logging.FieldImpact, "no further automatic retries"),
		)
		p.publish(ctx, notifications.EventQueueItemFailed, notifications.Payload{
			"target":   item.Target.Name,
			"attempts": attempts,
			"error":    cause.Error(),
		})
		return outcomeFailed
	}
	metrics.DispatchTotal.WithLabelValues(string(item.Method), "retried").Inc()
	logger.Info("queue item scheduled for retry",
		logging.String("target", item.Target.Name),
		logging.Int("attempts", attempts),
		logging.Time("next_run_at", updated.ScheduledFor),
		logging.Error(cause),
		logging.String(logging.FieldEventType, "queue_item_retry"),
	)
	return outcomeRetried
}

// commitConflict records a lost race at commit time. The item changed under us,
// for example after a stale reclaim, so the commit is a no-op.
func (p *Processor) commitConflict(logger *slog.Logger, op string, err error) itemOutcome {
	if services.IsRejection(err) {
		logger.Warn("queue item commit rejected",
			logging.String("operation", op),
			logging.Error(err),
			logging.String(logging.FieldEventType, "queue_commit_conflict"),
		)
	} else {
		logger.Error("queue item commit failed",
			logging.String("operation", op),
			logging.Error(err),
			logging.String(logging.FieldEventType, "queue_commit_failed"),
			logging.String(logging.FieldErrorHint, "the item stays processing and is reclaimed after the stale window"),
		)
	}
	return outcomeConflict
}

func (p *Processor) publish(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := p.notifier.Publish(ctx, event, payload); err != nil {
		p.logger.Debug("notification failed", logging.String("event", string(event)), logging.Error(err))
	}
}

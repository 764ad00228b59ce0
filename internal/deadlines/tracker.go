package deadlines

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"enforcer/internal/config"
	"enforcer/internal/enforcement"
	"enforcer/internal/logging"
	"enforcer/internal/metrics"
	"enforcer/internal/notifications"
	"enforcer/internal/sendqueue"
	"enforcer/internal/services"
	"enforcer/internal/store"
)

const component = "deadlines"

// Store is the persistence surface the tracker reads and stamps.
type Store interface {
	OpenTakedowns(ctx context.Context) ([]store.OpenTakedown, error)
	MarkTakedownsOverdue(ctx context.Context, ids []string, at time.Time) (int64, error)
	AwaitingManualItems(ctx context.Context) ([]*enforcement.QueueItem, error)
	MarkQueueItemsOverdue(ctx context.Context, ids []string, at time.Time) (int64, error)
	ActiveWithoutTakedown(ctx context.Context, cutoff time.Time) ([]store.ActiveInfringement, error)
	QueuedTiers(ctx context.Context, infringementID string) ([]enforcement.TargetTier, error)
	FlagStaleReviews(ctx context.Context, cutoff time.Time) (int64, error)
	TransitionInfringement(ctx context.Context, id string, event enforcement.Event, actor enforcement.Actor, reason string) (*enforcement.Infringement, error)
}

// Enqueuer executes an escalation by queuing the next target.
type Enqueuer interface {
	Enqueue(ctx context.Context, caller enforcement.Caller, infringementID string, targets []enforcement.Target) (sendqueue.EnqueueResult, error)
}

// Suggestion proposes the next enforcement step for an overdue record.
// NextStep is nil when no concrete target could be resolved; such
// suggestions are never executed automatically.
type Suggestion struct {
	InfringementID string                 `json:"infringement_id"`
	TakedownID     string                 `json:"takedown_id,omitempty"`
	QueueItemID    string                 `json:"queue_item_id,omitempty"`
	TenantID       string                 `json:"tenant_id"`
	SourceURL      string                 `json:"source_url"`
	Stage          Stage                  `json:"stage"`
	CurrentTier    enforcement.TargetTier `json:"current_tier,omitempty"`
	SuggestedTier  enforcement.TargetTier `json:"suggested_tier,omitempty"`
	Reason         string                 `json:"reason"`
	DueAt          time.Time              `json:"due_at"`
	NextStep       *enforcement.Target    `json:"next_step,omitempty"`
}

// Result summarizes a deadline check.
type Result struct {
	UpdatedCount int          `json:"updated_count"`
	Suggestions  []Suggestion `json:"suggestions"`
}

// ReviewResult summarizes a review-staleness check.
type ReviewResult struct {
	ReviewedCount int `json:"reviewed_count"`
}

// Escalation reports what AutoEscalate did with a suggestion.
type Escalation struct {
	Executed bool                    `json:"executed"`
	Reason   string                  `json:"reason,omitempty"`
	Enqueued sendqueue.EnqueueResult `json:"enqueued,omitempty"`
}

// Tracker checks deadlines and executes escalations.
type Tracker struct {
	store    Store
	enqueuer Enqueuer
	resolver sendqueue.TargetResolver
	notifier notifications.Service
	policy   Policy
	cfg      config.Deadlines
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures optional Tracker behavior.
type Option func(*Tracker)

// WithResolver sets the resolver used to turn a suggested tier into a target.
func WithResolver(r sendqueue.TargetResolver) Option {
	return func(t *Tracker) { t.resolver = r }
}

// WithEnqueuer sets the queue used to execute escalations.
func WithEnqueuer(e Enqueuer) Option {
	return func(t *Tracker) { t.enqueuer = e }
}

// WithNotifier sets the notification service.
func WithNotifier(n notifications.Service) Option {
	return func(t *Tracker) {
		if n != nil {
			t.notifier = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker constructs a tracker over st.
func NewTracker(st Store, cfg config.Deadlines, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:    st,
		notifier: notifications.NewService(nil),
		policy:   PolicyFromConfig(cfg),
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, component),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Policy returns the windows the tracker applies.
func (t *Tracker) Policy() Policy { return t.policy }

// CheckDeadlines stamps overdue takedowns and parked queue items, then derives
// escalation suggestions from current state.
func (t *Tracker) CheckDeadlines(ctx context.Context) (Result, error) {
	now := t.now()
	var result Result

	open, err := t.store.OpenTakedowns(ctx)
	if err != nil {
		return result, err
	}
	var overdueTakedowns []string
	var freshlyOverdue []Suggestion
	for _, entry := range open {
		td := entry.Takedown
		base := td.CreatedAt
		if td.SubmittedAt != nil {
			base = *td.SubmittedAt
		}
		due := t.policy.DueAt(StageAwaitingResponse, td.Tier, base)
		if !now.After(due) {
			continue
		}
		if td.OverdueAt == nil {
			overdueTakedowns = append(overdueTakedowns, td.ID)
		}
		suggestion, ok, err := t.responseSuggestion(ctx, entry, due)
		if err != nil {
			return result, err
		}
		if !ok {
			continue
		}
		result.Suggestions = append(result.Suggestions, suggestion)
		if td.OverdueAt == nil {
			freshlyOverdue = append(freshlyOverdue, suggestion)
		}
	}
	marked, err := t.store.MarkTakedownsOverdue(ctx, overdueTakedowns, now)
	if err != nil {
		return result, err
	}
	result.UpdatedCount += int(marked)
	metrics.OverdueMarkedTotal.WithLabelValues("takedown").Add(float64(marked))

	parked, err := t.store.AwaitingManualItems(ctx)
	if err != nil {
		return result, err
	}
	var overdueItems []string
	for _, item := range parked {
		base := item.UpdatedAt
		if item.ClaimedAt != nil {
			base = *item.ClaimedAt
		}
		due := t.policy.DueAt(StageAwaitingManual, item.Target.Tier, base)
		if !now.After(due) {
			continue
		}
		if item.OverdueAt == nil {
			overdueItems = append(overdueItems, item.ID)
		}
		result.Suggestions = append(result.Suggestions, Suggestion{
			InfringementID: item.InfringementID,
			QueueItemID:    item.ID,
			TenantID:       item.TenantID,
			Stage:          StageAwaitingManual,
			CurrentTier:    item.Target.Tier,
			Reason:         fmt.Sprintf("notice to %s is still awaiting manual submission", item.Target.Name),
			DueAt:          due,
		})
	}
	markedItems, err := t.store.MarkQueueItemsOverdue(ctx, overdueItems, now)
	if err != nil {
		return result, err
	}
	result.UpdatedCount += int(markedItems)
	metrics.OverdueMarkedTotal.WithLabelValues("queue_item").Add(float64(markedItems))

	if t.policy.ActiveWithoutTakedown > 0 {
		idle, err := t.store.ActiveWithoutTakedown(ctx, now.Add(-t.policy.ActiveWithoutTakedown))
		if err != nil {
			return result, err
		}
		for _, entry := range idle {
			inf := entry.Infringement
			suggestion := Suggestion{
				InfringementID: inf.ID,
				TenantID:       entry.TenantID,
				SourceURL:      inf.SourceURL,
				Stage:          StageActiveWithoutTakedown,
				SuggestedTier:  enforcement.TierPlatform,
				Reason:         "confirmed infringement has no takedown yet",
				DueAt:          t.policy.DueAt(StageActiveWithoutTakedown, "", inf.UpdatedAt),
			}
			next, err := t.resolveFirst(ctx, inf)
			if err != nil {
				return result, err
			}
			if next != nil {
				suggestion.SuggestedTier = next.Tier
				suggestion.NextStep = next
			}
			result.Suggestions = append(result.Suggestions, suggestion)
		}
	}

	metrics.EscalationsTotal.WithLabelValues("suggested").Add(float64(len(result.Suggestions)))
	if marked > 0 {
		t.publish(ctx, notifications.EventTakedownsOverdue, notifications.Payload{"count": marked})
	}
	for _, s := range freshlyOverdue {
		t.publish(ctx, notifications.EventEscalationSuggested, notifications.Payload{
			"url":           s.SourceURL,
			"currentTier":   string(s.CurrentTier),
			"suggestedTier": string(s.SuggestedTier),
		})
	}

	t.logger.Info("deadline check complete",
		logging.Int("updated", result.UpdatedCount),
		logging.Int("suggestions", len(result.Suggestions)),
		logging.String(logging.FieldEventType, "deadline_check_complete"),
	)
	return result, nil
}

// responseSuggestion proposes the tier after the takedown's tier. No
// suggestion is made at the last tier or when a later tier is already queued
// or sent.
func (t *Tracker) responseSuggestion(ctx context.Context, entry store.OpenTakedown, due time.Time) (Suggestion, bool, error) {
	td := entry.Takedown
	nextTier, ok := td.Tier.Next()
	if !ok {
		return Suggestion{}, false, nil
	}
	queued, err := t.store.QueuedTiers(ctx, td.InfringementID)
	if err != nil {
		return Suggestion{}, false, err
	}
	for _, tier := range queued {
		if tier.Rank() > td.Tier.Rank() {
			return Suggestion{}, false, nil
		}
	}

	suggestion := Suggestion{
		InfringementID: td.InfringementID,
		TakedownID:     td.ID,
		TenantID:       entry.TenantID,
		SourceURL:      entry.Infringement.SourceURL,
		Stage:          StageAwaitingResponse,
		CurrentTier:    td.Tier,
		SuggestedTier:  nextTier,
		Reason: fmt.Sprintf("%s did not act within %s",
			displayRecipient(td), t.policy.ResponseWindow(td.Tier)),
		DueAt: due,
	}
	next, err := t.resolveTier(ctx, entry.Infringement, nextTier)
	if err != nil {
		return Suggestion{}, false, err
	}
	suggestion.NextStep = next
	return suggestion, true, nil
}

func (t *Tracker) resolveTier(ctx context.Context, inf *enforcement.Infringement, tier enforcement.TargetTier) (*enforcement.Target, error) {
	if t.resolver == nil {
		return nil, nil
	}
	targets, err := t.resolver.Resolve(ctx, inf)
	if err != nil {
		return nil, fmt.Errorf("resolve escalation target: %w", err)
	}
	for _, target := range targets {
		if target.Tier == tier && target.Validate() == nil {
			found := target
			return &found, nil
		}
	}
	return nil, nil
}

func (t *Tracker) resolveFirst(ctx context.Context, inf *enforcement.Infringement) (*enforcement.Target, error) {
	if t.resolver == nil {
		return nil, nil
	}
	targets, err := t.resolver.Resolve(ctx, inf)
	if err != nil {
		return nil, fmt.Errorf("resolve first target: %w", err)
	}
	for _, target := range targets {
		if target.Validate() == nil {
			found := target
			return &found, nil
		}
	}
	return nil, nil
}

// AutoEscalate executes a suggestion by enqueuing its NextStep as the
// automation caller. It does nothing when auto escalation is disabled, when
// the suggestion has no concrete next step, or when that tier is already
// queued for the infringement.
func (t *Tracker) AutoEscalate(ctx context.Context, s Suggestion) (Escalation, error) {
	if !t.cfg.AutoEscalate {
		return Escalation{Reason: "auto escalation disabled"}, nil
	}
	if s.NextStep == nil {
		metrics.EscalationsTotal.WithLabelValues("skipped_ambiguous").Inc()
		return Escalation{Reason: "suggestion has no concrete next step"}, nil
	}
	if t.enqueuer == nil {
		return Escalation{}, services.Wrap(services.ErrConfiguration, component, "auto escalate", "no queue configured", nil)
	}
	queued, err := t.store.QueuedTiers(ctx, s.InfringementID)
	if err != nil {
		return Escalation{}, err
	}
	for _, tier := range queued {
		if tier == s.NextStep.Tier {
			metrics.EscalationsTotal.WithLabelValues("skipped_queued").Inc()
			return Escalation{Reason: "tier already queued"}, nil
		}
	}

	enqueued, err := t.enqueuer.Enqueue(ctx, enforcement.AutomationCaller(), s.InfringementID, []enforcement.Target{*s.NextStep})
	if err != nil {
		return Escalation{}, err
	}
	metrics.EscalationsTotal.WithLabelValues("executed").Inc()
	t.logger.Info("escalation enqueued",
		logging.String(logging.FieldInfringementID, s.InfringementID),
		logging.String(logging.FieldBatchID, enqueued.BatchID),
		logging.String("stage", string(s.Stage)),
		logging.String("tier", string(s.NextStep.Tier)),
		logging.String(logging.FieldEventType, "escalation_enqueued"),
	)
	return Escalation{Executed: true, Enqueued: enqueued}, nil
}

// CheckAndEscalate runs CheckDeadlines and, when enabled, AutoEscalate on
// every suggestion. A failed escalation is logged and does not stop the rest.
func (t *Tracker) CheckAndEscalate(ctx context.Context) (Result, int, error) {
	result, err := t.CheckDeadlines(ctx)
	if err != nil || !t.cfg.AutoEscalate {
		return result, 0, err
	}
	executed := 0
	for _, s := range result.Suggestions {
		escalation, err := t.AutoEscalate(ctx, s)
		if err != nil {
			logging.WarnWithContext(t.logger, "auto escalation failed", "escalation_failed",
				logging.String(logging.FieldInfringementID, s.InfringementID),
				logging.Error(err),
				logging.String(logging.FieldImpact, "suggestion remains for the next run"),
			)
			continue
		}
		if escalation.Executed {
			executed++
		}
	}
	return result, executed, nil
}

// CheckInfringementReviews flags pending verifications older than the review
// staleness window. Flagged items are never resolved here.
func (t *Tracker) CheckInfringementReviews(ctx context.Context) (ReviewResult, error) {
	if t.policy.ReviewStale <= 0 {
		return ReviewResult{}, nil
	}
	flagged, err := t.store.FlagStaleReviews(ctx, t.now().Add(-t.policy.ReviewStale))
	if err != nil {
		return ReviewResult{}, err
	}
	metrics.ReviewsFlaggedTotal.Add(float64(flagged))
	if flagged > 0 {
		t.logger.Info("stale reviews flagged",
			logging.Int64("count", flagged),
			logging.String(logging.FieldEventType, "reviews_flagged"),
		)
		t.publish(ctx, notifications.EventReviewBacklog, notifications.Payload{"count": flagged})
	}
	return ReviewResult{ReviewedCount: int(flagged)}, nil
}

// HandleRelist reopens removed infringements that were detected again. It is
// a no-op unless auto reopen on relist is enabled; illegal transitions (the
// item is no longer removed) are skipped.
func (t *Tracker) HandleRelist(ctx context.Context, infringementIDs []string) (int, error) {
	if !t.cfg.AutoReopenOnRelist || len(infringementIDs) == 0 {
		return 0, nil
	}
	actor := enforcement.AutomationActor(component)
	reopened := 0
	for _, id := range infringementIDs {
		_, err := t.store.TransitionInfringement(ctx, id, enforcement.EventReopen, actor, "re-detected after removal")
		if err != nil {
			if services.IsRejection(err) {
				t.logger.Debug("relist reopen skipped", logging.String(logging.FieldInfringementID, id), logging.Error(err))
				continue
			}
			return reopened, err
		}
		reopened++
		t.logger.Info("infringement reopened after relist",
			logging.String(logging.FieldInfringementID, id),
			logging.String(logging.FieldEventType, "infringement_relisted"),
		)
	}
	return reopened, nil
}

func (t *Tracker) publish(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := t.notifier.Publish(ctx, event, payload); err != nil {
		t.logger.Debug("notification failed", logging.String("event", string(event)), logging.Error(err))
	}
}

func displayRecipient(td *enforcement.Takedown) string {
	if td.Recipient != "" {
		return td.Recipient
	}
	return string(td.Tier) + " recipient"
}

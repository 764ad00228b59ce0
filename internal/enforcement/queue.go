package enforcement

import (
	"fmt"
	"strings"
	"time"

	"enforcer/internal/services"
)

// QueueStatus represents the lifecycle of a takedown queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed"
)

var allQueueStatuses = []QueueStatus{QueuePending, QueueProcessing, QueueSent, QueueFailed}

// QueueEvent drives the queue item state machine.
type QueueEvent string

const (
	QueueEventClaim        QueueEvent = "claim"
	QueueEventDelivered    QueueEvent = "delivered"
	QueueEventRetry        QueueEvent = "retry"
	QueueEventFail         QueueEvent = "fail"
	QueueEventReclaim      QueueEvent = "reclaim"
	QueueEventManualSubmit QueueEvent = "manual_submit"
)

type queueTransition struct {
	from  QueueStatus
	event QueueEvent
}

// A terminally failed item can only leave failed through a manual submission.
var queueTransitions = map[queueTransition]QueueStatus{
	{QueuePending, QueueEventClaim}:           QueueProcessing,
	{QueueProcessing, QueueEventDelivered}:    QueueSent,
	{QueueProcessing, QueueEventRetry}:        QueuePending,
	{QueueProcessing, QueueEventFail}:         QueueFailed,
	{QueueProcessing, QueueEventReclaim}:      QueuePending,
	{QueueProcessing, QueueEventManualSubmit}: QueueSent,
	{QueueFailed, QueueEventManualSubmit}:     QueueSent,
}

// NextQueueStatus returns the status reached by applying event to current.
func NextQueueStatus(current QueueStatus, event QueueEvent) (QueueStatus, error) {
	next, ok := queueTransitions[queueTransition{from: current, event: event}]
	if !ok {
		return current, fmt.Errorf("%w: queue item %s --%s-->", services.ErrIllegalTransition, current, event)
	}
	return next, nil
}

// AllQueueStatuses returns the ordered list of queue statuses.
func AllQueueStatuses() []QueueStatus {
	cp := make([]QueueStatus, len(allQueueStatuses))
	copy(cp, allQueueStatuses)
	return cp
}

// ParseQueueStatus converts a string into a known queue status.
func ParseQueueStatus(value string) (QueueStatus, bool) {
	normalized := QueueStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allQueueStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsClosed reports whether the item has reached a terminal status.
func (s QueueStatus) IsClosed() bool {
	return s == QueueSent || s == QueueFailed
}

// DeliveryMethod selects the channel a queue item is dispatched through.
type DeliveryMethod string

const (
	MethodDirectEmail DeliveryMethod = "direct_email"
	MethodWebForm     DeliveryMethod = "web_form"
	MethodManual      DeliveryMethod = "manual"
)

// ParseDeliveryMethod converts a string into a known delivery method.
func ParseDeliveryMethod(value string) (DeliveryMethod, bool) {
	switch m := DeliveryMethod(strings.ToLower(strings.TrimSpace(value))); m {
	case MethodDirectEmail, MethodWebForm, MethodManual:
		return m, true
	default:
		return "", false
	}
}

// TargetTier names the authority a notice is addressed to.
type TargetTier string

const (
	TierPlatform     TargetTier = "platform"
	TierHosting      TargetTier = "hosting"
	TierRegistrar    TargetTier = "registrar"
	TierSearchEngine TargetTier = "search_engine"
)

var tierOrder = []TargetTier{TierPlatform, TierHosting, TierRegistrar, TierSearchEngine}

// Rank returns the escalation position of the tier, or -1 if unknown.
func (t TargetTier) Rank() int {
	for i, tier := range tierOrder {
		if tier == t {
			return i
		}
	}
	return -1
}

// Next returns the tier escalated to after t. The second value is false when
// t is the last tier or unknown.
func (t TargetTier) Next() (TargetTier, bool) {
	rank := t.Rank()
	if rank < 0 || rank+1 >= len(tierOrder) {
		return "", false
	}
	return tierOrder[rank+1], true
}

// ParseTargetTier converts a string into a known tier.
func ParseTargetTier(value string) (TargetTier, bool) {
	tier := TargetTier(strings.ToLower(strings.TrimSpace(value)))
	if tier.Rank() < 0 {
		return "", false
	}
	return tier, true
}

// Target is one enforcement recipient resolved for an infringement.
type Target struct {
	Tier      TargetTier     `json:"tier" yaml:"tier"`
	Name      string         `json:"name" yaml:"name"`
	Method    DeliveryMethod `json:"method" yaml:"method"`
	Recipient string         `json:"recipient,omitempty" yaml:"recipient,omitempty"`
	FormURL   string         `json:"form_url,omitempty" yaml:"form_url,omitempty"`
}

// Validate checks the target is dispatchable through its method.
func (t Target) Validate() error {
	if t.Tier.Rank() < 0 {
		return fmt.Errorf("%w: unknown target tier %q", services.ErrValidation, t.Tier)
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: target name is required", services.ErrValidation)
	}
	switch t.Method {
	case MethodDirectEmail:
		if !strings.Contains(t.Recipient, "@") {
			return fmt.Errorf("%w: target %s requires an email recipient", services.ErrValidation, t.Name)
		}
	case MethodWebForm:
		if strings.TrimSpace(t.FormURL) == "" {
			return fmt.Errorf("%w: target %s requires a form url", services.ErrValidation, t.Name)
		}
	case MethodManual:
	default:
		return fmt.Errorf("%w: unknown delivery method %q", services.ErrValidation, t.Method)
	}
	return nil
}

// QueueBatch groups queue items created together.
type QueueBatch struct {
	ID        string
	TenantID  string
	ProductID string
	CreatedBy string
	CreatedAt time.Time
}

// BatchProgress is derived from the current state of a batch's items.
type BatchProgress struct {
	BatchID    string
	Total      int
	Pending    int
	Processing int
	Sent       int
	Failed     int
}

// Done reports whether every item in the batch is closed.
func (p BatchProgress) Done() bool {
	return p.Total > 0 && p.Sent+p.Failed == p.Total
}

// QueueItem is one takedown notice to deliver to one target.
type QueueItem struct {
	ID                string
	BatchID           string
	InfringementID    string
	TenantID          string
	Target            Target
	Method            DeliveryMethod
	Status            QueueStatus
	Attempts          int
	MaxAttempts       int
	ScheduledFor      time.Time
	ClaimedAt         *time.Time
	LastError         string
	FailureKind       services.FailureKind
	ProviderMessageID string
	Instructions      string
	OverdueAt         *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AwaitingManual reports whether the item is parked for a human to close.
func (i QueueItem) AwaitingManual() bool {
	return i.Status == QueueProcessing && i.Instructions != ""
}

// TakedownStatus represents the lifecycle of a takedown record.
type TakedownStatus string

const (
	TakedownDraft    TakedownStatus = "draft"
	TakedownSent     TakedownStatus = "sent"
	TakedownResolved TakedownStatus = "resolved"
	TakedownFailed   TakedownStatus = "failed"
)

var takedownTransitions = map[TakedownStatus][]TakedownStatus{
	TakedownDraft: {TakedownSent, TakedownFailed},
	TakedownSent:  {TakedownResolved, TakedownFailed},
}

// CanTransitionTakedown reports whether from -> to is a legal takedown move.
func CanTransitionTakedown(from, to TakedownStatus) bool {
	for _, candidate := range takedownTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Takedown is the legal record of one submitted notice.
type Takedown struct {
	ID                string
	InfringementID    string
	QueueItemID       string
	Status            TakedownStatus
	Tier              TargetTier
	Recipient         string
	Method            DeliveryMethod
	Notice            string
	ProviderMessageID string
	SubmittedAt       *time.Time
	ResolvedAt        *time.Time
	OverdueAt         *time.Time
	CreatedAt         time.Time
}

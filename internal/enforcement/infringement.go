package enforcement

import (
	"fmt"
	"strings"
	"time"

	"enforcer/internal/services"
)

// InfringementStatus represents the lifecycle of an infringement.
type InfringementStatus string

const (
	StatusPendingVerification InfringementStatus = "pending_verification"
	StatusActive              InfringementStatus = "active"
	StatusRejected            InfringementStatus = "rejected"
	StatusTakedownSent        InfringementStatus = "takedown_sent"
	StatusRemoved             InfringementStatus = "removed"
)

var allInfringementStatuses = []InfringementStatus{
	StatusPendingVerification,
	StatusActive,
	StatusRejected,
	StatusTakedownSent,
	StatusRemoved,
}

// Event is an actor-triggered input to the infringement state machine.
type Event string

const (
	EventVerifyConfirmed Event = "verify_confirmed"
	EventVerifyRejected  Event = "verify_rejected"
	EventTakedownSent    Event = "takedown_sent"
	EventMarkRemoved     Event = "mark_removed"
	EventReopen          Event = "reopen"
)

type infringementTransition struct {
	from  InfringementStatus
	event Event
}

var infringementTransitions = map[infringementTransition]InfringementStatus{
	{StatusPendingVerification, EventVerifyConfirmed}: StatusActive,
	{StatusPendingVerification, EventVerifyRejected}:  StatusRejected,
	{StatusActive, EventTakedownSent}:                 StatusTakedownSent,
	{StatusActive, EventMarkRemoved}:                  StatusRemoved,
	{StatusTakedownSent, EventMarkRemoved}:            StatusRemoved,
	{StatusTakedownSent, EventReopen}:                 StatusActive,
	{StatusRemoved, EventReopen}:                      StatusActive,
}

// NextStatus returns the status reached by applying event to current. Any pair
// outside the legal table yields an error wrapping services.ErrIllegalTransition.
func NextStatus(current InfringementStatus, event Event) (InfringementStatus, error) {
	next, ok := infringementTransitions[infringementTransition{from: current, event: event}]
	if !ok {
		return current, fmt.Errorf("%w: infringement %s --%s-->", services.ErrIllegalTransition, current, event)
	}
	return next, nil
}

// AllInfringementStatuses returns the ordered list of known statuses.
func AllInfringementStatuses() []InfringementStatus {
	cp := make([]InfringementStatus, len(allInfringementStatuses))
	copy(cp, allInfringementStatuses)
	return cp
}

// ParseInfringementStatus converts a string into a known status.
func ParseInfringementStatus(value string) (InfringementStatus, bool) {
	normalized := InfringementStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allInfringementStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether the pipeline stops acting on an infringement in
// this status. Removed items can still be reopened by an explicit actor.
func (s InfringementStatus) IsTerminal() bool {
	return s == StatusRemoved || s == StatusRejected
}

// IsOpen reports whether enforcement work is still outstanding.
func (s InfringementStatus) IsOpen() bool {
	return s == StatusActive || s == StatusTakedownSent
}

// RiskTier orders infringements by business impact.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// Rank returns the ordinal of the tier; unknown tiers rank below low.
func (r RiskTier) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// Less reports whether r is strictly lower than other.
func (r RiskTier) Less(other RiskTier) bool {
	return r.Rank() < other.Rank()
}

// ParseRiskTier converts a string into a known tier.
func ParseRiskTier(value string) (RiskTier, bool) {
	tier := RiskTier(strings.ToLower(strings.TrimSpace(value)))
	if tier.Rank() == 0 {
		return "", false
	}
	return tier, true
}

// RiskTierForSeverity buckets a 0-100 severity score.
func RiskTierForSeverity(score float64) RiskTier {
	switch {
	case score >= 85:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}

// InfrastructureProfile captures hosting and registrar data gathered for an
// infringing host.
type InfrastructureProfile struct {
	HostingProvider string `json:"hosting_provider,omitempty"`
	Registrar       string `json:"registrar,omitempty"`
	AbuseEmail      string `json:"abuse_email,omitempty"`
	IPAddress       string `json:"ip_address,omitempty"`
	Country         string `json:"country,omitempty"`
	CDN             string `json:"cdn,omitempty"`
}

// Infringement is a detected copy of protected content at one URL.
type Infringement struct {
	ID                     string
	ProductID              string
	ScanID                 string
	SourceURL              string
	URLKey                 string
	Domain                 string
	Platform               string
	Category               string
	RiskTier               RiskTier
	Severity               float64
	Status                 InfringementStatus
	FirstSeenAt            time.Time
	LastSeenAt             time.Time
	SeenCount              int
	Infrastructure         *InfrastructureProfile
	EstimatedRevenueImpact *float64
	ReviewFlaggedAt        *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Verdict is the outcome of a human review of a detection.
type Verdict string

const (
	VerdictConfirmed Verdict = "confirmed"
	VerdictRejected  Verdict = "rejected"
)

// Event returns the state-machine event a verdict triggers.
func (v Verdict) Event() (Event, error) {
	switch v {
	case VerdictConfirmed:
		return EventVerifyConfirmed, nil
	case VerdictRejected:
		return EventVerifyRejected, nil
	default:
		return "", fmt.Errorf("%w: unknown verdict %q", services.ErrValidation, v)
	}
}

// Verification is one reviewed detection; the precision engine aggregates these.
type Verification struct {
	ID             string
	InfringementID string
	Category       string
	Verdict        Verdict
	Actor          Actor
	CreatedAt      time.Time
}

// CategoryCount is the raw per-category tally the precision engine aggregates.
// Category keys may carry sub-dimensions such as "torrent_search:en".
type CategoryCount struct {
	Category string
	Total    int
	Verified int
	Rejected int
}

package deadlines

import (
	"time"

	"enforcer/internal/config"
	"enforcer/internal/enforcement"
)

// Stage names the enforcement step a deadline applies to.
type Stage string

const (
	StageAwaitingResponse      Stage = "takedown_awaiting_response"
	StageActiveWithoutTakedown Stage = "active_without_takedown"
	StageAwaitingManual        Stage = "awaiting_manual_submission"
)

const day = 24 * time.Hour

// Policy holds the response windows per stage and target tier.
type Policy struct {
	Response              map[enforcement.TargetTier]time.Duration
	ActiveWithoutTakedown time.Duration
	AwaitingManual        time.Duration
	ReviewStale           time.Duration
}

// PolicyFromConfig converts the deadlines config section into a Policy.
func PolicyFromConfig(cfg config.Deadlines) Policy {
	return Policy{
		Response: map[enforcement.TargetTier]time.Duration{
			enforcement.TierPlatform:     time.Duration(cfg.PlatformDays) * day,
			enforcement.TierHosting:      time.Duration(cfg.HostingDays) * day,
			enforcement.TierRegistrar:    time.Duration(cfg.RegistrarDays) * day,
			enforcement.TierSearchEngine: time.Duration(cfg.SearchEngineDays) * day,
		},
		ActiveWithoutTakedown: time.Duration(cfg.ActiveWithoutTakedownDays) * day,
		AwaitingManual:        time.Duration(cfg.ManualAwaitingDays) * day,
		ReviewStale:           cfg.ReviewStale(),
	}
}

// ResponseWindow returns how long a recipient at tier has to act. Unknown
// tiers get the longest configured window.
func (p Policy) ResponseWindow(tier enforcement.TargetTier) time.Duration {
	if window, ok := p.Response[tier]; ok && window > 0 {
		return window
	}
	var longest time.Duration
	for _, window := range p.Response {
		longest = max(longest, window)
	}
	return longest
}

// DueAt computes the deadline for a record that entered stage at base.
func (p Policy) DueAt(stage Stage, tier enforcement.TargetTier, base time.Time) time.Time {
	switch stage {
	case StageAwaitingResponse:
		return base.Add(p.ResponseWindow(tier))
	case StageActiveWithoutTakedown:
		return base.Add(p.ActiveWithoutTakedown)
	case StageAwaitingManual:
		return base.Add(p.AwaitingManual)
	default:
		return base
	}
}

package httpapi

import (
	"time"

	"enforcer/internal/enforcement"
	"enforcer/internal/ledger"
	"enforcer/internal/precision"
)

type infringementView struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"product_id"`
	SourceURL   string    `json:"source_url"`
	Domain      string    `json:"domain"`
	Platform    string    `json:"platform,omitempty"`
	Category    string    `json:"category"`
	RiskTier    string    `json:"risk_tier"`
	Severity    float64   `json:"severity"`
	Status      string    `json:"status"`
	SeenCount   int       `json:"seen_count"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func toInfringementView(inf *enforcement.Infringement) infringementView {
	return infringementView{
		ID:          inf.ID,
		ProductID:   inf.ProductID,
		SourceURL:   inf.SourceURL,
		Domain:      inf.Domain,
		Platform:    inf.Platform,
		Category:    inf.Category,
		RiskTier:    string(inf.RiskTier),
		Severity:    inf.Severity,
		Status:      string(inf.Status),
		SeenCount:   inf.SeenCount,
		FirstSeenAt: inf.FirstSeenAt,
		LastSeenAt:  inf.LastSeenAt,
	}
}

type queueItemView struct {
	ID             string             `json:"id"`
	BatchID        string             `json:"batch_id"`
	InfringementID string             `json:"infringement_id"`
	Target         enforcement.Target `json:"target"`
	Status         string             `json:"status"`
	Attempts       int                `json:"attempts"`
	LastError      string             `json:"last_error,omitempty"`
	Instructions   string             `json:"instructions,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

func toQueueItemView(item *enforcement.QueueItem) *queueItemView {
	if item == nil {
		return nil
	}
	return &queueItemView{
		ID:             item.ID,
		BatchID:        item.BatchID,
		InfringementID: item.InfringementID,
		Target:         item.Target,
		Status:         string(item.Status),
		Attempts:       item.Attempts,
		LastError:      item.LastError,
		Instructions:   item.Instructions,
		CompletedAt:    item.CompletedAt,
	}
}

type takedownView struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Tier        string     `json:"tier"`
	Recipient   string     `json:"recipient,omitempty"`
	Method      string     `json:"method"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

func toTakedownView(td *enforcement.Takedown) *takedownView {
	if td == nil {
		return nil
	}
	return &takedownView{
		ID:          td.ID,
		Status:      string(td.Status),
		Tier:        string(td.Tier),
		Recipient:   td.Recipient,
		Method:      string(td.Method),
		SubmittedAt: td.SubmittedAt,
	}
}

type manualSubmitResponse struct {
	Item          *queueItemView `json:"item"`
	Takedown      *takedownView  `json:"takedown,omitempty"`
	AlreadyClosed bool           `json:"already_closed"`
}

type batchView struct {
	BatchID    string `json:"batch_id"`
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Done       bool   `json:"done"`
}

func toBatchView(p enforcement.BatchProgress) batchView {
	return batchView{
		BatchID:    p.BatchID,
		Total:      p.Total,
		Pending:    p.Pending,
		Processing: p.Processing,
		Sent:       p.Sent,
		Failed:     p.Failed,
		Done:       p.Done(),
	}
}

type scanStatsView struct {
	ScanID                 string         `json:"scan_id"`
	TotalRuns              int            `json:"total_runs"`
	URLsScanned            int            `json:"urls_scanned"`
	NewInfringements       int            `json:"new_infringements"`
	ReseenInfringements    int            `json:"reseen_infringements"`
	LookupsAvoided         int            `json:"lookups_avoided"`
	ClassificationsAvoided int            `json:"classifications_avoided"`
	AverageDurationMS      int64          `json:"average_duration_ms"`
	FirstRunAt             *time.Time     `json:"first_run_at,omitempty"`
	LastRunAt              *time.Time     `json:"last_run_at,omitempty"`
	Costs                  map[string]int `json:"costs,omitempty"`
}

func toScanStatsView(stats ledger.Statistics) scanStatsView {
	view := scanStatsView{
		ScanID:                 stats.ScanID,
		TotalRuns:              stats.TotalRuns,
		URLsScanned:            stats.URLsScanned,
		NewInfringements:       stats.NewInfringements,
		ReseenInfringements:    stats.ReseenInfringements,
		LookupsAvoided:         stats.LookupsAvoided,
		ClassificationsAvoided: stats.ClassificationsAvoided,
		AverageDurationMS:      stats.AverageDuration.Milliseconds(),
		FirstRunAt:             stats.FirstRunAt,
		LastRunAt:              stats.LastRunAt,
	}
	if len(stats.Costs) > 0 {
		view.Costs = make(map[string]int, len(stats.Costs))
		for kind, count := range stats.Costs {
			view.Costs[string(kind)] = count
		}
	}
	return view
}

type precisionView struct {
	Category     string   `json:"category"`
	Label        string   `json:"label"`
	TotalResults int      `json:"total_results"`
	Verified     int      `json:"verified"`
	Rejected     int      `json:"rejected"`
	Precision    *float64 `json:"precision"`
}

func toPrecisionViews(stats map[string]precision.Stat) []precisionView {
	sorted := precision.Sorted(stats)
	out := make([]precisionView, 0, len(sorted))
	for _, stat := range sorted {
		out = append(out, precisionView{
			Category:     stat.Category,
			Label:        precision.Label(stat.Category),
			TotalResults: stat.TotalResults,
			Verified:     stat.Verified,
			Rejected:     stat.Rejected,
			Precision:    stat.Precision,
		})
	}
	return out
}

type candidateView struct {
	URL            string                             `json:"url"`
	Platform       string                             `json:"platform,omitempty"`
	Category       string                             `json:"category,omitempty"`
	Title          string                             `json:"title,omitempty"`
	Snippet        string                             `json:"snippet,omitempty"`
	Infrastructure *enforcement.InfrastructureProfile `json:"infrastructure,omitempty"`
}

func (c candidateView) candidate() ledger.Candidate {
	return ledger.Candidate{
		URL:            c.URL,
		Platform:       c.Platform,
		Category:       c.Category,
		Title:          c.Title,
		Snippet:        c.Snippet,
		Infrastructure: c.Infrastructure,
	}
}

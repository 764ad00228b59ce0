package precision

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Thresholds controls which categories the advisory mentions.
type Thresholds struct {
	// Specific is the reviewed sample needed to describe the result's own category.
	Specific int
	// Ranking is the reviewed sample needed to appear in the top/bottom lists.
	Ranking int
	// Limit caps each of the top and bottom lists.
	Limit int
}

// DefaultThresholds returns the standard advisory thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Specific: 3, Ranking: 5, Limit: 3}
}

const (
	lowPrecision  = 0.30
	highPrecision = 0.70
)

// BuildConfidenceContext renders the advisory for category with the default
// thresholds.
func BuildConfidenceContext(stats map[string]Stat, category string) string {
	return DefaultThresholds().ConfidenceContext(stats, category)
}

// ConfidenceContext renders a deterministic advisory for a result in
// category: its own precision when sampled enough, followed by the most and
// least precise categories. It returns "" when no category qualifies.
func (t Thresholds) ConfidenceContext(stats map[string]Stat, category string) string {
	var lines []string

	key := CategoryKey(category)
	if stat, ok := stats[key]; ok && stat.Precision != nil && stat.Sample() >= t.Specific {
		line := fmt.Sprintf("Category %q: %s historical precision (%d confirmed, %d rejected of %d reviewed).",
			key, percent(*stat.Precision), stat.Verified, stat.Rejected, stat.Sample())
		switch {
		case *stat.Precision < lowPrecision:
			line += " LOW historical precision: be skeptical of results from this category."
		case *stat.Precision >= highPrecision:
			line += " HIGH historical precision: results from this category are usually trustworthy."
		}
		lines = append(lines, line)
	}

	ranked := t.ranked(stats)
	if len(ranked) > 0 {
		limit := t.Limit
		if limit <= 0 || limit > len(ranked) {
			limit = len(ranked)
		}
		top := ranked[:limit]
		lines = append(lines, "Most precise categories: "+formatList(top)+".")

		var bottom []Stat
		inTop := make(map[string]bool, len(top))
		for _, stat := range top {
			inTop[stat.Category] = true
		}
		for i := len(ranked) - 1; i >= 0 && len(bottom) < limit; i-- {
			if !inTop[ranked[i].Category] {
				bottom = append(bottom, ranked[i])
			}
		}
		if len(bottom) > 0 {
			lines = append(lines, "Least precise categories: "+formatList(bottom)+".")
		}
	}
	return strings.Join(lines, "\n")
}

// ranked returns categories eligible for ranking, most precise first. Ties
// break on the category key.
func (t Thresholds) ranked(stats map[string]Stat) []Stat {
	var eligible []Stat
	for _, stat := range stats {
		if stat.Precision != nil && stat.Sample() >= t.Ranking {
			eligible = append(eligible, stat)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		pi, pj := *eligible[i].Precision, *eligible[j].Precision
		if pi != pj {
			return pi > pj
		}
		return eligible[i].Category < eligible[j].Category
	})
	return eligible
}

func formatList(stats []Stat) string {
	parts := make([]string, len(stats))
	for i, stat := range stats {
		parts[i] = fmt.Sprintf("%s %s (n=%d)", stat.Category, percent(*stat.Precision), stat.Sample())
	}
	return strings.Join(parts, ", ")
}

func percent(p float64) string {
	return fmt.Sprintf("%d%%", int(math.Round(p*100)))
}

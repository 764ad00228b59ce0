// Package precision derives per-category detection precision from the
// verification history and turns it into calibration context for the
// classifier.
//
// Precision is a derived view: Aggregate is a pure function over raw counts
// and the Engine recomputes it from the store on every call.
package precision

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"enforcer/internal/enforcement"
)

const uncategorized = "uncategorized"

// Stat is the precision of one rolled-up detection category.
type Stat struct {
	Category     string
	TotalResults int
	Verified     int
	Rejected     int
	// Precision is verified/(verified+rejected), nil below the sample threshold.
	Precision *float64
}

// Sample returns the number of reviewed results.
func (s Stat) Sample() int {
	return s.Verified + s.Rejected
}

// CategoryKey rolls a stored category up to its logical key. Sub-dimensions
// after a colon are dropped and the remainder is case folded, so
// "Torrent_Search:en" and "torrent-search" share the key "torrent_search".
func CategoryKey(raw string) string {
	base, _, _ := strings.Cut(raw, ":")
	base = strings.TrimSpace(base)
	if base == "" {
		return uncategorized
	}
	base = cases.Fold().String(base)
	return strings.Join(strings.FieldsFunc(base, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

// Label renders a category key for display.
func Label(key string) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(key, "_", " "))
}

// Aggregate merges raw counts into one Stat per category key. Precision is
// set only when the reviewed sample reaches minSample.
func Aggregate(rows []enforcement.CategoryCount, minSample int) map[string]Stat {
	out := make(map[string]Stat)
	for _, row := range rows {
		key := CategoryKey(row.Category)
		stat := out[key]
		stat.Category = key
		stat.TotalResults += row.Total
		stat.Verified += row.Verified
		stat.Rejected += row.Rejected
		out[key] = stat
	}
	for key, stat := range out {
		if sample := stat.Sample(); sample > 0 && sample >= minSample {
			p := float64(stat.Verified) / float64(sample)
			stat.Precision = &p
			out[key] = stat
		}
	}
	return out
}

// Sorted returns stats ordered by category key.
func Sorted(stats map[string]Stat) []Stat {
	out := make([]Stat, 0, len(stats))
	for _, stat := range stats {
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

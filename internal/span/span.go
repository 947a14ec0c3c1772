// Package span defines typed intervals over request text and the conflict
// resolution applied before placeholder replacement. All positions are rune
// (code point) offsets into the source string; detection and replacement use
// the same unit.
package span

import "sort"

// Span is a half-open interval [Start, End) in rune offsets.
type Span struct {
	Start int
	End   int
}

// Len returns the interval length.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether two spans share at least one position.
func (s Span) Overlaps(o Span) bool { return s.Start < o.End && o.Start < s.End }

// ScoredEntity is a span produced by the PII analyzer.
type ScoredEntity struct {
	Span
	EntityType string
	Score      float64
}

// SecretLocation is a span produced by the secrets detector.
type SecretLocation struct {
	Span
	SecretType string
}

// ResolveConflicts reduces an unsorted list of scored entities to a
// non-overlapping set. Same-type overlaps merge into a superspan carrying the
// max score; cross-type overlaps are resolved by keeping the best candidate
// (score desc, length desc, start asc) and dropping whatever it overlaps.
// The input slice is not mutated.
func ResolveConflicts(entities []ScoredEntity) []ScoredEntity {
	if len(entities) <= 1 {
		out := make([]ScoredEntity, len(entities))
		copy(out, entities)
		return out
	}

	byType := make(map[string][]ScoredEntity)
	for _, e := range entities {
		byType[e.EntityType] = append(byType[e.EntityType], e)
	}

	merged := make([]ScoredEntity, 0, len(entities))
	for _, group := range byType {
		g := make([]ScoredEntity, len(group))
		copy(g, group)
		sort.Slice(g, func(i, j int) bool { return g[i].Start < g[j].Start })

		cur := g[0]
		for _, e := range g[1:] {
			if e.Start < cur.End {
				if e.End > cur.End {
					cur.End = e.End
				}
				if e.Score > cur.Score {
					cur.Score = e.Score
				}
				continue
			}
			merged = append(merged, cur)
			cur = e
		}
		merged = append(merged, cur)
	}

	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		return a.Start < b.Start
	})

	accepted := make([]ScoredEntity, 0, len(merged))
	for _, cand := range merged {
		ok := true
		for _, a := range accepted {
			if cand.Overlaps(a.Span) {
				ok = false
				break
			}
		}
		if ok {
			accepted = append(accepted, cand)
		}
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start < accepted[j].Start })
	return accepted
}

// ResolveOverlaps reduces an unsorted list of secret locations to a
// non-overlapping set, first-fit: sorted by (start asc, length desc), a span
// is accepted only when it begins at or after the end of the previously
// accepted one. A token nested inside a longer match (a JWT inside a Bearer
// header) is dropped here. The input slice is not mutated.
func ResolveOverlaps(locations []SecretLocation) []SecretLocation {
	if len(locations) <= 1 {
		out := make([]SecretLocation, len(locations))
		copy(out, locations)
		return out
	}

	sorted := make([]SecretLocation, len(locations))
	copy(sorted, locations)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].Len() > sorted[j].Len()
	})

	accepted := make([]SecretLocation, 0, len(sorted))
	accepted = append(accepted, sorted[0])
	for _, loc := range sorted[1:] {
		if loc.Start >= accepted[len(accepted)-1].End {
			accepted = append(accepted, loc)
		}
	}
	return accepted
}

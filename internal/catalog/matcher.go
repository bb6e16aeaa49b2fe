// Package catalog resolves arbitrary, possibly malformed model identifiers
// against the set of models the gateway knows how to price.
//
// Clients send model names in every shape imaginable: "GPT-4.1-Mini",
// "gpt-4.1-mini@20250414", "claude_sonnet 4". The pricing tables store one
// canonical spelling per model. This package bridges the two with a layered
// matching strategy, cheapest first:
//
//  1. Exact       - raw string equals a catalog entry (confidence 1.0)
//  2. Normalized  - equal after normalization (confidence 0.95)
//  3. Prefix      - one normalized name is a prefix of the other, scored by
//     how much of the longer string is covered
//  4. Fuzzy       - string similarity, restricted to the model family first
//
// A request whose best match falls below the minimum confidence is
// unresolved. The billing pipeline treats that as a hard failure: an
// unpriced model must never be silently passed through and billed at zero.
package catalog

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

// ErrUnresolvedModel is returned when no matching strategy clears the
// minimum confidence threshold.
var ErrUnresolvedModel = errors.New("model could not be resolved")

// DefaultMinConfidence is the floor below which a match is discarded.
const DefaultMinConfidence = 0.6

// fuzzyCatalogThreshold applies when fuzzy matching falls back from the
// model family to the entire catalog. A whole-catalog match must be much
// closer to be trusted.
const fuzzyCatalogThreshold = 0.8

// MatchKind identifies which strategy produced a match.
type MatchKind string

const (
	MatchExact      MatchKind = "exact"
	MatchNormalized MatchKind = "normalized"
	MatchPrefix     MatchKind = "prefix"
	MatchFuzzy      MatchKind = "fuzzy"
)

// Match is a catalog entry paired with the confidence of the match.
type Match struct {
	Model           string
	Confidence      float64
	Kind            MatchKind
	NormalizedQuery string
	NormalizedModel string
}

var (
	separatorRe    = regexp.MustCompile(`[_\s]+`)
	multiHyphenRe  = regexp.MustCompile(`-+`)
	compactDateRe  = regexp.MustCompile(`^\d{8}$`)
	isoDateRe      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	slashDateRe    = regexp.MustCompile(`^\d{4}/\d{2}/\d{2}$`)
	familySplitRe  = regexp.MustCompile(`[-_]\d`)
	familySuffixRe = regexp.MustCompile(`-(latest|preview)$`)
)

// Normalize canonicalizes a model name for comparison: lowercase, trimmed,
// "@"-delimited date suffixes converted to hyphenated YYYY-MM-DD, and runs
// of underscores, whitespace and hyphens collapsed to single hyphens.
// Normalize is idempotent.
func Normalize(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))

	// gpt-4.1-mini@20250414 -> gpt-4.1-mini-2025-04-14
	if strings.Contains(normalized, "@") {
		parts := strings.SplitN(normalized, "@", 2)
		if len(parts) == 2 && !strings.Contains(parts[1], "@") {
			normalized = parts[0] + "-" + normalizeDate(parts[1])
		}
	}

	normalized = separatorRe.ReplaceAllString(normalized, "-")
	normalized = multiHyphenRe.ReplaceAllString(normalized, "-")

	return normalized
}

// normalizeDate converts the date shapes providers actually use to
// YYYY-MM-DD. Anything unrecognized passes through unchanged.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case compactDateRe.MatchString(s):
		return s[:4] + "-" + s[4:6] + "-" + s[6:8]
	case isoDateRe.MatchString(s):
		return s
	case slashDateRe.MatchString(s):
		return strings.ReplaceAll(s, "/", "-")
	}
	return s
}

// familyOf extracts the model family from a normalized name: the part
// before the first digit that follows a hyphen or underscore, with
// -latest/-preview suffixes stripped. "gpt-4.1-mini-2025-04-14" and
// "gpt-4o" both belong to family "gpt".
func familyOf(normalized string) string {
	base := normalized
	if loc := familySplitRe.FindStringIndex(normalized); loc != nil {
		base = normalized[:loc[0]]
	}
	return familySuffixRe.ReplaceAllString(base, "")
}

// Matcher matches query strings against a fixed catalog of model names.
// It is immutable after construction and safe for concurrent use; the
// loader builds a fresh Matcher on every catalog refresh.
type Matcher struct {
	raw        map[string]struct{}
	normalized map[string]string // normalized name -> original catalog entry
	families   map[string][]string
	similarity *metrics.RatcliffObershelp
}

// NewMatcher builds a matcher over the given catalog entries.
func NewMatcher(models []string) *Matcher {
	m := &Matcher{
		raw:        make(map[string]struct{}, len(models)),
		normalized: make(map[string]string, len(models)),
		families:   make(map[string][]string),
		similarity: metrics.NewRatcliffObershelp(),
	}

	for _, model := range models {
		m.raw[model] = struct{}{}
		norm := Normalize(model)
		m.normalized[norm] = model

		family := familyOf(norm)
		m.families[family] = append(m.families[family], model)
	}

	return m
}

// Size returns the number of catalog entries.
func (m *Matcher) Size() int {
	return len(m.raw)
}

// BestMatch finds the best match for a query, trying each strategy in
// order and returning the first that succeeds. ErrUnresolvedModel is
// returned when nothing clears minConfidence.
func (m *Matcher) BestMatch(query string, minConfidence float64) (*Match, error) {
	if _, ok := m.raw[query]; ok {
		return &Match{
			Model:           query,
			Confidence:      1.0,
			Kind:            MatchExact,
			NormalizedQuery: query,
			NormalizedModel: query,
		}, nil
	}

	normalizedQuery := Normalize(query)

	if original, ok := m.normalized[normalizedQuery]; ok {
		return &Match{
			Model:           original,
			Confidence:      0.95,
			Kind:            MatchNormalized,
			NormalizedQuery: normalizedQuery,
			NormalizedModel: normalizedQuery,
		}, nil
	}

	if prefixes := m.prefixMatches(normalizedQuery); len(prefixes) > 0 {
		best := prefixes[0]
		for _, cand := range prefixes[1:] {
			// Longest matched catalog entry wins; confidence breaks ties.
			if len(cand.NormalizedModel) > len(best.NormalizedModel) ||
				(len(cand.NormalizedModel) == len(best.NormalizedModel) && cand.Confidence > best.Confidence) {
				best = cand
			}
		}
		return &best, nil
	}

	if fuzzy := m.fuzzyMatch(normalizedQuery, minConfidence); fuzzy != nil {
		return fuzzy, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnresolvedModel, query)
}

// FindAllMatches returns up to limit matches ranked by confidence,
// deduplicated by catalog entry. An exact match short-circuits to a
// singleton list since no disambiguation is needed.
func (m *Matcher) FindAllMatches(query string, minConfidence float64, limit int) []Match {
	if _, ok := m.raw[query]; ok {
		return []Match{{
			Model:           query,
			Confidence:      1.0,
			Kind:            MatchExact,
			NormalizedQuery: query,
			NormalizedModel: query,
		}}
	}

	normalizedQuery := Normalize(query)
	var matches []Match
	seen := make(map[string]struct{})

	for _, cand := range m.prefixMatches(normalizedQuery) {
		if cand.Confidence >= minConfidence {
			matches = append(matches, cand)
			seen[cand.Model] = struct{}{}
		}
	}

	if len(matches) < limit {
		for norm, original := range m.normalized {
			if _, dup := seen[original]; dup {
				continue
			}
			confidence := strutil.Similarity(normalizedQuery, norm, m.similarity)
			if confidence >= minConfidence {
				matches = append(matches, Match{
					Model:           original,
					Confidence:      confidence,
					Kind:            MatchFuzzy,
					NormalizedQuery: normalizedQuery,
					NormalizedModel: norm,
				})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// prefixMatches collects every catalog entry that relates to the query by
// prefix, in either direction, with a confidence proportional to how much
// of the longer string is covered.
func (m *Matcher) prefixMatches(normalizedQuery string) []Match {
	var matches []Match

	for norm, original := range m.normalized {
		switch {
		case strings.HasPrefix(normalizedQuery, norm):
			// Query extends a catalog entry, e.g. a dated variant of a
			// base model we price.
			confidence := math.Min(0.9, float64(len(norm))/float64(len(normalizedQuery))*0.9)
			if len(normalizedQuery) == len(norm) || isBoundary(normalizedQuery[len(norm)]) {
				confidence += 0.05
			}
			matches = append(matches, Match{
				Model:           original,
				Confidence:      confidence,
				Kind:            MatchPrefix,
				NormalizedQuery: normalizedQuery,
				NormalizedModel: norm,
			})

		case strings.HasPrefix(norm, normalizedQuery):
			// Query is a truncation of a catalog entry. Scored lower:
			// the unseen tail could be anything.
			confidence := math.Min(0.85, float64(len(normalizedQuery))/float64(len(norm))*0.8)
			if len(norm) == len(normalizedQuery) || isBoundary(norm[len(normalizedQuery)]) {
				confidence += 0.05
			}
			matches = append(matches, Match{
				Model:           original,
				Confidence:      confidence,
				Kind:            MatchPrefix,
				NormalizedQuery: normalizedQuery,
				NormalizedModel: norm,
			})
		}
	}

	return matches
}

// fuzzyMatch scores candidates by string similarity, first within the
// query's model family at minConfidence, then against the whole catalog at
// the raised fuzzyCatalogThreshold.
func (m *Matcher) fuzzyMatch(normalizedQuery string, minConfidence float64) *Match {
	var best *Match
	bestConfidence := 0.0

	if candidates, ok := m.families[familyOf(normalizedQuery)]; ok {
		for _, candidate := range candidates {
			norm := Normalize(candidate)
			confidence := strutil.Similarity(normalizedQuery, norm, m.similarity)
			if confidence > bestConfidence && confidence >= minConfidence {
				bestConfidence = confidence
				best = &Match{
					Model:           candidate,
					Confidence:      confidence,
					Kind:            MatchFuzzy,
					NormalizedQuery: normalizedQuery,
					NormalizedModel: norm,
				}
			}
		}
	}

	if best != nil {
		return best
	}

	threshold := math.Max(minConfidence, fuzzyCatalogThreshold)
	for norm, original := range m.normalized {
		confidence := strutil.Similarity(normalizedQuery, norm, m.similarity)
		if confidence > bestConfidence && confidence >= threshold {
			bestConfidence = confidence
			best = &Match{
				Model:           original,
				Confidence:      confidence,
				Kind:            MatchFuzzy,
				NormalizedQuery: normalizedQuery,
				NormalizedModel: norm,
			}
		}
	}

	return best
}

func isBoundary(c byte) bool {
	return c == '-' || c == '_' || c == '.'
}

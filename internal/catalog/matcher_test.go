package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"GPT-4.1-Mini",
		"gpt-4.1-mini@20250414",
		"claude_sonnet 4",
		"  Gemini--2.5__Pro  ",
		"llama-3.1-70b@2025/04/14",
	}

	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "normalize not idempotent for %q", in)
	}
}

func TestNormalizeDateFormatsConverge(t *testing.T) {
	want := "gpt-4.1-mini-2025-04-14"

	assert.Equal(t, want, Normalize("gpt-4.1-mini@20250414"))
	assert.Equal(t, want, Normalize("gpt-4.1-mini@2025-04-14"))
	assert.Equal(t, want, Normalize("gpt-4.1-mini@2025/04/14"))
}

func TestNormalizeUnrecognizedDatePassesThrough(t *testing.T) {
	assert.Equal(t, "gpt-4.1-mini-v2", Normalize("gpt-4.1-mini@v2"))
}

func TestNormalizeSeparators(t *testing.T) {
	assert.Equal(t, "claude-sonnet-4", Normalize("Claude_Sonnet  4"))
	assert.Equal(t, "a-b-c", Normalize("a--b___c"))
}

func TestBestMatchExact(t *testing.T) {
	m := NewMatcher([]string{"gpt-4.1-mini-2025-04-14", "claude-sonnet-4"})

	match, err := m.BestMatch("gpt-4.1-mini-2025-04-14", DefaultMinConfidence)
	require.NoError(t, err)
	assert.Equal(t, MatchExact, match.Kind)
	assert.Equal(t, 1.0, match.Confidence)
	assert.Equal(t, "gpt-4.1-mini-2025-04-14", match.Model)
}

func TestBestMatchNormalized(t *testing.T) {
	m := NewMatcher([]string{"gpt-4.1-mini-2025-04-14", "claude-sonnet-4"})

	match, err := m.BestMatch("gpt-4.1-mini@2025-04-14", DefaultMinConfidence)
	require.NoError(t, err)
	assert.Equal(t, MatchNormalized, match.Kind)
	assert.Equal(t, 0.95, match.Confidence)
	assert.Equal(t, "gpt-4.1-mini-2025-04-14", match.Model)
}

func TestBestMatchPrefixLongestWins(t *testing.T) {
	// Both entries are prefixes of the query; the longer entry must win
	// regardless of how the confidence scores happen to order.
	m := NewMatcher([]string{"gpt-4.1", "gpt-4.1-mini"})

	match, err := m.BestMatch("gpt-4.1-mini-2025-09-01", DefaultMinConfidence)
	require.NoError(t, err)
	assert.Equal(t, MatchPrefix, match.Kind)
	assert.Equal(t, "gpt-4.1-mini", match.Model)
}

func TestBestMatchPrefixBoundaryBonus(t *testing.T) {
	m := NewMatcher([]string{"gpt-4o"})

	withBoundary, err := m.BestMatch("gpt-4o-mini", DefaultMinConfidence)
	require.NoError(t, err)
	assert.Equal(t, MatchPrefix, withBoundary.Kind)

	coverage := float64(len("gpt-4o")) / float64(len("gpt-4o-mini")) * 0.9
	assert.InDelta(t, coverage+0.05, withBoundary.Confidence, 1e-9)

	// "gpt-4ox" continues without a separator, so no boundary bonus.
	withoutBoundary, err := m.BestMatch("gpt-4ox", DefaultMinConfidence)
	require.NoError(t, err)
	assert.InDelta(t, float64(len("gpt-4o"))/float64(len("gpt-4ox"))*0.9,
		withoutBoundary.Confidence, 1e-9)
}

func TestBestMatchFuzzyWithinFamily(t *testing.T) {
	m := NewMatcher([]string{"gpt-4.1-mini-2025-04-14", "claude-sonnet-4"})

	// Typo in "mini" rules out exact, normalized and prefix matching.
	match, err := m.BestMatch("gpt-4.1-minni-2025-04-14", DefaultMinConfidence)
	require.NoError(t, err)
	assert.Equal(t, MatchFuzzy, match.Kind)
	assert.Equal(t, "gpt-4.1-mini-2025-04-14", match.Model)
	assert.GreaterOrEqual(t, match.Confidence, DefaultMinConfidence)
}

func TestBestMatchUnresolved(t *testing.T) {
	m := NewMatcher([]string{"gpt-4.1-mini-2025-04-14", "claude-sonnet-4"})

	_, err := m.BestMatch("zzz-9000", DefaultMinConfidence)
	assert.True(t, errors.Is(err, ErrUnresolvedModel))
}

func TestFindAllMatchesExactShortCircuits(t *testing.T) {
	m := NewMatcher([]string{"gpt-4.1", "gpt-4.1-mini"})

	matches := m.FindAllMatches("gpt-4.1", DefaultMinConfidence, 5)
	require.Len(t, matches, 1)
	assert.Equal(t, MatchExact, matches[0].Kind)
	assert.Equal(t, "gpt-4.1", matches[0].Model)
}

func TestFindAllMatchesRankedAndDeduplicated(t *testing.T) {
	m := NewMatcher([]string{"gpt-4.1", "gpt-4.1-mini", "claude-sonnet-4"})

	matches := m.FindAllMatches("gpt-4.1-mini-2025-09-01", DefaultMinConfidence, 5)
	require.NotEmpty(t, matches)

	seen := make(map[string]bool)
	for i, match := range matches {
		assert.False(t, seen[match.Model], "duplicate match %s", match.Model)
		seen[match.Model] = true
		if i > 0 {
			assert.LessOrEqual(t, match.Confidence, matches[i-1].Confidence)
		}
	}
}

func TestFamilyOf(t *testing.T) {
	assert.Equal(t, "gpt", familyOf("gpt-4.1-mini-2025-04-14"))
	assert.Equal(t, "claude-sonnet", familyOf("claude-sonnet-4"))
	assert.Equal(t, "gemini", familyOf("gemini-2.5-pro"))
	assert.Equal(t, "o", familyOf("o_3"))
}

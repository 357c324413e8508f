package response

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sievehq/sieve/pkg/models"
)

func src(id string, score float64, excerpt string) models.SourceReference {
	return models.SourceReference{
		ID:             id,
		SourceID:       "src-" + id,
		SourceName:     "source " + id,
		Title:          "title " + id,
		Excerpt:        excerpt,
		RelevanceScore: score,
	}
}

func TestGenerateNoSources(t *testing.T) {
	g := NewGenerator(DefaultConfig())

	resp := g.Generate(nil)
	assert.Equal(t, noInformationText, resp.Text)
	assert.Empty(t, resp.Sources)
	assert.Zero(t, resp.Confidence)
}

func TestGenerateSingleSource(t *testing.T) {
	g := NewGenerator(DefaultConfig())

	resp := g.Generate([]models.SourceReference{
		src("a", 0.9, "Sources are configured in the sources section of the config file."),
	})
	assert.True(t, strings.HasPrefix(resp.Text, "Based on the available information: "))
	assert.Contains(t, resp.Text, "[1]")
	require.Len(t, resp.Sources, 1)
}

func TestGenerateMultipleSourcesJoined(t *testing.T) {
	g := NewGenerator(DefaultConfig())

	resp := g.Generate([]models.SourceReference{
		src("a", 0.9, "First excerpt about configuration."),
		src("b", 0.8, "Second excerpt about validation."),
		src("c", 0.7, "Third excerpt about defaults."),
		src("d", 0.6, "Fourth excerpt never made the cut."),
	})
	assert.True(t, strings.HasPrefix(resp.Text, "Based on multiple sources: "))
	assert.Contains(t, resp.Text, "Additionally,")
	assert.NotContains(t, resp.Text, "Fourth excerpt", "only the top three excerpts are joined")
	assert.Len(t, resp.Sources, 4)
}

func TestGenerateFiltersLowRelevanceAndEmptyExcerpts(t *testing.T) {
	g := NewGenerator(Config{ConfidenceThreshold: 0.5, CitationStyle: CitationInline})

	resp := g.Generate([]models.SourceReference{
		src("keep", 0.9, "Useful excerpt."),
		src("weak", 0.2, "Filtered by threshold."),
		src("blank", 0.9, "   "),
	})
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "keep", resp.Sources[0].ID)
}

func TestGenerateDeduplicatesNearIdenticalExcerpts(t *testing.T) {
	g := NewGenerator(DefaultConfig())

	resp := g.Generate([]models.SourceReference{
		src("a", 0.9, "the cache stores query results with a ttl"),
		src("b", 0.8, "the cache stores query results with a ttl"),
		src("c", 0.7, "vector search fans out across active sources"),
	})
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "a", resp.Sources[0].ID, "higher-relevance duplicate wins")
	assert.Equal(t, "c", resp.Sources[1].ID)
}

func TestGenerateRequiresMinimumSources(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSourcesForSynthesis = 2
	g := NewGenerator(cfg)

	resp := g.Generate([]models.SourceReference{
		src("only", 0.9, "A single strong excerpt is not enough here."),
	})
	assert.Equal(t, noInformationText, resp.Text)
	assert.Empty(t, resp.Sources)
	assert.Zero(t, resp.Confidence)

	// A second surviving source clears the floor.
	resp = g.Generate([]models.SourceReference{
		src("a", 0.9, "First excerpt about configuration."),
		src("b", 0.8, "Second excerpt about validation."),
	})
	assert.True(t, strings.HasPrefix(resp.Text, "Based on multiple sources: "))
	require.Len(t, resp.Sources, 2)
}

func TestGenerateSortsAndCapsSources(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSourcesInResponse = 2
	g := NewGenerator(cfg)

	resp := g.Generate([]models.SourceReference{
		src("low", 0.5, "Low relevance excerpt here."),
		src("high", 0.9, "High relevance excerpt here first."),
		src("mid", 0.7, "Middling relevance excerpt there."),
	})
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "high", resp.Sources[0].ID)
	assert.Equal(t, "mid", resp.Sources[1].ID)
}

func TestTruncatePrefersSentenceBoundary(t *testing.T) {
	g := NewGenerator(Config{MaxResponseLength: 100})

	first := strings.Repeat("a", 80) + "."
	text := first + " " + strings.Repeat("b", 200)
	got := g.truncate(text)
	assert.Equal(t, first, got, "boundary past 70%% of the budget wins")

	// No usable boundary: hard cut with ellipsis.
	got = g.truncate(strings.Repeat("c", 200))
	assert.Len(t, got, 100)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestConfidenceFormula(t *testing.T) {
	long := strings.Repeat("solid evidence text ", 5) // > 100 bytes together

	// Two strong sources: mean 0.78 + 0.1 bonus.
	c := confidence([]models.SourceReference{
		src("a", 0.82, long),
		src("b", 0.74, long),
	})
	assert.InDelta(t, 0.88, c, 1e-9)

	// Thin evidence penalty.
	c = confidence([]models.SourceReference{src("a", 0.82, "tiny")})
	assert.InDelta(t, 0.62, c, 1e-9)

	// Weak-mean penalty stacks.
	c = confidence([]models.SourceReference{src("a", 0.4, long)})
	assert.InDelta(t, 0.3, c, 1e-9)

	// Clamped to [0,1] and rounded to three decimals.
	c = confidence([]models.SourceReference{
		src("a", 0.999, long), src("b", 0.999, long), src("c", 0.999, long),
	})
	assert.Equal(t, 1.0, c)
}

func TestCoherenceHeuristics(t *testing.T) {
	// Baseline only: one short sentence, one source, no connectives.
	assert.InDelta(t, 0.5, coherence("Short one.", 1), 1e-9)

	// Good sentence length + two sources + connective.
	text := "This sentence has a comfortable length overall. Additionally, this one does too."
	assert.InDelta(t, 1.0, coherence(text, 2), 1e-9)
}

func TestCitationStyles(t *testing.T) {
	sources := []models.SourceReference{
		{ID: "a", SourceName: "wiki", Title: "Setup", URL: "https://example.com/setup", RelevanceScore: 0.9,
			Excerpt: "First sentence. Second sentence."},
	}

	inline := NewGenerator(Config{CitationStyle: CitationInline}).Generate(sources)
	assert.Contains(t, inline.Text, ". [1]")
	assert.NotContains(t, inline.Text, "Sources:")

	numbered := NewGenerator(Config{CitationStyle: CitationNumbered}).Generate(sources)
	assert.Contains(t, numbered.Text, "Sources:\n[1] wiki - Setup (https://example.com/setup)")

	footnote := NewGenerator(Config{CitationStyle: CitationFootnote}).Generate(sources)
	assert.Contains(t, footnote.Text, "\n---\n[1] wiki - Setup")
	assert.NotContains(t, footnote.Text, "Sources:")
}

func TestInlineCitationsStopAtSourceCount(t *testing.T) {
	text := "One. Two. Three. Four."
	cited := inlineCitations(text, 2)
	assert.Contains(t, cited, "One. [1]")
	assert.Contains(t, cited, "Two. [2]")
	assert.NotContains(t, cited, "[3]")
}

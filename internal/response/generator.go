// Package response synthesizes the final cited answer text from ranked
// source references.
package response

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sievehq/sieve/pkg/models"
)

// Citation styles.
const (
	CitationInline   = "inline"
	CitationNumbered = "numbered"
	CitationFootnote = "footnote"
)

const noInformationText = "No relevant information was found for your query."

// jaccardDupThreshold is the word-set similarity above which two
// excerpts count as duplicates.
const jaccardDupThreshold = 0.8

// Config tunes the generator.
type Config struct {
	MaxResponseLength      int
	MinSourcesForSynthesis int
	ConfidenceThreshold    float64
	CitationStyle          string
	CoherenceCheckEnabled  bool
	MaxSourcesInResponse   int
}

// DefaultConfig returns the generator defaults.
func DefaultConfig() Config {
	return Config{
		MaxResponseLength:      1000,
		MinSourcesForSynthesis: 1,
		ConfidenceThreshold:    0.3,
		CitationStyle:          CitationInline,
		CoherenceCheckEnabled:  true,
		MaxSourcesInResponse:   5,
	}
}

// Response is the synthesized answer.
type Response struct {
	Text       string                   `json:"text"`
	Sources    []models.SourceReference `json:"sources"`
	Confidence float64                  `json:"confidence"`
	Coherence  float64                  `json:"coherence,omitempty"`
}

// Generator runs the synthesis pipeline.
type Generator struct {
	cfg Config
}

// NewGenerator builds a generator, filling zero config fields with the
// defaults.
func NewGenerator(cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.MaxResponseLength <= 0 {
		cfg.MaxResponseLength = def.MaxResponseLength
	}
	if cfg.MaxSourcesInResponse <= 0 {
		cfg.MaxSourcesInResponse = def.MaxSourcesInResponse
	}
	if cfg.MinSourcesForSynthesis <= 0 {
		cfg.MinSourcesForSynthesis = def.MinSourcesForSynthesis
	}
	if cfg.CitationStyle == "" {
		cfg.CitationStyle = def.CitationStyle
	}
	return &Generator{cfg: cfg}
}

// Generate filters, de-duplicates, and synthesizes a cited response from
// the candidates. Fewer surviving sources than MinSourcesForSynthesis
// yields the no-information response.
func (g *Generator) Generate(candidates []models.SourceReference) Response {
	chosen := g.selectSources(candidates)
	if len(chosen) < g.cfg.MinSourcesForSynthesis {
		chosen = chosen[:0]
	}

	text := g.synthesize(chosen)
	text = g.truncate(text)
	text = g.cite(text, chosen)

	resp := Response{
		Text:       text,
		Sources:    chosen,
		Confidence: confidence(chosen),
	}
	if g.cfg.CoherenceCheckEnabled {
		resp.Coherence = coherence(text, len(chosen))
	}
	return resp
}

// selectSources applies the threshold/excerpt filter, drops near
// duplicates, and keeps the best maxSourcesInResponse by relevance.
func (g *Generator) selectSources(candidates []models.SourceReference) []models.SourceReference {
	filtered := make([]models.SourceReference, 0, len(candidates))
	for _, c := range candidates {
		if c.RelevanceScore >= g.cfg.ConfidenceThreshold && strings.TrimSpace(c.Excerpt) != "" {
			filtered = append(filtered, c)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].RelevanceScore > filtered[j].RelevanceScore
	})

	deduped := make([]models.SourceReference, 0, len(filtered))
	for _, c := range filtered {
		dup := false
		for _, kept := range deduped {
			if jaccard(c.Excerpt, kept.Excerpt) > jaccardDupThreshold {
				dup = true
				break
			}
		}
		if !dup {
			deduped = append(deduped, c)
		}
	}

	if len(deduped) > g.cfg.MaxSourcesInResponse {
		deduped = deduped[:g.cfg.MaxSourcesInResponse]
	}
	return deduped
}

// jaccard computes word-set similarity of two excerpts, lower-cased.
func jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

func (g *Generator) synthesize(sources []models.SourceReference) string {
	switch {
	case len(sources) == 0:
		return noInformationText
	case len(sources) == 1:
		return "Based on the available information: " + strings.TrimSpace(sources[0].Excerpt)
	default:
		n := len(sources)
		if n > 3 {
			n = 3
		}
		excerpts := make([]string, n)
		for i := 0; i < n; i++ {
			excerpts[i] = strings.TrimSpace(sources[i].Excerpt)
		}
		return "Based on multiple sources: " + strings.Join(excerpts, " Additionally, ")
	}
}

// truncate clips to the budget, preferring the last sentence boundary
// when one exists past 70% of it.
func (g *Generator) truncate(text string) string {
	max := g.cfg.MaxResponseLength
	if len(text) <= max {
		return text
	}

	clipped := text[:max]
	boundary := strings.LastIndexAny(clipped, ".!?")
	if boundary >= int(float64(max)*0.7) {
		return clipped[:boundary+1]
	}
	if max > 3 {
		return clipped[:max-3] + "..."
	}
	return clipped
}

// confidence scores how much to trust the answer: mean relevance, a
// bonus per corroborating source, penalties for thin or weak evidence.
func confidence(sources []models.SourceReference) float64 {
	if len(sources) == 0 {
		return 0
	}

	var sum float64
	totalBytes := 0
	for _, s := range sources {
		sum += s.RelevanceScore
		totalBytes += len(s.Excerpt)
	}
	mean := sum / float64(len(sources))

	score := mean + 0.1*float64(len(sources)-1)
	if totalBytes < 100 {
		score -= 0.2
	}
	if mean < 0.5 {
		score -= 0.1
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return math.Round(score*1000) / 1000
}

var connectives = []string{"additionally", "furthermore", "however", "therefore", "moreover"}

// coherence estimates textual cohesion on a fixed heuristic scale.
func coherence(text string, sourceCount int) float64 {
	score := 0.5

	if mean := meanSentenceLength(text); mean > 20 && mean < 100 {
		score += 0.2
	}
	if sourceCount >= 2 {
		score += 0.2
	}
	lower := strings.ToLower(text)
	for _, c := range connectives {
		if strings.Contains(lower, c) {
			score += 0.1
			break
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

func meanSentenceLength(text string) float64 {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return 0
	}
	total := 0
	for _, s := range sentences {
		total += len(s)
	}
	return float64(total) / float64(len(sentences))
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

// cite applies the configured citation style.
func (g *Generator) cite(text string, sources []models.SourceReference) string {
	if len(sources) == 0 {
		return text
	}

	cited := inlineCitations(text, len(sources))
	switch g.cfg.CitationStyle {
	case CitationNumbered:
		return cited + "\n\nSources:\n" + sourceLines(sources)
	case CitationFootnote:
		return cited + "\n\n---\n" + sourceLines(sources)
	default:
		return cited
	}
}

// inlineCitations appends [n] after each sentence terminator until the
// sources are exhausted.
func inlineCitations(text string, sourceCount int) string {
	var b strings.Builder
	b.Grow(len(text) + sourceCount*4)

	n := 1
	for _, r := range text {
		b.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && n <= sourceCount {
			fmt.Fprintf(&b, " [%d]", n)
			n++
		}
	}
	return b.String()
}

func sourceLines(sources []models.SourceReference) string {
	lines := make([]string, len(sources))
	for i, s := range sources {
		line := fmt.Sprintf("[%d] %s - %s", i+1, s.SourceName, s.Title)
		if s.URL != "" {
			line += fmt.Sprintf(" (%s)", s.URL)
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

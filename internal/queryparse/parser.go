// Package queryparse turns raw query text into a normalized ParsedQuery
// and an Optimization. Everything here is deterministic and side-effect
// free; the same input always produces the same output.
package queryparse

import (
	"regexp"
	"strings"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/pkg/models"
)

var (
	nonWordRe    = regexp.MustCompile(`[^\w\-.\s]+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	quotedRe     = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	capRunRe     = regexp.MustCompile(`[A-Z][A-Za-z0-9]*(?:\s+[A-Z][A-Za-z0-9]*)*`)
	dateFilterRe = regexp.MustCompile(`(?i)\b(after|before|since|until)\s+(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4})`)
	typeFilterRe = regexp.MustCompile(`(?i)\btype:\s*(\w+)`)
)

// questionWords drive intent classification and are excluded from the
// capitalized-run entity extraction.
var questionWords = map[string]bool{
	"what": true, "how": true, "why": true, "when": true,
	"where": true, "who": true, "which": true,
}

var searchWords = map[string]bool{
	"find": true, "search": true, "get": true,
	"show": true, "list": true, "explain": true,
}

// synonyms maps recognized entity surface forms to their expansions.
var synonyms = map[string][]string{
	"document": {"file", "paper", "text", "record"},
	"error":    {"failure", "fault", "issue"},
	"config":   {"configuration", "settings"},
	"database": {"db", "datastore"},
}

// Preprocess lowers, strips punctuation except `- _ .`, and collapses
// whitespace. Idempotent.
func Preprocess(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = nonWordRe.ReplaceAllString(t, " ")
	t = whitespaceRe.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// Parse builds a ParsedQuery. Intent is classified over the normalized
// tokens while entities come from the raw text; the asymmetry is
// deliberate since capitalization is lost in normalization.
func Parse(text string) (models.ParsedQuery, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return models.ParsedQuery{}, apperr.New(apperr.Validation, "queryparse", "query text is empty")
	}

	normalized := Preprocess(raw)
	return models.ParsedQuery{
		Original:   raw,
		Normalized: normalized,
		Intent:     classifyIntent(normalized),
		Entities:   extractEntities(raw),
		Filters:    extractFilters(raw),
	}, nil
}

func classifyIntent(normalized string) models.Intent {
	tokens := strings.Fields(normalized)
	for _, tok := range tokens {
		if questionWords[tok] {
			return models.IntentQuestion
		}
	}
	for _, tok := range tokens {
		if searchWords[tok] {
			return models.IntentSearch
		}
	}
	return models.IntentGeneral
}

// extractEntities collects quoted substrings and runs of capitalized
// words from the raw text, de-duplicated preserving first occurrence.
func extractEntities(raw string) []string {
	var entities []string
	seen := make(map[string]bool)
	add := func(e string) {
		e = strings.TrimSpace(e)
		if e != "" && !seen[e] {
			seen[e] = true
			entities = append(entities, e)
		}
	}

	for _, m := range quotedRe.FindAllStringSubmatch(raw, -1) {
		if m[1] != "" {
			add(m[1])
		} else {
			add(m[2])
		}
	}

	for _, run := range capRunRe.FindAllString(raw, -1) {
		words := strings.Fields(run)
		// Question words open many queries capitalized; strip them off
		// the front of the run.
		for len(words) > 0 && questionWords[strings.ToLower(words[0])] {
			words = words[1:]
		}
		if len(words) > 0 {
			add(strings.Join(words, " "))
		}
	}
	return entities
}

// extractFilters pulls date comparators and type tags out of the raw
// text. after/since map to gte, before/until to lte.
func extractFilters(raw string) []models.Filter {
	var filters []models.Filter
	for _, m := range dateFilterRe.FindAllStringSubmatch(raw, -1) {
		op := models.OpGte
		switch strings.ToLower(m[1]) {
		case "before", "until":
			op = models.OpLte
		}
		filters = append(filters, models.Filter{Field: "date", Operator: op, Value: m[2]})
	}
	for _, m := range typeFilterRe.FindAllStringSubmatch(raw, -1) {
		filters = append(filters, models.Filter{
			Field:    "type",
			Operator: models.OpEq,
			Value:    strings.ToLower(m[1]),
		})
	}
	return filters
}

// Optimize expands a parsed query with rule-based stems and synonyms,
// merges the extracted filters with the query's own, and derives boost
// weights from the context bag.
func Optimize(parsed models.ParsedQuery, query models.Query) models.Optimization {
	opt := models.Optimization{
		ExpandedTerms: expandTerms(parsed.Normalized),
		Synonyms:      expandSynonyms(parsed.Entities),
		Boosts:        extractBoosts(query.Context),
	}
	opt.Filters = append(opt.Filters, query.Filters...)
	opt.Filters = append(opt.Filters, parsed.Filters...)
	return opt
}

// expandTerms emits each token plus its rule-based stems. The rules
// overshoot English morphology on purpose; they only need to widen
// recall, not be linguistically right.
func expandTerms(normalized string) []string {
	var terms []string
	seen := make(map[string]bool)
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			terms = append(terms, t)
		}
	}

	for _, tok := range strings.Fields(normalized) {
		add(tok)
		if len(tok) > 3 {
			if strings.HasSuffix(tok, "ing") {
				add(strings.TrimSuffix(tok, "ing"))
			}
			if strings.HasSuffix(tok, "ed") {
				add(strings.TrimSuffix(tok, "ed"))
			}
			if strings.HasSuffix(tok, "s") {
				add(strings.TrimSuffix(tok, "s"))
			}
		}
	}
	return terms
}

func expandSynonyms(entities []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range entities {
		for _, syn := range synonyms[strings.ToLower(e)] {
			if !seen[syn] {
				seen[syn] = true
				out = append(out, syn)
			}
		}
	}
	return out
}

func extractBoosts(context map[string]any) map[string]float64 {
	boosts := make(map[string]float64)
	if context == nil {
		return boosts
	}
	if domain, ok := context["domain"].(string); ok && domain != "" {
		boosts[domain] = 1.5
	}
	if recency, ok := context["recency"].(string); ok && recency == "recent" {
		boosts["recent"] = 1.2
	}
	return boosts
}

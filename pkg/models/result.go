package models

import "time"

// VectorRecord is a stored vector with its opaque metadata mapping.
// The pipeline never mutates metadata it did not create.
type VectorRecord struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchResult is a single hit from a vector back-end. Score is normalized
// so that higher is better and always falls in [0,1].
type SearchResult struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RankingFactors is the decomposed score breakdown for a ranked result.
type RankingFactors struct {
	Semantic float64 `json:"semantic"`
	Keyword  float64 `json:"keyword,omitempty"`
	Metadata float64 `json:"metadata,omitempty"`
	Recency  float64 `json:"recency,omitempty"`
}

// RankedResult extends a SearchResult with fused scoring detail.
// FinalScore never exceeds 1.
type RankedResult struct {
	ID           string         `json:"id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	VectorScore  float64        `json:"vectorScore"`
	KeywordScore float64        `json:"keywordScore,omitempty"`
	FinalScore   float64        `json:"finalScore"`
	Factors      RankingFactors `json:"factors"`
}

// SourceReference is the citation record carried into a final response.
type SourceReference struct {
	ID             string  `json:"id"`
	SourceID       string  `json:"sourceId,omitempty"`
	SourceName     string  `json:"sourceName,omitempty"`
	Title          string  `json:"title,omitempty"`
	Excerpt        string  `json:"excerpt,omitempty"`
	URL            string  `json:"url,omitempty"`
	RelevanceScore float64 `json:"relevanceScore"`
}

// QueryResult is the synthesized answer for one query.
type QueryResult struct {
	ID               string            `json:"id"`
	Response         string            `json:"response"`
	Sources          []SourceReference `json:"sources"`
	Confidence       float64           `json:"confidence"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
	Cached           bool              `json:"cached"`
}

// SourceError records a per-source failure during fan-out.
type SourceError struct {
	SourceID string `json:"sourceId"`
	Message  string `json:"message"`
}

// SearchContext is a snapshot of one in-flight query, as returned by the
// processor's status operation. It references ids only, never live state.
type SearchContext struct {
	QueryID   string         `json:"queryId"`
	Text      string         `json:"text"`
	StartedAt time.Time      `json:"startedAt"`
	Results   []RankedResult `json:"results,omitempty"`
	Errors    []SourceError  `json:"errors,omitempty"`
	Cached    bool           `json:"cached"`
}

// CacheStats summarizes cache store counters.
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hitRate"`
	Keys        int64   `json:"keys"`
	MemoryBytes int64   `json:"memoryBytes"`
	Evictions   int64   `json:"evictions"`
}

// VectorStats reports the state of a vector back-end index.
type VectorStats struct {
	VectorCount int64     `json:"vectorCount"`
	Dimension   int       `json:"dimension"`
	IndexTag    string    `json:"indexTag"`
	LastUpdated time.Time `json:"lastUpdated"`
	Bytes       int64     `json:"bytes,omitempty"`
}

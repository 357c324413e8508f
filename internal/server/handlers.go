package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/pkg/models"
)

// confidentThreshold separates a full 200 answer from a 206 partial one.
const confidentThreshold = 0.5

type queryRequest struct {
	Text    string          `json:"text"`
	Context map[string]any  `json:"context,omitempty"`
	Filters []models.Filter `json:"filters,omitempty"`
}

type queryEcho struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type queryMetadata struct {
	CorrelationID    string `json:"correlationId"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	FailedSources    int    `json:"failedSources"`
}

type queryResponse struct {
	Query    queryEcho          `json:"query"`
	Result   models.QueryResult `json:"result"`
	Metadata queryMetadata      `json:"metadata"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error      errorBody `json:"error"`
	RetryAfter int       `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{}
	var status int

	switch apperr.KindOf(err) {
	case apperr.Validation:
		status = http.StatusBadRequest
		resp.Error = errorBody{Code: "VALIDATION_ERROR", Message: err.Error()}
	case apperr.Timeout:
		status = http.StatusRequestTimeout
		resp.Error = errorBody{Code: "QUERY_TIMEOUT", Message: err.Error()}
	case apperr.CapacityExceeded:
		status = http.StatusServiceUnavailable
		resp.Error = errorBody{Code: "CAPACITY_EXCEEDED", Message: err.Error()}
		if after := apperr.RetryAfterOf(err); after > 0 {
			resp.RetryAfter = int(after.Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
		}
	case apperr.RateLimit:
		status = http.StatusTooManyRequests
		resp.Error = errorBody{Code: "RATE_LIMITED", Message: err.Error()}
	default:
		status = http.StatusInternalServerError
		resp.Error = errorBody{Code: "INTERNAL_ERROR", Message: err.Error()}
	}
	writeJSON(w, status, resp)
}

func decodeQuery(r *http.Request) (models.Query, error) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return models.Query{}, apperr.Wrap(apperr.Validation, "server.decodeQuery", err)
	}
	q, ok := models.NewQuery(req.Text, req.Context, req.Filters)
	if !ok {
		return models.Query{}, apperr.New(apperr.Validation, "server.decodeQuery",
			"query text must be non-empty and at most 10000 characters")
	}
	return q, nil
}

func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	q, err := decodeQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, srcErrs, err := s.processor.Process(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	s.trackResult(q.ID, result, srcErrs)

	status := http.StatusOK
	if result.Confidence <= confidentThreshold {
		status = http.StatusPartialContent
	}
	writeJSON(w, status, queryResponse{
		Query: queryEcho{ID: q.ID, Text: q.Text},
		Result: result,
		Metadata: queryMetadata{
			CorrelationID:    CorrelationID(r.Context()),
			ProcessingTimeMs: result.ProcessingTimeMs,
			FailedSources:    len(srcErrs),
		},
	})
}

func (s *Service) handleQueryAsync(w http.ResponseWriter, r *http.Request) {
	q, err := decodeQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	// Detached from the request context: the client gets a 202 and polls.
	go func() {
		result, srcErrs, err := s.processor.Process(context.Background(), q)
		if err != nil {
			log.Warn().Err(err).Str("query", q.ID).Msg("async query failed")
			return
		}
		s.trackResult(q.ID, result, srcErrs)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"queryId":   q.ID,
		"status":    "processing",
		"statusUrl": "/query/" + q.ID,
	})
}

func (s *Service) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if snap, ok := s.processor.Status(id); ok {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"queryId":        snap.QueryID,
			"status":         "processing",
			"startedAt":      snap.StartedAt,
			"partialResults": len(snap.Results),
			"sourceErrors":   len(snap.Errors),
		})
		return
	}

	tr, ok := s.lookupResult(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: errorBody{Code: "QUERY_NOT_FOUND", Message: "no such query, or its result expired"},
		})
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Query:  queryEcho{ID: id},
		Result: tr.result,
		Metadata: queryMetadata{
			CorrelationID:    CorrelationID(r.Context()),
			ProcessingTimeMs: tr.result.ProcessingTimeMs,
			FailedSources:    len(tr.srcErrs),
		},
	})
}

func (s *Service) handleQueryCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.processor.Cancel(id) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: errorBody{Code: "QUERY_NOT_FOUND", Message: "query is not in flight"},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queryId": id, "status": "cancelled"})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := s.processor.HealthCheck(r.Context())

	healthy := true
	for _, ok := range components {
		healthy = healthy && ok
	}
	if s.monitor != nil {
		h := s.monitor.Health(r.Context())
		healthy = healthy && h.Healthy
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	writeJSON(w, status, map[string]any{
		"status":        state,
		"components":    components,
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"processor": map[string]any{
			"activeQueries": s.processor.ActiveCount(),
		},
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
	}

	if s.store != nil {
		stats["cache"] = s.store.Stats(r.Context())
	}
	if s.vectors != nil {
		if vs, err := s.vectors.Stats(r.Context()); err == nil {
			stats["vector"] = vs
		} else {
			log.Warn().Err(err).Msg("vector stats unavailable")
		}
	}
	if s.registry != nil {
		stats["sources"] = map[string]any{
			"active": len(s.registry.GetActive()),
			"total":  len(s.registry.IDs()),
		}
	}
	if s.warmer != nil {
		stats["warming"] = s.warmer.Stats()
	}
	if s.monitor != nil {
		stats["monitoring"] = s.monitor.Health(r.Context())
	}
	if s.limiter != nil {
		stats["rateLimiter"] = s.limiter.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

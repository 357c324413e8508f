// Package server exposes the query pipeline over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/sievehq/sieve/internal/cache"
	"github.com/sievehq/sieve/internal/config"
	"github.com/sievehq/sieve/internal/monitoring"
	"github.com/sievehq/sieve/internal/processor"
	"github.com/sievehq/sieve/internal/registry"
	"github.com/sievehq/sieve/internal/vector"
	"github.com/sievehq/sieve/internal/warming"
	"github.com/sievehq/sieve/pkg/models"
)

const (
	// asyncResultTTL is how long a completed async result stays
	// retrievable via GET /query/{id} after the worker finishes.
	asyncResultTTL = 5 * time.Minute

	// maxTrackedResults bounds the completed-result table.
	maxTrackedResults = 1000

	defaultRequestTimeout = 30 * time.Second
)

// Service is the HTTP facade over the query processor.
type Service struct {
	cfg       config.ServerConfig
	processor *processor.QueryProcessor
	store     cache.Store
	vectors   vector.Store
	registry  *registry.Registry
	warmer    *warming.Warmer
	monitor   *monitoring.QueryMonitor

	router  *chi.Mux
	server  *http.Server
	limiter *RateLimiter

	startTime time.Time

	// completed holds finished async results until they expire.
	mu        sync.Mutex
	completed map[string]trackedResult
}

type trackedResult struct {
	result    models.QueryResult
	srcErrs   []models.SourceError
	expiresAt time.Time
}

// NewService wires the HTTP surface over the pipeline components. The
// warmer and monitor may be nil; their stats sections are then omitted.
func NewService(
	cfg config.ServerConfig,
	proc *processor.QueryProcessor,
	store cache.Store,
	vectors vector.Store,
	reg *registry.Registry,
	warmer *warming.Warmer,
	monitor *monitoring.QueryMonitor,
) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	s := &Service{
		cfg:       cfg,
		processor: proc,
		store:     store,
		vectors:   vectors,
		registry:  reg,
		warmer:    warmer,
		monitor:   monitor,
		router:    chi.NewRouter(),
		startTime: time.Now(),
		completed: make(map[string]trackedResult),
	}

	if cfg.RateLimitMax > 0 && cfg.RateLimitWindow > 0 {
		rate := float64(cfg.RateLimitMax) / cfg.RateLimitWindow.Seconds()
		s.limiter = NewRateLimiter(rate, cfg.RateLimitMax)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(correlationID)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(s.cfg.RequestTimeout))
	if len(s.cfg.CORSOrigins) > 0 {
		s.router.Use(corsMiddleware(s.cfg.CORSOrigins))
	}
	if s.limiter != nil {
		s.router.Use(RateLimitMiddleware(s.limiter))
	}
}

func (s *Service) setupRoutes() {
	s.router.Post("/query", s.handleQuery)
	s.router.Post("/query/async", s.handleQueryAsync)
	s.router.Get("/query/{id}", s.handleQueryStatus)
	s.router.Delete("/query/{id}", s.handleQueryCancel)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/stats", s.handleStats)
}

// Router exposes the handler tree, mainly for tests.
func (s *Service) Router() http.Handler { return s.router }

// Start begins serving. It returns once the listener goroutine is
// launched; failures after bind are logged.
func (s *Service) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	log.Info().Str("addr", addr).Msg("http server started")
	return nil
}

// Shutdown drains in-flight requests within the deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
		return err
	}
	log.Info().Msg("http server shutdown complete")
	return nil
}

// trackResult records a completed async query for later retrieval.
func (s *Service) trackResult(queryID string, result models.QueryResult, srcErrs []models.SourceError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, tr := range s.completed {
		if tr.expiresAt.Before(now) {
			delete(s.completed, id)
		}
	}
	if len(s.completed) >= maxTrackedResults {
		for id := range s.completed {
			delete(s.completed, id)
			break
		}
	}
	s.completed[queryID] = trackedResult{
		result:    result,
		srcErrs:   srcErrs,
		expiresAt: now.Add(asyncResultTTL),
	}
}

func (s *Service) lookupResult(queryID string) (trackedResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.completed[queryID]
	if !ok || tr.expiresAt.Before(time.Now()) {
		delete(s.completed, queryID)
		return trackedResult{}, false
	}
	return tr, true
}

// Package registry tracks the data sources whose vectors participate in
// query fan-out. Sources move through a small status machine: new sources
// become active on successful validation, syncing while a sync runs, and
// error with a message when validation or a sync fails.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/pkg/models"
)

// UpdateHook is called after a source changes in a way that can stale
// cached results for it. The cache-warming layer subscribes here.
type UpdateHook func(sourceID string)

// SyncFunc performs one sync pass for a source. The default is a no-op
// used until a connector is attached.
type SyncFunc func(ctx context.Context, src models.Source) error

// Registry is the in-process source catalog.
type Registry struct {
	mu       sync.RWMutex
	sources  map[string]models.Source
	order    []string // insertion order, drives listing and fan-out
	hooks    []UpdateHook
	validate *validator.Validate
	syncFn   SyncFunc
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sources:  make(map[string]models.Source),
		validate: validator.New(),
		syncFn:   func(context.Context, models.Source) error { return nil },
	}
}

// SetSyncFunc replaces the sync implementation.
func (r *Registry) SetSyncFunc(fn SyncFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn != nil {
		r.syncFn = fn
	}
}

// OnUpdate subscribes a hook to source changes.
func (r *Registry) OnUpdate(hook UpdateHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *Registry) fireHooks(sourceID string) {
	r.mu.RLock()
	hooks := make([]UpdateHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()
	for _, h := range hooks {
		h(sourceID)
	}
}

// validateSource runs struct validation plus the per-type connection
// checks.
func (r *Registry) validateSource(src models.Source) error {
	if err := r.validate.Struct(src); err != nil {
		return apperr.Wrap(apperr.Validation, "registry", err)
	}
	switch src.Type {
	case models.SourceTypeFile:
		if src.Connection.Path == "" {
			return apperr.New(apperr.Validation, "registry", "file source requires a path")
		}
	case models.SourceTypeDatabase:
		if src.Connection.ConnectionString == "" {
			return apperr.New(apperr.Validation, "registry", "database source requires a connection string")
		}
		if src.Connection.Username == "" {
			return apperr.New(apperr.Validation, "registry", "database source requires credentials")
		}
	case models.SourceTypeAPI:
		if src.Connection.URL == "" {
			return apperr.New(apperr.Validation, "registry", "api source requires a url")
		}
	}
	return nil
}

// Register validates and stores a new source. Valid sources activate
// immediately; the caller gets the stored copy.
func (r *Registry) Register(src models.Source) (models.Source, error) {
	now := time.Now()
	src.ID = uuid.NewString()
	src.CreatedAt = now
	src.UpdatedAt = now
	src.Error = ""
	src.Status = models.SourceStatusNew

	if err := r.validateSource(src); err != nil {
		return models.Source{}, err
	}
	src.Status = models.SourceStatusActive

	r.mu.Lock()
	r.sources[src.ID] = src
	r.order = append(r.order, src.ID)
	r.mu.Unlock()

	log.Info().Str("source", src.ID).Str("name", src.Name).Str("type", src.Type).Msg("source registered")
	return src, nil
}

// Update replaces the mutable fields of an existing source. A failed
// validation transitions the stored source to error instead of mutating
// it.
func (r *Registry) Update(id string, upd models.Source) (models.Source, error) {
	r.mu.Lock()
	existing, ok := r.sources[id]
	r.mu.Unlock()
	if !ok {
		return models.Source{}, apperr.Newf(apperr.Validation, "registry", "unknown source %q", id)
	}

	next := existing
	next.Name = upd.Name
	next.Type = upd.Type
	next.Connection = upd.Connection
	next.UpdatedAt = time.Now()

	if err := r.validateSource(next); err != nil {
		r.mu.Lock()
		existing.Status = models.SourceStatusError
		existing.Error = err.Error()
		existing.UpdatedAt = next.UpdatedAt
		r.sources[id] = existing
		r.mu.Unlock()
		return models.Source{}, err
	}

	next.Status = models.SourceStatusActive
	next.Error = ""
	r.mu.Lock()
	r.sources[id] = next
	r.mu.Unlock()

	r.fireHooks(id)
	return next, nil
}

// Delete removes a source and notifies subscribers.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	if _, ok := r.sources[id]; !ok {
		r.mu.Unlock()
		return apperr.Newf(apperr.Validation, "registry", "unknown source %q", id)
	}
	delete(r.sources, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.fireHooks(id)
	return nil
}

// GetByID returns a source by id.
func (r *Registry) GetByID(id string) (models.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	return src, ok
}

// GetActive returns the active sources in registration order; this is
// the fan-out set.
func (r *Registry) GetActive() []models.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Source, 0, len(r.order))
	for _, id := range r.order {
		if src := r.sources[id]; src.Active() {
			out = append(out, src)
		}
	}
	return out
}

// ListPage is one page of sources.
type ListPage struct {
	Sources  []models.Source `json:"sources"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
}

// List returns a page of all sources in registration order. Pages are
// 1-based; size defaults to 20.
func (r *Registry) List(page, pageSize int) ListPage {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.order)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	out := make([]models.Source, 0, end-start)
	for _, id := range r.order[start:end] {
		out = append(out, r.sources[id])
	}
	return ListPage{Sources: out, Total: total, Page: page, PageSize: pageSize}
}

// CheckHealth reports whether a source is known and not errored.
func (r *Registry) CheckHealth(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	return ok && src.Status != models.SourceStatusError
}

// TriggerSync runs one sync pass for a source: active becomes syncing
// for the duration, then active on success or error with the message on
// failure. A source already syncing is rejected.
func (r *Registry) TriggerSync(ctx context.Context, id string) error {
	r.mu.Lock()
	src, ok := r.sources[id]
	if !ok {
		r.mu.Unlock()
		return apperr.Newf(apperr.Validation, "registry", "unknown source %q", id)
	}
	if src.Status == models.SourceStatusSyncing {
		r.mu.Unlock()
		return apperr.Newf(apperr.Processing, "registry", "source %q is already syncing", id)
	}
	src.Status = models.SourceStatusSyncing
	src.UpdatedAt = time.Now()
	r.sources[id] = src
	syncFn := r.syncFn
	r.mu.Unlock()

	err := syncFn(ctx, src)

	r.mu.Lock()
	src, ok = r.sources[id] // source may have been deleted mid-sync
	if ok {
		src.UpdatedAt = time.Now()
		if err != nil {
			src.Status = models.SourceStatusError
			src.Error = err.Error()
		} else {
			src.Status = models.SourceStatusActive
			src.Error = ""
			src.LastSyncAt = src.UpdatedAt
		}
		r.sources[id] = src
	}
	r.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("source", id).Msg("source sync failed")
		return apperr.Wrap(apperr.Processing, "registry", err)
	}

	r.fireHooks(id)
	return nil
}

// IDs returns all known source ids sorted, mainly for stats output.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

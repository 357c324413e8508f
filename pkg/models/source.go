package models

import "time"

// Source types.
const (
	SourceTypeFile     = "file"
	SourceTypeDatabase = "database"
	SourceTypeAPI      = "api"
)

// Source statuses. A source is searchable only while active.
const (
	SourceStatusNew     = "new"
	SourceStatusActive  = "active"
	SourceStatusSyncing = "syncing"
	SourceStatusError   = "error"
)

// SourceConnection holds the per-type connection settings. Which fields
// are required depends on the source type.
type SourceConnection struct {
	Path             string `json:"path,omitempty"`
	ConnectionString string `json:"connectionString,omitempty"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	URL              string `json:"url,omitempty" validate:"omitempty,url"`
	AuthToken        string `json:"authToken,omitempty"`
}

// Source is a registered external data origin whose vectors the search
// layer can reach through the shared index.
type Source struct {
	ID         string           `json:"id"`
	Name       string           `json:"name" validate:"required,min=1,max=128"`
	Type       string           `json:"type" validate:"required,oneof=file database api"`
	Status     string           `json:"status"`
	Connection SourceConnection `json:"connection"`
	Error      string           `json:"error,omitempty"`
	LastSyncAt time.Time        `json:"lastSyncAt,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Active reports whether the source participates in fan-out.
func (s Source) Active() bool { return s.Status == SourceStatusActive }

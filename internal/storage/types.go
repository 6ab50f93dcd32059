package storage

import (
	"context"
	"errors"
	"time"

	"changeobserver/internal/marker"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values: "file", "sqlite", "redis". An empty driver is a
// configuration error: the observer cannot run without a marker store.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, acting as the table identifier.
	Prefix string
}

// RunRecord is the persisted outcome of one pipeline run.
type RunRecord struct {
	ID        string    `json:"id"`
	Trigger   string    `json:"trigger"`
	StartedAt time.Time `json:"startedAt"`
	TookMS    int64     `json:"tookMs"`
	Status    string    `json:"status"`
	Processed int       `json:"processedCount"`
	Updated   int       `json:"updatedCount"`
	NoData    int       `json:"noDataCount"`
	Failed    int       `json:"failedCount"`
	Notified  int       `json:"notifiedCount"`
	Error     string    `json:"error,omitempty"`
}

// MarkerRepository is the record store the pipeline and the HTTP API use.
type MarkerRepository interface {
	// List returns every marker in one full scan.
	List(ctx context.Context) ([]marker.Marker, error)
	Get(ctx context.Context, id string) (marker.Marker, error)
	// Add assigns a fresh id, writes the full record and returns the id.
	Add(ctx context.Context, m marker.Marker) (string, error)
	// Update overwrites the record by id. Last write wins.
	Update(ctx context.Context, m marker.Marker) error
	// Delete removes the record. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
}

// Store is the full persistence API.
type Store interface {
	MarkerRepository

	AppendRun(ctx context.Context, r RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

const maxRuns = 500

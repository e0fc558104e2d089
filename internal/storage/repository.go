// Package storage defines the SQL side of the pipeline: a run log recording
// every pipeline execution, and publication of finished tables into a
// relational database for downstream consumers.
//
// Backends live in sub-packages and register themselves from init():
//
//	import _ "medallion/internal/storage/all"
//
//	repo, err := storage.New(ctx, storage.Config{Kind: "sqlite", DSN: path})
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"medallion/internal/records"
)

// Config is the minimal configuration needed to open a repository.
//
// Kind must match a registered backend; DSN is passed through to the backend
// factory and validated there.
type Config struct {
	Kind string
	DSN  string
}

// RunRecord is one row of the run log.
type RunRecord struct {
	RunID      string
	PipelineID string
	Kind       string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time

	RowsRead    int64
	RowsWritten int64
	Inserted    int64
	Updated     int64

	// Error is the failure message of a failed run, empty otherwise.
	Error string
}

// Duration is FinishedAt - StartedAt, or zero for a run still in flight.
func (r RunRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Repository is a backend-agnostic interface over a SQL database.
//
// Each backend implements these semantics in its own idiomatic way (SQLite
// INSERT OR REPLACE, Postgres ON CONFLICT and COPY, SQL Server MERGE).
type Repository interface {
	// Close releases backend resources. Call once.
	Close()

	// EnsureSchema creates the run log table if it does not exist.
	EnsureSchema(ctx context.Context) error

	// RecordRun inserts rec, or overwrites the row with the same RunID.
	RecordRun(ctx context.Context, rec RunRecord) error

	// RecentRuns returns up to limit runs of pipelineID, newest first.
	RecentRuns(ctx context.Context, pipelineID string, limit int) ([]RunRecord, error)

	// ReplaceTable drops table and recreates it from b inside one
	// transaction. Column types are inferred from b.Kinds(). It returns the
	// number of rows written.
	ReplaceTable(ctx context.Context, table string, b *records.Batch) (int64, error)
}

// Factory opens a Repository for one backend kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This fails fast instead of selecting a
//     backend ambiguously.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens a Repository using the registered backend factory.
//
// Safe for concurrent use with Register.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, errors.New("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, errors.WithHintf(
			errors.Newf("storage: unsupported kind %q", cfg.Kind),
			"registered kinds: %v", Kinds(),
		)
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

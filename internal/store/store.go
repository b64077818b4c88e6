// Package store persists the harvest run ledger.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/mdverse/mdverse-harvest/internal/model"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = eris.New("run not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus  `json:"status,omitempty"`
	Source model.Repository `json:"source,omitempty"`
	// CreatedAfter keeps runs created at or after this instant when set.
	CreatedAfter time.Time `json:"created_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

// Store defines the persistence interface for the run ledger.
type Store interface {
	CreateRun(ctx context.Context, source model.Repository, outputDir string) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error
	FailRun(ctx context.Context, runID string, reason string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func listLimit(f RunFilter) int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

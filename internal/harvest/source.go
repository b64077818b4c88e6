// Package harvest drives one harvest run of a repository: listing, merging,
// filtering and the final snapshot.
package harvest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/mdverse/mdverse-harvest/internal/config"
	"github.com/mdverse/mdverse-harvest/internal/model"
	"github.com/mdverse/mdverse-harvest/internal/paginate"
)

var (
	// ErrPrecondition means the repository is unreachable or the run is
	// misconfigured. Nothing is written.
	ErrPrecondition = eris.New("harvest: precondition failed")
	// ErrEmptyListing means every listing produced no dataset at all.
	ErrEmptyListing = eris.New("harvest: no datasets harvested")
)

// Listing is one paginated query against a repository. Exactly one of
// Offset and Cursor is set.
type Listing struct {
	Name   string
	Offset paginate.OffsetSource
	Cursor paginate.CursorSource
}

// Extraction is what a source pulls out of raw listing items or
// enrichment responses.
type Extraction struct {
	Datasets []model.DatasetInput
	Files    []model.FileInput
	// Skipped counts items intentionally ignored, e.g. restricted records.
	Skipped int
}

// Source adapts one repository API to the session.
type Source interface {
	Repository() model.Repository
	// Probe checks connectivity and credentials before anything is listed.
	Probe(ctx context.Context) error
	Listings(q *config.Query) []Listing
	// MatchesFileTypes reports whether listings select datasets by file
	// type. Only then are false positives removed.
	MatchesFileTypes() bool
	// Extract maps one raw listing item to dataset and file inputs.
	Extract(raw json.RawMessage, fetchedAt time.Time) (Extraction, error)
	// Enrich fetches additional files for the harvested datasets. Failures
	// are logged and skipped.
	Enrich(ctx context.Context, datasets []model.DatasetRecord, files []model.FileRecord) Extraction
}

// Ledger records run progress. Its failures never abort a run.
type Ledger interface {
	CreateRun(ctx context.Context, source model.Repository, outputDir string) (*model.Run, error)
	CompleteRun(ctx context.Context, id string, summary *model.RunSummary) error
	FailRun(ctx context.Context, id string, reason string) error
}

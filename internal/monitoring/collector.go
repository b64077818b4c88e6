// Package monitoring summarizes recent harvest runs from the run ledger and
// raises alerts when harvesting degrades.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/mdverse/mdverse-harvest/internal/model"
	"github.com/mdverse/mdverse-harvest/internal/store"
)

// collectLimit bounds how many runs a single collection reads.
const collectLimit = 10_000

// SourceMetrics holds per-repository counters within the lookback window.
type SourceMetrics struct {
	Total            int       `json:"total"`
	Complete         int       `json:"complete"`
	Failed           int       `json:"failed"`
	LastDatasetsKept int       `json:"last_datasets_kept"`
	LastCompleteAt   time.Time `json:"last_complete_at,omitzero"`
}

// MetricsSnapshot holds a point-in-time view of harvest health.
type MetricsSnapshot struct {
	Total    int     `json:"total"`
	Complete int     `json:"complete"`
	Failed   int     `json:"failed"`
	Running  int     `json:"running"`
	FailRate float64 `json:"fail_rate"`

	// Totals over complete runs.
	DatasetsKept     int           `json:"datasets_kept"`
	FilesKept        int           `json:"files_kept"`
	Rejected         int           `json:"rejected"`
	FailedPages      int           `json:"failed_pages"`
	TruncatedQueries int           `json:"truncated_queries"`
	AvgElapsed       time.Duration `json:"avg_elapsed"`

	Sources map[model.Repository]*SourceMetrics `json:"sources"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the part of store.Store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers metrics from the run ledger.
type Collector struct {
	runs RunLister
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs}
}

// Collect gathers a snapshot of harvest metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		Sources:       make(map[model.Repository]*SourceMetrics),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{
		CreatedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        collectLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var elapsed time.Duration
	for _, r := range runs {
		src := snap.Sources[r.Source]
		if src == nil {
			src = &SourceMetrics{}
			snap.Sources[r.Source] = src
		}
		snap.Total++
		src.Total++

		switch r.Status {
		case model.RunStatusComplete:
			snap.Complete++
			src.Complete++
			if r.Summary == nil {
				continue
			}
			snap.DatasetsKept += r.Summary.DatasetsKept
			snap.FilesKept += r.Summary.FilesKept
			snap.Rejected += r.Summary.Rejected
			snap.FailedPages += r.Summary.FailedPages
			snap.TruncatedQueries += r.Summary.TruncatedQueries
			elapsed += r.Summary.Elapsed
			if r.CreatedAt.After(src.LastCompleteAt) {
				src.LastCompleteAt = r.CreatedAt
				src.LastDatasetsKept = r.Summary.DatasetsKept
			}
		case model.RunStatusFailed:
			snap.Failed++
			src.Failed++
		case model.RunStatusRunning:
			snap.Running++
		}
	}

	if finished := snap.Complete + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	if snap.Complete > 0 {
		snap.AvgElapsed = elapsed / time.Duration(snap.Complete)
	}
	return snap, nil
}

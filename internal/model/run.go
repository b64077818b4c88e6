package model

import "time"

// RunStatus represents the state of a harvest run in the ledger.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one harvest run recorded in the ledger.
type Run struct {
	ID        string      `json:"id"`
	Source    Repository  `json:"source"`
	Status    RunStatus   `json:"status"`
	OutputDir string      `json:"output_dir"`
	Summary   *RunSummary `json:"summary,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RunSummary holds the counters reported at the end of a harvest.
type RunSummary struct {
	Source           Repository    `json:"source"`
	DatasetsFound    int           `json:"datasets_found"`
	FilesFound       int           `json:"files_found"`
	DatasetsKept     int           `json:"datasets_kept"`
	FilesKept        int           `json:"files_kept"`
	Rejected         int           `json:"rejected"`
	ExcludedFiles    int           `json:"excluded_files"`
	FalsePositives   int           `json:"false_positives"`
	FailedPages      int           `json:"failed_pages"`
	TruncatedQueries int           `json:"truncated_queries"`
	DatasetsPath     string        `json:"datasets_path"`
	FilesPath        string        `json:"files_path"`
	RejectionsPath   string        `json:"rejections_path"`
	Elapsed          time.Duration `json:"elapsed"`
}

package snapshot

import (
	"path/filepath"
	"time"
)

// Layout names the files of one run: <root>/<source>/<YYYY-MM-DD>/.
type Layout struct {
	Dir    string
	Source string
}

// NewLayout returns the layout for a run of source started at start.
func NewLayout(root, source string, start time.Time) Layout {
	return Layout{
		Dir:    filepath.Join(root, source, start.Format(time.DateOnly)),
		Source: source,
	}
}

func (l Layout) path(suffix string) string {
	return filepath.Join(l.Dir, l.Source+suffix)
}

// Datasets is the dataset snapshot path.
func (l Layout) Datasets() string { return l.path("_datasets.parquet") }

// Files is the file snapshot path.
func (l Layout) Files() string { return l.path("_files.parquet") }

// Rejections is the rejected-records path.
func (l Layout) Rejections() string { return l.path("_rejections.jsonl") }

// Log is the per-run log path.
func (l Layout) Log() string { return l.path("_harvest.log") }

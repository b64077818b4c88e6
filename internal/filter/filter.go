// Package filter prunes excluded files and datasets that were matched by a
// query but hold no data of interest.
package filter

import (
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/mdverse/mdverse-harvest/internal/model"
)

// Exclude drops files whose base name starts with one of namePrefixes or
// whose full name contains one of pathSubstrings. It returns the kept files
// and the number removed.
func Exclude(files []model.FileRecord, namePrefixes, pathSubstrings []string) ([]model.FileRecord, int) {
	if len(namePrefixes) == 0 && len(pathSubstrings) == 0 {
		return files, 0
	}
	kept := make([]model.FileRecord, 0, len(files))
	for _, f := range files {
		if pattern, ok := excluded(f.Name, namePrefixes, pathSubstrings); ok {
			zap.L().Debug("file excluded",
				zap.String("dataset_id", f.DatasetID),
				zap.String("file_name", f.Name),
				zap.String("pattern", pattern),
			)
			continue
		}
		kept = append(kept, f)
	}
	return kept, len(files) - len(kept)
}

func excluded(name string, namePrefixes, pathSubstrings []string) (string, bool) {
	for _, p := range pathSubstrings {
		if p != "" && strings.Contains(name, p) {
			return p, true
		}
	}
	base := path.Base(name)
	for _, p := range namePrefixes {
		if p != "" && strings.HasPrefix(base, p) {
			return p, true
		}
	}
	return "", false
}

// MeaningfulTypes returns the requested types that prove relevance on their
// own: archive formats are removed since their content is unknown.
func MeaningfulTypes(requested []string) []string {
	var out []string
	for _, t := range requested {
		t = strings.ToLower(t)
		if t == "" || model.IsArchiveType(t) || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Result is the outcome of the false-positive pass.
type Result struct {
	Datasets []model.DatasetRecord
	Files    []model.FileRecord
	Removed  []model.DatasetKey
}

// FalsePositives removes every dataset whose distinct file types share
// nothing with meaningful, unless all of them are archive types. Datasets
// with no files are kept. Files of removed datasets are removed too.
func FalsePositives(datasets []model.DatasetRecord, files []model.FileRecord, meaningful []string) Result {
	want := make(map[string]bool, len(meaningful))
	for _, t := range meaningful {
		want[strings.ToLower(t)] = true
	}

	types := make(map[model.DatasetKey]map[string]int)
	for _, f := range files {
		k := f.DatasetKey()
		if types[k] == nil {
			types[k] = make(map[string]int)
		}
		types[k][f.Type]++
	}

	flagged := make(map[model.DatasetKey]bool)
	var res Result
	for _, d := range datasets {
		k := d.Key()
		dt, ok := types[k]
		if !ok || !isFalsePositive(dt, want) {
			res.Datasets = append(res.Datasets, d)
			continue
		}
		flagged[k] = true
		res.Removed = append(res.Removed, k)
		zap.L().Info("dataset is probably a false positive",
			zap.String("dataset_id", d.ID),
			zap.String("url", d.URL),
			zap.Int("files", total(dt)),
			zap.Strings("file_types", firstTypes(dt, 20)),
		)
	}

	for _, f := range files {
		if !flagged[f.DatasetKey()] {
			res.Files = append(res.Files, f)
		}
	}
	return res
}

func isFalsePositive(types map[string]int, meaningful map[string]bool) bool {
	allArchive := true
	for t := range types {
		if meaningful[t] {
			return false
		}
		if !model.IsArchiveType(t) {
			allArchive = false
		}
	}
	return !allArchive
}

func total(types map[string]int) int {
	n := 0
	for _, c := range types {
		n += c
	}
	return n
}

func firstTypes(types map[string]int, limit int) []string {
	out := make([]string, 0, len(types))
	for t := range types {
		out = append(out, t)
	}
	slices.Sort(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

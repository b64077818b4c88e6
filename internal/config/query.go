package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Keyword modes for a file type.
const (
	KeywordsNone = "none"
	KeywordsAll  = "keywords"
)

// FileTypeQuery selects datasets containing files of Type, optionally
// narrowed by the query keywords.
type FileTypeQuery struct {
	Type     string `yaml:"type"`
	Keywords string `yaml:"keywords"`
}

// Query is the user-supplied description of what to harvest.
type Query struct {
	FileTypes              []FileTypeQuery `yaml:"file_types"`
	Keywords               []string        `yaml:"keywords"`
	ExcludedFilePrefixes   []string        `yaml:"excluded_files_starting_with"`
	ExcludedPathSubstrings []string        `yaml:"excluded_paths_containing"`
}

// LoadQuery reads and validates a query file.
func LoadQuery(path string) (*Query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "query: read %s", path)
	}
	var q Query
	if err := yaml.Unmarshal(data, &q); err != nil {
		return nil, eris.Wrapf(err, "query: parse %s", path)
	}
	q.normalize()
	if err := q.Validate(); err != nil {
		return nil, eris.Wrapf(err, "query: %s", path)
	}
	return &q, nil
}

func (q *Query) normalize() {
	for i := range q.FileTypes {
		ft := &q.FileTypes[i]
		ft.Type = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ft.Type), "."))
		ft.Keywords = strings.ToLower(strings.TrimSpace(ft.Keywords))
		if ft.Keywords == "" {
			ft.Keywords = KeywordsNone
		}
	}
}

// Validate checks the query for missing or inconsistent entries.
func (q *Query) Validate() error {
	if len(q.FileTypes) == 0 {
		return eris.New("at least one file type is required")
	}
	needKeywords := false
	for i, ft := range q.FileTypes {
		if ft.Type == "" {
			return eris.Errorf("file type %d is empty", i+1)
		}
		switch ft.Keywords {
		case KeywordsNone:
		case KeywordsAll:
			needKeywords = true
		default:
			return eris.Errorf("file type %s: keywords must be %q or %q", ft.Type, KeywordsNone, KeywordsAll)
		}
	}
	if needKeywords && len(q.Keywords) == 0 {
		return eris.New("keywords are required when a file type uses them")
	}
	return nil
}

// Types returns the distinct requested file types in query order.
func (q *Query) Types() []string {
	seen := make(map[string]bool, len(q.FileTypes))
	var out []string
	for _, ft := range q.FileTypes {
		if !seen[ft.Type] {
			seen[ft.Type] = true
			out = append(out, ft.Type)
		}
	}
	return out
}

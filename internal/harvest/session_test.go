package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mdverse/mdverse-harvest/internal/config"
	"github.com/mdverse/mdverse-harvest/internal/fetcher"
	"github.com/mdverse/mdverse-harvest/internal/model"
	"github.com/mdverse/mdverse-harvest/internal/paginate"
)

// hitServer serves total hits of the form {"id": n, "files": [...]}.
type hitServer struct {
	total int
	// duplicatePage is served again together with the last page.
	duplicatePage int
	files         func(id int) []string
}

func (h hitServer) hits(page, size int) []json.RawMessage {
	var out []json.RawMessage
	for i := (page-1)*size + 1; i <= page*size && i <= h.total; i++ {
		names := []string{"conf.gro"}
		if h.files != nil {
			names = h.files(i)
		}
		files, _ := json.Marshal(names)
		out = append(out, json.RawMessage(fmt.Sprintf(`{"id":%d,"title":"run %d","files":%s}`, i, i, files)))
	}
	return out
}

func (h hitServer) FetchPage(_ context.Context, page, size int) (paginate.OffsetPage, error) {
	items := h.hits(page, size)
	last := (h.total + size - 1) / size
	if h.duplicatePage > 0 && page == last && size > 1 {
		items = append(items, h.hits(h.duplicatePage, size)...)
	}
	return paginate.OffsetPage{Total: h.total, Items: items}, nil
}

type fakeSource struct {
	unscoped bool
	probeErr error
	listings []Listing
	enrich   Extraction
}

func (f *fakeSource) Repository() model.Repository { return model.RepositoryZenodo }

func (f *fakeSource) MatchesFileTypes() bool { return !f.unscoped }

func (f *fakeSource) Probe(context.Context) error { return f.probeErr }

func (f *fakeSource) Listings(*config.Query) []Listing { return f.listings }

func (f *fakeSource) Extract(raw json.RawMessage, fetchedAt time.Time) (Extraction, error) {
	if !gjson.ValidBytes(raw) {
		return Extraction{}, errors.New("malformed hit")
	}
	hit := gjson.ParseBytes(raw)
	id := hit.Get("id").String()
	url := "https://zenodo.org/records/" + id
	ext := Extraction{Datasets: []model.DatasetInput{{
		Repository: model.RepositoryZenodo,
		ID:         id,
		URL:        url,
		Title:      hit.Get("title").String(),
		FetchedAt:  fetchedAt,
	}}}
	hit.Get("files").ForEach(func(_, name gjson.Result) bool {
		ext.Files = append(ext.Files, model.FileInput{
			Repository: model.RepositoryZenodo,
			DatasetID:  id,
			DatasetURL: url,
			Name:       name.String(),
			FetchedAt:  fetchedAt,
		})
		return true
	})
	return ext, nil
}

func (f *fakeSource) Enrich(context.Context, []model.DatasetRecord, []model.FileRecord) Extraction {
	return f.enrich
}

type fakeLedger struct {
	mu        sync.Mutex
	created   int
	completed *model.RunSummary
	failed    string
}

func (l *fakeLedger) CreateRun(_ context.Context, source model.Repository, dir string) (*model.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created++
	return &model.Run{ID: "run-1", Source: source, OutputDir: dir, Status: model.RunStatusRunning}, nil
}

func (l *fakeLedger) CompleteRun(_ context.Context, _ string, s *model.RunSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = s
	return nil
}

func (l *fakeLedger) FailRun(_ context.Context, _ string, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = reason
	return nil
}

var fixedNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, src Source, q *config.Query, ledger Ledger) *Session {
	t.Helper()
	if q == nil {
		q = &config.Query{FileTypes: []config.FileTypeQuery{{Type: "gro", Keywords: config.KeywordsNone}}}
	}
	opts := Options{
		Source:    src,
		Query:     q,
		Walker:    paginate.NewWalker(fetcher.NewPool(fetcher.PoolOptions{Limit: 10}), 0),
		PageSize:  100,
		OutputDir: t.TempDir(),
		Now:       func() time.Time { return fixedNow },
	}
	if ledger != nil {
		opts.Ledger = ledger
	}
	return NewSession(opts)
}

func readDatasets(t *testing.T, path string) []model.DatasetRecord {
	t.Helper()
	rows, err := parquet.ReadFile[model.DatasetRecord](path)
	require.NoError(t, err)
	return rows
}

func TestSession_EndToEnd(t *testing.T) {
	src := &fakeSource{listings: []Listing{{Name: "gro", Offset: hitServer{total: 250}}}}
	ledger := &fakeLedger{}
	s := newTestSession(t, src, nil, ledger)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 250, summary.DatasetsFound)
	assert.Equal(t, 250, summary.DatasetsKept)
	assert.Equal(t, 250, summary.FilesKept)
	assert.Zero(t, summary.FailedPages)
	assert.Equal(t, filepath.Join(s.Layout().Dir, "zenodo_datasets.parquet"), summary.DatasetsPath)

	rows := readDatasets(t, summary.DatasetsPath)
	require.Len(t, rows, 250)
	assert.Equal(t, "1", rows[0].ID)
	assert.Equal(t, "250", rows[249].ID)
	assert.Equal(t, "2025-06-01", filepath.Base(s.Layout().Dir))

	assert.Equal(t, 1, ledger.created)
	require.NotNil(t, ledger.completed)
	assert.Equal(t, 250, ledger.completed.DatasetsKept)
}

func TestSession_DuplicatedPageIsMergedOnce(t *testing.T) {
	src := &fakeSource{listings: []Listing{{Name: "gro", Offset: hitServer{total: 250, duplicatePage: 2}}}}
	s := newTestSession(t, src, nil, nil)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 250, summary.DatasetsKept)

	rows := readDatasets(t, summary.DatasetsPath)
	require.Len(t, rows, 250)
	seen := make(map[string]bool)
	for _, r := range rows {
		assert.False(t, seen[r.ID], "duplicate %s", r.ID)
		seen[r.ID] = true
	}
}

func TestSession_OverlappingListings(t *testing.T) {
	src := &fakeSource{listings: []Listing{
		{Name: "gro", Offset: hitServer{total: 120}},
		{Name: "xtc", Offset: hitServer{total: 80}},
	}}
	s := newTestSession(t, src, nil, nil)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120, summary.DatasetsKept)
}

func TestSession_ProbeFailure(t *testing.T) {
	src := &fakeSource{probeErr: errors.New("connection refused")}
	ledger := &fakeLedger{}
	s := newTestSession(t, src, nil, ledger)

	_, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPrecondition))
	assert.NotEmpty(t, ledger.failed)

	_, statErr := os.Stat(s.Layout().Datasets())
	assert.True(t, os.IsNotExist(statErr))
}

func TestSession_EmptyListing(t *testing.T) {
	src := &fakeSource{listings: []Listing{{Name: "gro", Offset: hitServer{total: 0}}}}
	s := newTestSession(t, src, nil, nil)

	_, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyListing))
	_, statErr := os.Stat(s.Layout().Files())
	assert.True(t, os.IsNotExist(statErr))
}

func TestSession_FiltersAndRejections(t *testing.T) {
	files := func(id int) []string {
		switch id {
		case 1:
			return []string{"run.log", "plot.png"}
		case 2:
			return []string{"data.zip"}
		case 3:
			return []string{"conf.gro", "._conf.gro", ".git/config"}
		case 4:
			return []string{"archive.tar.gz"}
		}
		return []string{"conf.gro"}
	}
	src := &fakeSource{
		listings: []Listing{{Name: "gro", Offset: hitServer{total: 4, files: files}}},
		enrich: Extraction{
			Files: []model.FileInput{
				{Repository: model.RepositoryZenodo, DatasetID: "2", Name: "inner/conf.gro", Archive: "data.zip", FetchedAt: fixedNow},
				{Repository: model.RepositoryZenodo, DatasetID: "999", Name: "orphan.gro", FetchedAt: fixedNow},
				{Repository: model.RepositoryZenodo, DatasetID: "3", Name: "  ", FetchedAt: fixedNow},
			},
		},
	}
	q := &config.Query{
		FileTypes:              []config.FileTypeQuery{{Type: "gro"}, {Type: "zip"}},
		ExcludedFilePrefixes:   []string{"._"},
		ExcludedPathSubstrings: []string{".git/"},
	}
	s := newTestSession(t, src, q, nil)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.DatasetsFound)
	assert.Equal(t, 1, summary.FalsePositives, "dataset 1 only has log and png files")
	assert.Equal(t, 2, summary.ExcludedFiles)
	assert.Equal(t, 3, summary.DatasetsKept)
	assert.Equal(t, 2, summary.Rejected, "orphan and nameless file")
	require.NotEmpty(t, summary.RejectionsPath)

	rows := readDatasets(t, summary.DatasetsPath)
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"2", "3", "4"}, ids)

	kept, err := parquet.ReadFile[model.FileRecord](summary.FilesPath)
	require.NoError(t, err)
	var inner *model.FileRecord
	for i := range kept {
		assert.NotEqual(t, "1", kept[i].DatasetID)
		if kept[i].Name == "inner/conf.gro" {
			inner = &kept[i]
		}
	}
	require.NotNil(t, inner)
	require.NotNil(t, inner.ContainingArchive)
	assert.Equal(t, "data.zip", *inner.ContainingArchive)
}

func TestSession_UnscopedSourceKeepsAllDatasets(t *testing.T) {
	files := func(int) []string { return []string{"run.log"} }
	src := &fakeSource{unscoped: true, listings: []Listing{{Name: "md", Offset: hitServer{total: 5, files: files}}}}
	s := newTestSession(t, src, nil, nil)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.FalsePositives)
	assert.Equal(t, 5, summary.DatasetsKept)
}

func TestSession_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeSource{listings: []Listing{{Name: "gro", Offset: hitServer{total: 10}}}}
	s := newTestSession(t, src, nil, nil)

	_, err := s.Run(ctx)
	require.Error(t, err)
	_, statErr := os.Stat(s.Layout().Datasets())
	assert.True(t, os.IsNotExist(statErr))
}

func TestSession_SnapshotFailureKeepsPreviousPair(t *testing.T) {
	src := &fakeSource{listings: []Listing{{Name: "gro", Offset: hitServer{total: 30}}}}
	ledger := &fakeLedger{}
	s := newTestSession(t, src, nil, ledger)

	// An earlier run today left a datasets snapshot; the files destination
	// cannot be replaced.
	require.NoError(t, os.MkdirAll(s.Layout().Dir, 0o755))
	require.NoError(t, os.WriteFile(s.Layout().Datasets(), []byte("previous datasets"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(s.Layout().Files(), "busy"), 0o755))

	summary, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.Contains(t, err.Error(), "write files")

	data, readErr := os.ReadFile(s.Layout().Datasets())
	require.NoError(t, readErr)
	assert.Equal(t, "previous datasets", string(data), "datasets snapshot is not published alone")

	leftovers, globErr := filepath.Glob(filepath.Join(s.Layout().Dir, ".*.tmp-*"))
	require.NoError(t, globErr)
	assert.Empty(t, leftovers)

	assert.Equal(t, 1, ledger.created)
	assert.Contains(t, ledger.failed, "write files")
	assert.Nil(t, ledger.completed, "failed snapshot never completes the run")
}

func TestSession_SnapshotFailureWithoutPrevious(t *testing.T) {
	src := &fakeSource{listings: []Listing{{Name: "gro", Offset: hitServer{total: 30}}}}
	s := newTestSession(t, src, nil, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Layout().Files(), "busy"), 0o755))

	_, err := s.Run(context.Background())
	require.Error(t, err)

	_, statErr := os.Stat(s.Layout().Datasets())
	assert.True(t, os.IsNotExist(statErr))
}

func TestSession_ReplacesSnapshotPair(t *testing.T) {
	src := &fakeSource{listings: []Listing{{Name: "gro", Offset: hitServer{total: 30}}}}
	s := newTestSession(t, src, nil, nil)
	require.NoError(t, os.MkdirAll(s.Layout().Dir, 0o755))
	require.NoError(t, os.WriteFile(s.Layout().Datasets(), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(s.Layout().Files(), []byte("old"), 0o644))

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, readDatasets(t, summary.DatasetsPath), 30)
	files, err := parquet.ReadFile[model.FileRecord](summary.FilesPath)
	require.NoError(t, err)
	assert.Len(t, files, 30)
}

func TestSession_CountsTruncatedListing(t *testing.T) {
	src := &fakeSource{listings: []Listing{{Name: "gro", Offset: hitServer{total: 30}}}}
	s := newTestSession(t, src, nil, nil)
	s.opts.Walker = paginate.NewWalker(fetcher.NewPool(fetcher.PoolOptions{Limit: 2}), 25)
	s.opts.PageSize = 10

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TruncatedQueries)
	assert.Equal(t, 25, summary.DatasetsKept)
}

func TestSession_MalformedItemKeepsRaw(t *testing.T) {
	src := &fakeSource{listings: []Listing{{Name: "gro", Cursor: paginate.CursorFunc(
		func(context.Context, string, int) (paginate.CursorPage, error) {
			return paginate.CursorPage{Items: []json.RawMessage{
				json.RawMessage(`{"id":1,"title":"ok","files":["conf.gro"]}`),
				json.RawMessage(`{"id":2,"title":`),
			}}, nil
		})}}}
	s := newTestSession(t, src, nil, nil)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Rejected)

	data, err := os.ReadFile(summary.RejectionsPath)
	require.NoError(t, err)
	assert.Equal(t, `{"id":2,"title":`, gjson.GetBytes(data, "raw").String())
}

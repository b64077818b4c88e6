package zenodo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdverse/mdverse-harvest/internal/config"
	"github.com/mdverse/mdverse-harvest/internal/fetcher"
	"github.com/mdverse/mdverse-harvest/internal/harvest"
	"github.com/mdverse/mdverse-harvest/internal/model"
	"github.com/mdverse/mdverse-harvest/internal/paginate"
	"github.com/mdverse/mdverse-harvest/internal/resilience"
)

const token = "tok"

const zipPreview = `<html><body><ul class="tree list-unstyled">
<li><div class="row"><i class="folder icon"></i> <a href="#t0">sim </a></div>
  <ul id="t0">
    <li><div class="row">
      <div class="no-padding left floated column"><span>md.xtc</span></div>
      <div class="no-padding right aligned column">1.2 MB</div>
    </div></li>
  </ul>
</li>
<li><div class="row">
  <div class="no-padding left floated column"><span>topol.top</span></div>
  <div class="no-padding right aligned column">12 B</div>
</div></li>
</ul></body></html>`

func record(id int, access string) string {
	return fmt.Sprintf(`{
		"id": %d,
		"doi": "10.5281/zenodo.%d",
		"created": "2024-03-01T10:00:00.123456+00:00",
		"modified": "2024-03-02T11:00:00+00:00",
		"links": {"self_html": "https://zenodo.org/records/%d"},
		"stats": {"downloads": 7, "views": 42},
		"metadata": {
			"title": "MD of <b>lipids</b> %d",
			"description": "<p>Membrane\n\tsimulation</p>",
			"access_right": %q,
			"creators": [{"name": "Doe, Jane"}, {"name": "Roe, Rick"}],
			"keywords": ["martini", "gromacs"],
			"license": {"id": "cc-by-4.0"},
			"related_identifiers": [{"identifier": "https://github.com/x/y"}]
		},
		"files": [
			{"key": "conf.gro", "size": 4600, "checksum": "md5:abc", "links": {"self": "https://zenodo.org/api/records/%d/files/conf.gro/content"}},
			{"key": "data.zip", "size": 1000, "checksum": "md5:def", "links": {"self": "https://zenodo.org/api/records/%d/files/data.zip/content"}}
		]
	}`, id, id, id, id, access, id, id)
}

func newServer(t *testing.T, total int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/deposit/depositions":
			if r.URL.Query().Get("access_token") != token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("X-RateLimit-Limit", "100")
			_, _ = w.Write([]byte(`[]`))
		case r.URL.Path == "/api/records":
			assert.Equal(t, "published", r.URL.Query().Get("status"))
			page, _ := strconv.Atoi(r.URL.Query().Get("page"))
			size, _ := strconv.Atoi(r.URL.Query().Get("size"))
			var hits []string
			for i := (page-1)*size + 1; i <= page*size && i <= total; i++ {
				hits = append(hits, record(i, "open"))
			}
			_, _ = fmt.Fprintf(w, `{"hits": {"total": %d, "hits": [%s]}}`, total, strings.Join(hits, ","))
		case strings.HasSuffix(r.URL.Path, "/preview/data.zip"):
			_, _ = w.Write([]byte(zipPreview))
		case strings.HasSuffix(r.URL.Path, "/preview/broken.zip"):
			_, _ = w.Write([]byte(`<html><body>Zipfile is not previewable.</body></html>`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newSource(srv *httptest.Server, tok string) *Source {
	client := fetcher.NewRequester(fetcher.Options{
		Timeout:     5 * time.Second,
		MaxAttempts: 2,
		Backoff:     resilience.NoBackoff{},
		Policy:      resilience.StrictPolicy{},
	})
	return New(client, fetcher.NewPool(fetcher.PoolOptions{Limit: 4}), srv.URL, tok)
}

func TestSearchQuery(t *testing.T) {
	plain := SearchQuery(config.FileTypeQuery{Type: "gro", Keywords: config.KeywordsNone}, []string{"md"})
	assert.Equal(t, `resource_type.type:"dataset" AND filetype:"gro"`, plain)

	withKeywords := SearchQuery(config.FileTypeQuery{Type: "zip", Keywords: config.KeywordsAll}, []string{"molecular dynamics", "gromacs"})
	assert.Equal(t, `resource_type.type:"dataset" AND filetype:"zip" AND ("molecular dynamics" OR "gromacs")`, withKeywords)

	noKeywords := SearchQuery(config.FileTypeQuery{Type: "zip", Keywords: config.KeywordsAll}, nil)
	assert.Equal(t, `resource_type.type:"dataset" AND filetype:"zip"`, noKeywords)
}

func TestProbe(t *testing.T) {
	srv := newServer(t, 0)
	defer srv.Close()

	require.NoError(t, newSource(srv, token).Probe(context.Background()))

	err := newSource(srv, "").Probe(context.Background())
	assert.True(t, errors.Is(err, harvest.ErrPrecondition))

	err = newSource(srv, "wrong").Probe(context.Background())
	assert.True(t, errors.Is(err, harvest.ErrPrecondition))
}

func TestExtract_OpenRecord(t *testing.T) {
	s := New(nil, nil, "", token)
	fetched := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	ext, err := s.Extract(json.RawMessage(record(12, "open")), fetched)
	require.NoError(t, err)
	require.Len(t, ext.Datasets, 1)
	require.Len(t, ext.Files, 2)

	rec, err := model.NewDatasetRecord(ext.Datasets[0])
	require.NoError(t, err)
	assert.Equal(t, "12", rec.ID)
	assert.Equal(t, "https://zenodo.org/records/12", rec.URL)
	assert.Equal(t, "MD of lipids 12", rec.Title)
	require.NotNil(t, rec.Description)
	assert.Equal(t, "Membrane simulation", *rec.Description)
	assert.Equal(t, []string{"Doe, Jane", "Roe, Rick"}, rec.AuthorNames)
	assert.Equal(t, []string{"martini", "gromacs"}, rec.Keywords)
	assert.Equal(t, "cc-by-4.0", *rec.License)
	assert.Equal(t, "10.5281/zenodo.12", *rec.DOI)
	assert.Equal(t, "2024-03-01T10:00:00", *rec.DateCreated)
	assert.Equal(t, int64(2), *rec.FileCount)
	assert.Equal(t, int64(7), *rec.DownloadCount)
	assert.Equal(t, int64(42), *rec.ViewCount)
	assert.Equal(t, []string{"https://github.com/x/y"}, rec.ExternalLinks)

	f, err := model.NewFileRecord(ext.Files[0])
	require.NoError(t, err)
	assert.Equal(t, "gro", f.Type)
	assert.Equal(t, int64(4600), *f.SizeBytes)
	assert.Equal(t, "abc", *f.MD5)
	assert.Nil(t, f.ContainingArchive)
}

func TestExtract_RestrictedRecordSkipped(t *testing.T) {
	ext, err := New(nil, nil, "", token).Extract(json.RawMessage(record(3, "restricted")), time.Now())
	require.NoError(t, err)
	assert.Empty(t, ext.Datasets)
	assert.Equal(t, 1, ext.Skipped)
}

func TestExtract_Malformed(t *testing.T) {
	_, err := New(nil, nil, "", token).Extract(json.RawMessage(`{"id": `), time.Now())
	assert.Error(t, err)
}

func TestListings_Walk(t *testing.T) {
	srv := newServer(t, 5)
	defer srv.Close()
	s := newSource(srv, token)

	q := &config.Query{FileTypes: []config.FileTypeQuery{{Type: "gro"}, {Type: "zip", Keywords: config.KeywordsAll}}, Keywords: []string{"md"}}
	listings := s.Listings(q)
	require.Len(t, listings, 2)
	assert.Equal(t, "zenodo:gro", listings[0].Name)
	require.NotNil(t, listings[0].Offset)

	w := paginate.NewWalker(fetcher.NewPool(fetcher.PoolOptions{Limit: 4}), 0)
	res, err := w.WalkOffset(context.Background(), listings[0].Name, listings[0].Offset, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 5, res.Len())
	assert.Len(t, res.Pages, 3)
}

func TestEnrich_ZipPreviews(t *testing.T) {
	srv := newServer(t, 0)
	defer srv.Close()
	s := newSource(srv, token)

	fetched := time.Now()
	mk := func(id, name string) model.FileRecord {
		f, err := model.NewFileRecord(model.FileInput{
			Repository: model.RepositoryZenodo,
			DatasetID:  id,
			DatasetURL: "https://zenodo.org/records/" + id,
			Name:       name,
			URL:        "https://zenodo.org/api/records/" + id + "/files/" + name + "/content",
			FetchedAt:  fetched,
		})
		require.NoError(t, err)
		return f
	}
	files := []model.FileRecord{mk("1", "data.zip"), mk("1", "conf.gro"), mk("2", "broken.zip")}

	ext := s.Enrich(context.Background(), nil, files)
	require.Len(t, ext.Files, 2)

	byName := map[string]model.FileInput{}
	for _, f := range ext.Files {
		byName[f.Name] = f
	}
	xtc, ok := byName["sim/md.xtc"]
	require.True(t, ok)
	assert.Equal(t, "data.zip", xtc.Archive)
	assert.Equal(t, "1", xtc.DatasetID)
	assert.Equal(t, files[0].URL, xtc.URL)

	rec, err := model.NewFileRecord(xtc)
	require.NoError(t, err)
	assert.Equal(t, "xtc", rec.Type)
	assert.Equal(t, int64(1_200_000), *rec.SizeBytes)
}

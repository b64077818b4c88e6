// Package nomad harvests molecular dynamics entries from the NOMAD API.
package nomad

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/mdverse/mdverse-harvest/internal/config"
	"github.com/mdverse/mdverse-harvest/internal/fetcher"
	"github.com/mdverse/mdverse-harvest/internal/harvest"
	"github.com/mdverse/mdverse-harvest/internal/model"
	"github.com/mdverse/mdverse-harvest/internal/paginate"
)

// DefaultBaseURL is the public NOMAD API.
const DefaultBaseURL = "https://nomad-lab.eu/prod/v1/api/v1"

const workflowFilter = `query.results\.method\.workflow_name:any`

var entryPaths = paginate.JSONPaths{ItemsPath: "data", NextPath: "pagination.next_page_after_value"}

// Source lists NOMAD entries produced by a molecular dynamics workflow.
type Source struct {
	client  fetcher.Client
	pool    *fetcher.Pool
	baseURL string
	guiURL  string
}

var _ harvest.Source = (*Source)(nil)

// New creates a NOMAD source. pool bounds the rawdir fan-out.
func New(client fetcher.Client, pool *fetcher.Pool, baseURL string) *Source {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Source{
		client:  client,
		pool:    pool,
		baseURL: baseURL,
		guiURL:  strings.TrimSuffix(baseURL, "/api/v1") + "/gui/search/entries",
	}
}

// Repository implements harvest.Source.
func (s *Source) Repository() model.Repository { return model.RepositoryNomad }

// MatchesFileTypes implements harvest.Source. Entries are selected by
// workflow, not by file type.
func (s *Source) MatchesFileTypes() bool { return false }

// Probe checks that the entries endpoint answers.
func (s *Source) Probe(ctx context.Context) error {
	_, out := s.client.Do(ctx, fetcher.Request{Method: http.MethodGet, URL: s.baseURL + "/entries", MaxAttempts: 2})
	if err := out.Err(); err != nil {
		return eris.Wrapf(harvest.ErrPrecondition, "nomad: api unreachable: %v", err)
	}
	return nil
}

// QueryPayload builds the body of an entries query page.
func QueryPayload(cursor string, size int) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}
	set("owner", "visible")
	set(workflowFilter, []string{"MolecularDynamics"})
	set("aggregations", map[string]any{})
	set("pagination.order_by", "upload_create_time")
	set("pagination.order", "desc")
	set("pagination.page_size", size)
	if cursor != "" {
		set("pagination.page_after_value", cursor)
	}
	set("required.exclude", []string{"quantities", "sections"})
	return body, eris.Wrap(err, "nomad: build query")
}

// Listings implements harvest.Source with a single workflow listing.
func (s *Source) Listings(*config.Query) []harvest.Listing {
	return []harvest.Listing{{
		Name:   "nomad:molecular-dynamics",
		Cursor: paginate.CursorFunc(s.queryPage),
	}}
}

func (s *Source) queryPage(ctx context.Context, cursor string, size int) (paginate.CursorPage, error) {
	body, err := QueryPayload(cursor, size)
	if err != nil {
		return paginate.CursorPage{}, err
	}
	resp, out := s.client.Do(ctx, fetcher.Request{
		Method: http.MethodPost,
		URL:    s.baseURL + "/entries/query",
		Body:   body,
	})
	if err := out.Err(); err != nil {
		return paginate.CursorPage{}, eris.Wrapf(err, "nomad: query after %q", cursor)
	}
	if cursor == "" {
		zap.L().Info("nomad entries found", zap.Int64("total", resp.JSON().Get("pagination.total").Int()))
	}
	cp, err := entryPaths.DecodeCursor(resp.Body)
	if err != nil {
		return paginate.CursorPage{}, eris.Wrap(err, "nomad: query page")
	}
	return cp, nil
}

func (s *Source) entryURL(id string) string {
	return s.guiURL + "?entry_id=" + url.QueryEscape(id)
}

// Extract implements harvest.Source. Files are listed later from the
// entry's raw directory.
func (s *Source) Extract(raw json.RawMessage, fetchedAt time.Time) (harvest.Extraction, error) {
	if !gjson.ValidBytes(raw) {
		return harvest.Extraction{}, eris.New("nomad: malformed entry")
	}
	e := gjson.ParseBytes(raw)
	id := e.Get("entry_id").String()
	files := int64(len(e.Get("files").Array()))

	return harvest.Extraction{Datasets: []model.DatasetInput{{
		Repository:    model.RepositoryNomad,
		ID:            id,
		URL:           s.entryURL(id),
		Title:         e.Get("entry_name").String(),
		Description:   e.Get("comment").String(),
		AuthorNames:   stringList(e.Get("authors.#.name")),
		License:       e.Get("license").String(),
		DateCreated:   e.Get("entry_create_time").String(),
		DateUpdated:   e.Get("last_processing_time").String(),
		FetchedAt:     fetchedAt,
		FileCount:     &files,
		ExternalLinks: stringList(e.Get("references")),
	}}}, nil
}

// Enrich implements harvest.Source by reading the raw directory of every
// harvested entry.
func (s *Source) Enrich(ctx context.Context, datasets []model.DatasetRecord, _ []model.FileRecord) harvest.Extraction {
	zap.L().Info("listing nomad entry files", zap.Int("entries", len(datasets)))
	batches := fetcher.FetchAll(ctx, s.pool, datasets, s.rawdir)

	var ext harvest.Extraction
	for _, b := range batches {
		ext.Files = append(ext.Files, b...)
	}
	zap.L().Info("nomad entry files listed",
		zap.Int("entries", len(datasets)),
		zap.Int("listed", len(batches)),
		zap.Int("files", len(ext.Files)),
	)
	return ext
}

func (s *Source) rawdir(ctx context.Context, ds model.DatasetRecord) ([]model.FileInput, error) {
	resp, out := s.client.Do(ctx, fetcher.Request{
		Method: http.MethodGet,
		URL:    s.baseURL + "/entries/" + url.PathEscape(ds.ID) + "/rawdir",
	})
	if err := out.Err(); err != nil {
		return nil, eris.Wrapf(err, "nomad: rawdir of %s", ds.ID)
	}
	doc := resp.JSON()
	if !doc.Get("data.files").IsArray() {
		return nil, eris.Errorf("nomad: rawdir of %s has no file list", ds.ID)
	}

	fileBase := strings.TrimSuffix(s.guiURL, "/entries") + "/entries/entry/id/" + url.PathEscape(ds.ID) + "/files/"
	var files []model.FileInput
	doc.Get("data.files").ForEach(func(_, f gjson.Result) bool {
		p := f.Get("path").String()
		var size any
		if sz := f.Get("size"); sz.Exists() {
			size = sz.Int()
		}
		files = append(files, model.FileInput{
			Repository: model.RepositoryNomad,
			DatasetID:  ds.ID,
			DatasetURL: ds.URL,
			Name:       p,
			URL:        fileBase + p,
			Size:       size,
			FetchedAt:  resp.FetchedAt,
		})
		return true
	})
	return files, nil
}

func stringList(r gjson.Result) []string {
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		if s := v.String(); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}

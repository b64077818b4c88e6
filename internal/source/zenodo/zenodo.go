// Package zenodo harvests datasets from the Zenodo records API.
package zenodo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/mdverse/mdverse-harvest/internal/archive"
	"github.com/mdverse/mdverse-harvest/internal/config"
	"github.com/mdverse/mdverse-harvest/internal/fetcher"
	"github.com/mdverse/mdverse-harvest/internal/harvest"
	"github.com/mdverse/mdverse-harvest/internal/model"
	"github.com/mdverse/mdverse-harvest/internal/paginate"
)

// DefaultBaseURL is the public Zenodo instance.
const DefaultBaseURL = "https://zenodo.org"

var recordPaths = paginate.JSONPaths{TotalPath: "hits.total", ItemsPath: "hits.hits"}

// Source lists Zenodo records by file type.
type Source struct {
	client  fetcher.Client
	pool    *fetcher.Pool
	baseURL string
	token   string
}

var _ harvest.Source = (*Source)(nil)

// New creates a Zenodo source. pool bounds the archive preview fan-out.
func New(client fetcher.Client, pool *fetcher.Pool, baseURL, token string) *Source {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Source{
		client:  client,
		pool:    pool,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// Repository implements harvest.Source.
func (s *Source) Repository() model.Repository { return model.RepositoryZenodo }

// MatchesFileTypes implements harvest.Source.
func (s *Source) MatchesFileTypes() bool { return true }

// Probe checks that the token is accepted by the deposit API.
func (s *Source) Probe(ctx context.Context) error {
	if s.token == "" {
		return eris.Wrap(harvest.ErrPrecondition, "zenodo: access token is missing")
	}
	resp, out := s.client.Do(ctx, fetcher.Request{
		Method:      http.MethodGet,
		URL:         s.baseURL + "/api/deposit/depositions",
		Params:      url.Values{"access_token": {s.token}},
		MaxAttempts: 2,
	})
	if err := out.Err(); err != nil {
		return eris.Wrapf(harvest.ErrPrecondition, "zenodo: api unreachable: %v", err)
	}
	logRateLimit(resp.Header)
	return nil
}

func logRateLimit(h http.Header) {
	zap.L().Info("zenodo rate limit",
		zap.String("limit", h.Get("X-RateLimit-Limit")),
		zap.String("remaining", h.Get("X-RateLimit-Remaining")),
		zap.String("reset", h.Get("X-RateLimit-Reset")),
	)
}

// SearchQuery builds the records query for one file type.
func SearchQuery(ft config.FileTypeQuery, keywords []string) string {
	q := fmt.Sprintf(`resource_type.type:"dataset" AND filetype:"%s"`, ft.Type)
	if ft.Keywords != config.KeywordsAll || len(keywords) == 0 {
		return q
	}
	quoted := make([]string, len(keywords))
	for i, k := range keywords {
		quoted[i] = strconv.Quote(k)
	}
	return q + " AND (" + strings.Join(quoted, " OR ") + ")"
}

// Listings implements harvest.Source with one listing per file type.
func (s *Source) Listings(q *config.Query) []harvest.Listing {
	listings := make([]harvest.Listing, 0, len(q.FileTypes))
	for _, ft := range q.FileTypes {
		query := SearchQuery(ft, q.Keywords)
		listings = append(listings, harvest.Listing{
			Name: "zenodo:" + ft.Type,
			Offset: paginate.OffsetFunc(func(ctx context.Context, page, size int) (paginate.OffsetPage, error) {
				return s.search(ctx, query, page, size)
			}),
		})
	}
	return listings
}

func (s *Source) search(ctx context.Context, query string, page, size int) (paginate.OffsetPage, error) {
	resp, out := s.client.Do(ctx, fetcher.Request{
		Method: http.MethodGet,
		URL:    s.baseURL + "/api/records",
		Params: url.Values{
			"q":            {query},
			"size":         {strconv.Itoa(size)},
			"page":         {strconv.Itoa(page)},
			"status":       {"published"},
			"access_token": {s.token},
		},
	})
	if err := out.Err(); err != nil {
		return paginate.OffsetPage{}, eris.Wrapf(err, "zenodo: search page %d", page)
	}
	op, err := recordPaths.DecodeOffset(resp.Body)
	if err != nil {
		return paginate.OffsetPage{}, eris.Wrapf(err, "zenodo: search page %d", page)
	}
	return op, nil
}

// Extract implements harvest.Source. Records that are not openly
// accessible are skipped.
func (s *Source) Extract(raw json.RawMessage, fetchedAt time.Time) (harvest.Extraction, error) {
	if !gjson.ValidBytes(raw) {
		return harvest.Extraction{}, eris.New("zenodo: malformed record")
	}
	hit := gjson.ParseBytes(raw)
	meta := hit.Get("metadata")
	id := hit.Get("id").String()
	if meta.Get("access_right").String() != "open" {
		zap.L().Debug("zenodo record skipped", zap.String("dataset_id", id), zap.String("access_right", meta.Get("access_right").String()))
		return harvest.Extraction{Skipped: 1}, nil
	}

	datasetURL := hit.Get("links.self_html").String()
	files := hit.Get("files").Array()
	ds := model.DatasetInput{
		Repository:    model.RepositoryZenodo,
		ID:            id,
		URL:           datasetURL,
		Title:         meta.Get("title").String(),
		Description:   meta.Get("description").String(),
		AuthorNames:   stringList(meta.Get("creators.#.name")),
		Keywords:      stringList(meta.Get("keywords")),
		License:       meta.Get("license.id").String(),
		DOI:           hit.Get("doi").String(),
		DateCreated:   hit.Get("created").String(),
		DateUpdated:   hit.Get("modified").String(),
		FetchedAt:     fetchedAt,
		FileCount:     count(int64(len(files))),
		DownloadCount: optionalInt(hit.Get("stats.downloads")),
		ViewCount:     optionalInt(hit.Get("stats.views")),
		ExternalLinks: stringList(meta.Get("related_identifiers.#.identifier")),
	}

	ext := harvest.Extraction{Datasets: []model.DatasetInput{ds}}
	for _, f := range files {
		ext.Files = append(ext.Files, model.FileInput{
			Repository: model.RepositoryZenodo,
			DatasetID:  id,
			DatasetURL: datasetURL,
			Name:       f.Get("key").String(),
			URL:        f.Get("links.self").String(),
			Size:       sizeValue(f.Get("size")),
			MD5:        f.Get("checksum").String(),
			FetchedAt:  fetchedAt,
		})
	}
	return ext, nil
}

// Enrich implements harvest.Source by listing the content of every zip
// file through its HTML preview.
func (s *Source) Enrich(ctx context.Context, _ []model.DatasetRecord, files []model.FileRecord) harvest.Extraction {
	var zips []model.FileRecord
	for _, f := range files {
		if f.Type == "zip" && f.ContainingArchive == nil {
			zips = append(zips, f)
		}
	}
	if len(zips) == 0 {
		return harvest.Extraction{}
	}
	zap.L().Info("listing zip archives", zap.Int("archives", len(zips)))

	batches := fetcher.FetchAll(ctx, s.pool, zips, s.previewZip)
	var ext harvest.Extraction
	for _, b := range batches {
		ext.Files = append(ext.Files, b...)
	}
	zap.L().Info("zip archives listed",
		zap.Int("archives", len(zips)),
		zap.Int("previewed", len(batches)),
		zap.Int("files", len(ext.Files)),
	)
	return ext
}

func (s *Source) previewZip(ctx context.Context, zip model.FileRecord) ([]model.FileInput, error) {
	target := fmt.Sprintf("%s/records/%s/preview/%s", s.baseURL, url.PathEscape(zip.DatasetID), url.PathEscape(zip.Name))
	resp, out := s.client.Do(ctx, fetcher.Request{Method: http.MethodGet, URL: target})
	if err := out.Err(); err != nil {
		return nil, eris.Wrapf(err, "zenodo: preview %s", zip.Name)
	}
	entries, err := archive.ParsePreview(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, eris.Wrapf(err, "zenodo: preview %s of %s", zip.Name, zip.DatasetID)
	}

	inner := make([]model.FileInput, 0, len(entries))
	for _, e := range entries {
		var size any = e.RawSize
		if e.Size != nil {
			size = e.Size
		}
		inner = append(inner, model.FileInput{
			Repository: zip.Repository,
			DatasetID:  zip.DatasetID,
			DatasetURL: zip.DatasetURL,
			Name:       e.Path,
			URL:        zip.URL,
			Size:       size,
			Archive:    zip.Name,
			FetchedAt:  resp.FetchedAt,
		})
	}
	return inner, nil
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

func optionalInt(r gjson.Result) *int64 {
	if !r.Exists() || r.Type != gjson.Number {
		return nil
	}
	return count(r.Int())
}

func count(n int64) *int64 { return &n }

func sizeValue(r gjson.Result) any {
	switch r.Type {
	case gjson.Number:
		return r.Int()
	case gjson.String:
		return r.String()
	default:
		return nil
	}
}

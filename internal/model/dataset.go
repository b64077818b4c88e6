package model

import (
	"strings"
	"time"
)

// DatasetKey uniquely identifies a dataset across repositories.
type DatasetKey struct {
	Repository Repository
	ID         string
}

func (k DatasetKey) String() string { return string(k.Repository) + ":" + k.ID }

// DatasetRecord is the normalized description of one dataset.
type DatasetRecord struct {
	Repository      Repository `json:"dataset_repository_name" parquet:"dataset_repository_name"`
	ID              string     `json:"dataset_id_in_repository" parquet:"dataset_id_in_repository"`
	URL             string     `json:"dataset_url_in_repository" parquet:"dataset_url_in_repository"`
	Title           string     `json:"title" parquet:"title"`
	Description     *string    `json:"description,omitempty" parquet:"description,optional"`
	AuthorNames     []string   `json:"author_names,omitempty" parquet:"author_names,list"`
	Keywords        []string   `json:"keywords,omitempty" parquet:"keywords,list"`
	License         *string    `json:"license,omitempty" parquet:"license,optional"`
	DOI             *string    `json:"doi,omitempty" parquet:"doi,optional"`
	DateCreated     *string    `json:"date_created,omitempty" parquet:"date_created,optional"`
	DateLastUpdated *string    `json:"date_last_updated,omitempty" parquet:"date_last_updated,optional"`
	DateLastFetched string     `json:"date_last_fetched" parquet:"date_last_fetched"`
	FileCount       *int64     `json:"nb_files,omitempty" parquet:"nb_files,optional"`
	DownloadCount   *int64     `json:"download_number,omitempty" parquet:"download_number,optional"`
	ViewCount       *int64     `json:"view_number,omitempty" parquet:"view_number,optional"`
	ExternalLinks   []string   `json:"external_links,omitempty" parquet:"external_links,list"`
}

// Key returns the dataset identity.
func (d DatasetRecord) Key() DatasetKey {
	return DatasetKey{Repository: d.Repository, ID: d.ID}
}

// DatasetInput carries the raw fields an adapter extracted for one dataset.
type DatasetInput struct {
	Repository    Repository
	ID            string
	URL           string
	Title         string
	Description   string
	AuthorNames   []string
	Keywords      []string
	License       string
	DOI           string
	DateCreated   string
	DateUpdated   string
	FetchedAt     time.Time
	FileCount     *int64
	DownloadCount *int64
	ViewCount     *int64
	ExternalLinks []string
}

// NewDatasetRecord validates in and returns a normalized record, or a
// *ValidationError naming the first offending field.
func NewDatasetRecord(in DatasetInput) (DatasetRecord, error) {
	var rec DatasetRecord
	if in.Repository == "" {
		return rec, invalid("dataset_repository_name", "missing")
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return rec, invalid("dataset_id_in_repository", "missing")
	}
	url := strings.TrimSpace(in.URL)
	if url == "" {
		return rec, invalid("dataset_url_in_repository", "missing")
	}
	title := CleanText(in.Title)
	if title == "" {
		return rec, invalid("title", "missing")
	}
	if in.FetchedAt.IsZero() {
		return rec, invalid("date_last_fetched", "missing")
	}

	var doi *string
	if d := strings.TrimSpace(in.DOI); d != "" {
		if !doiPattern.MatchString(d) {
			return rec, invalid("doi", "%q does not match 10.<registrant>/<suffix>", d)
		}
		doi = &d
	}

	created, err := optionalTimestamp("date_created", in.DateCreated)
	if err != nil {
		return rec, err
	}
	updated, err := optionalTimestamp("date_last_updated", in.DateUpdated)
	if err != nil {
		return rec, err
	}
	files, err := nonNegative("nb_files", in.FileCount)
	if err != nil {
		return rec, err
	}
	downloads, err := nonNegative("download_number", in.DownloadCount)
	if err != nil {
		return rec, err
	}
	views, err := nonNegative("view_number", in.ViewCount)
	if err != nil {
		return rec, err
	}

	return DatasetRecord{
		Repository:      in.Repository,
		ID:              id,
		URL:             url,
		Title:           title,
		Description:     optional(CleanText(in.Description)),
		AuthorNames:     cleanList(in.AuthorNames),
		Keywords:        cleanList(in.Keywords),
		License:         optional(strings.TrimSpace(in.License)),
		DOI:             doi,
		DateCreated:     created,
		DateLastUpdated: updated,
		DateLastFetched: in.FetchedAt.Format(TimestampLayout),
		FileCount:       files,
		DownloadCount:   downloads,
		ViewCount:       views,
		ExternalLinks:   cleanList(in.ExternalLinks),
	}, nil
}

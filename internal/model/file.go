package model

import (
	"strings"
	"time"
)

// FileKey uniquely identifies a file. Archive is empty for top-level files.
type FileKey struct {
	Repository Repository
	DatasetID  string
	Archive    string
	Name       string
}

// Dataset returns the key of the owning dataset.
func (k FileKey) Dataset() DatasetKey {
	return DatasetKey{Repository: k.Repository, ID: k.DatasetID}
}

// FileRecord is the normalized description of one file within a dataset.
type FileRecord struct {
	Repository        Repository `json:"dataset_repository_name" parquet:"dataset_repository_name"`
	DatasetID         string     `json:"dataset_id_in_repository" parquet:"dataset_id_in_repository"`
	DatasetURL        string     `json:"dataset_url_in_repository" parquet:"dataset_url_in_repository"`
	Name              string     `json:"file_name" parquet:"file_name"`
	Type              string     `json:"file_type" parquet:"file_type"`
	SizeBytes         *int64     `json:"file_size_in_bytes,omitempty" parquet:"file_size_in_bytes,optional"`
	HumanSize         string     `json:"file_size_with_human_readable_unit" parquet:"file_size_with_human_readable_unit"`
	MD5               *string    `json:"file_md5,omitempty" parquet:"file_md5,optional"`
	URL               string     `json:"file_url_in_repository" parquet:"file_url_in_repository"`
	ContainingArchive *string    `json:"containing_archive_file_name,omitempty" parquet:"containing_archive_file_name,optional"`
	DateLastFetched   string     `json:"date_last_fetched" parquet:"date_last_fetched"`
}

// Key returns the file identity.
func (f FileRecord) Key() FileKey {
	k := FileKey{Repository: f.Repository, DatasetID: f.DatasetID, Name: f.Name}
	if f.ContainingArchive != nil {
		k.Archive = *f.ContainingArchive
	}
	return k
}

// DatasetKey returns the key of the owning dataset.
func (f FileRecord) DatasetKey() DatasetKey {
	return DatasetKey{Repository: f.Repository, ID: f.DatasetID}
}

// FileInput carries the raw fields an adapter extracted for one file.
type FileInput struct {
	Repository Repository
	DatasetID  string
	DatasetURL string
	Name       string
	URL        string
	// Size is parsed with ParseSize.
	Size      any
	MD5       string
	Archive   string
	FetchedAt time.Time
}

// NewFileRecord validates in and returns a normalized record.
func NewFileRecord(in FileInput) (FileRecord, error) {
	var rec FileRecord
	if in.Repository == "" {
		return rec, invalid("dataset_repository_name", "missing")
	}
	datasetID := strings.TrimSpace(in.DatasetID)
	if datasetID == "" {
		return rec, invalid("dataset_id_in_repository", "missing")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return rec, invalid("file_name", "missing")
	}
	if in.FetchedAt.IsZero() {
		return rec, invalid("date_last_fetched", "missing")
	}

	var md5 *string
	if sum := strings.TrimPrefix(strings.TrimSpace(in.MD5), "md5:"); sum != "" {
		md5 = &sum
	}
	size := ParseSize(in.Size)

	return FileRecord{
		Repository:        in.Repository,
		DatasetID:         datasetID,
		DatasetURL:        strings.TrimSpace(in.DatasetURL),
		Name:              name,
		Type:              FileExtension(name),
		SizeBytes:         size,
		HumanSize:         HumanSize(size),
		MD5:               md5,
		URL:               strings.TrimSpace(in.URL),
		ContainingArchive: optional(strings.TrimSpace(in.Archive)),
		DateLastFetched:   in.FetchedAt.Format(TimestampLayout),
	}, nil
}

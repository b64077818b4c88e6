package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileRecord(t *testing.T) {
	t.Parallel()

	rec, err := NewFileRecord(FileInput{
		Repository: RepositoryZenodo,
		DatasetID:  "123",
		Name:       "traj/Run1.XTC",
		URL:        "https://zenodo.org/records/123/files/Run1.XTC",
		Size:       json.Number("1500"),
		MD5:        "md5:abc",
		FetchedAt:  fetched,
	})
	require.NoError(t, err)

	assert.Equal(t, "xtc", rec.Type)
	require.NotNil(t, rec.SizeBytes)
	assert.Equal(t, int64(1500), *rec.SizeBytes)
	assert.Equal(t, "1.5 kB", rec.HumanSize)
	require.NotNil(t, rec.MD5)
	assert.Equal(t, "abc", *rec.MD5)
	assert.Nil(t, rec.ContainingArchive)
	assert.Equal(t, FileKey{Repository: RepositoryZenodo, DatasetID: "123", Name: "traj/Run1.XTC"}, rec.Key())
	assert.Equal(t, DatasetKey{Repository: RepositoryZenodo, ID: "123"}, rec.DatasetKey())
}

func TestNewFileRecord_ArchiveMemberKey(t *testing.T) {
	t.Parallel()

	a, err := NewFileRecord(FileInput{Repository: RepositoryZenodo, DatasetID: "1", Name: "md.gro", Archive: "a.zip", FetchedAt: fetched})
	require.NoError(t, err)
	b, err := NewFileRecord(FileInput{Repository: RepositoryZenodo, DatasetID: "1", Name: "md.gro", FetchedAt: fetched})
	require.NoError(t, err)

	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, "a.zip", a.Key().Archive)
}

func TestNewFileRecord_UnknownSizeIsNil(t *testing.T) {
	t.Parallel()

	rec, err := NewFileRecord(FileInput{Repository: RepositoryNomad, DatasetID: "x", Name: "README", Size: "n/a", FetchedAt: fetched})
	require.NoError(t, err)
	assert.Nil(t, rec.SizeBytes)
	assert.Equal(t, "unknown", rec.HumanSize)
	assert.Equal(t, NoExtension, rec.Type)
}

func TestNewFileRecord_MissingName(t *testing.T) {
	t.Parallel()

	_, err := NewFileRecord(FileInput{Repository: RepositoryNomad, DatasetID: "x", FetchedAt: fetched})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "file_name", ve.Field)
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	i64 := func(n int64) *int64 { return &n }
	tests := []struct {
		name string
		in   any
		want *int64
	}{
		{"nil", nil, nil},
		{"int", 42, i64(42)},
		{"float", float64(12), i64(12)},
		{"json number", json.Number("7"), i64(7)},
		{"digits", "1024", i64(1024)},
		{"human", "4.6 kB", i64(4600)},
		{"negative", -1, nil},
		{"negative string", "-5", nil},
		{"garbage", "big", nil},
		{"empty", "", nil},
		{"bool", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseSize(tt.in))
		})
	}
}

func TestFileExtension(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "gro", FileExtension("conf.GRO"))
	assert.Equal(t, "gz", FileExtension("dir/traj.tar.gz"))
	assert.Equal(t, NoExtension, FileExtension("Makefile"))
	assert.Equal(t, NoExtension, FileExtension("dir.v2/README"))
	assert.Equal(t, "gitignore", FileExtension(".gitignore"))

	assert.True(t, IsArchiveType("ZIP"))
	assert.True(t, IsArchiveType("tgz"))
	assert.False(t, IsArchiveType("xtc"))
}

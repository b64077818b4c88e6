package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdverse/mdverse-harvest/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, model.RepositoryZenodo, "/data/zenodo/2025-01-01")
		require.NoError(t, err)
		assert.NotEmpty(t, run.ID)
		assert.Equal(t, model.RunStatusRunning, run.Status)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, model.RepositoryZenodo, got.Source)
		assert.Equal(t, "/data/zenodo/2025-01-01", got.OutputDir)
		assert.Nil(t, got.Summary)
	})

	t.Run("CompleteRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, model.RepositoryNomad, "/out")
		require.NoError(t, err)

		summary := &model.RunSummary{
			Source:         model.RepositoryNomad,
			DatasetsKept:   40,
			FilesKept:      900,
			FalsePositives: 2,
			Elapsed:        90 * time.Second,
		}
		require.NoError(t, s.CompleteRun(ctx, run.ID, summary))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusComplete, got.Status)
		require.NotNil(t, got.Summary)
		assert.Equal(t, 40, got.Summary.DatasetsKept)
		assert.Equal(t, 900, got.Summary.FilesKept)
		assert.Equal(t, 90*time.Second, got.Summary.Elapsed)
	})

	t.Run("FailRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, model.RepositoryZenodo, "/out")
		require.NoError(t, err)
		require.NoError(t, s.FailRun(ctx, run.ID, "harvest: precondition failed"))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, got.Status)
		assert.Equal(t, "harvest: precondition failed", got.Error)
	})

	t.Run("UnknownRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetRun(ctx, "missing")
		assert.True(t, errors.Is(err, ErrRunNotFound))
		assert.True(t, errors.Is(s.CompleteRun(ctx, "missing", &model.RunSummary{}), ErrRunNotFound))
		assert.True(t, errors.Is(s.FailRun(ctx, "missing", "x"), ErrRunNotFound))
	})

	t.Run("ListRuns", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, err := s.CreateRun(ctx, model.RepositoryZenodo, "/a")
		require.NoError(t, err)
		_, err = s.CreateRun(ctx, model.RepositoryNomad, "/b")
		require.NoError(t, err)
		c, err := s.CreateRun(ctx, model.RepositoryZenodo, "/c")
		require.NoError(t, err)
		require.NoError(t, s.FailRun(ctx, c.ID, "boom"))

		all, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		zenodo, err := s.ListRuns(ctx, RunFilter{Source: model.RepositoryZenodo})
		require.NoError(t, err)
		assert.Len(t, zenodo, 2)

		failed, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, c.ID, failed[0].ID)

		running, err := s.ListRuns(ctx, RunFilter{Source: model.RepositoryZenodo, Status: model.RunStatusRunning})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, a.ID, running[0].ID)

		page, err := s.ListRuns(ctx, RunFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, page, 1)

		recent, err := s.ListRuns(ctx, RunFilter{CreatedAfter: time.Now().Add(-time.Hour)})
		require.NoError(t, err)
		assert.Len(t, recent, 3)

		future, err := s.ListRuns(ctx, RunFilter{CreatedAfter: time.Now().Add(time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, future)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

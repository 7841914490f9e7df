package records

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, &Record{
		ID:   "r1",
		Path: "photos/a.jpg",
		Kind: KindAsset,
		Fields: map[string]string{
			"storage_path":    "photos/a.jpg",
			"storage_backend": "source",
		},
	}))

	rec, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "photos/a.jpg", rec.Path)
	assert.Equal(t, KindAsset, rec.Kind)
	assert.Equal(t, "source", rec.Fields["storage_backend"])

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMergesFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, &Record{
		ID: "r1", Path: "photos/a.jpg", Kind: KindAsset,
		Fields: map[string]string{"storage_backend": "source", "width": "800"},
	}))

	require.NoError(t, s.Update(ctx, "r1", map[string]string{
		"storage_backend": "target",
		"storage_path":    "assets/photos/a.jpg",
	}))

	rec, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "target", rec.Fields["storage_backend"])
	assert.Equal(t, "assets/photos/a.jpg", rec.Fields["storage_path"])
	assert.Equal(t, "800", rec.Fields["width"], "unrelated fields survive the merge")

	err = s.Update(ctx, "missing", map[string]string{"x": "y"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQuery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, &Record{ID: "r1", Path: "photos/b.jpg", Kind: KindAsset}))
	require.NoError(t, s.Insert(ctx, &Record{ID: "r2", Path: "photos/a.jpg", Kind: KindAsset}))
	require.NoError(t, s.Insert(ctx, &Record{ID: "r3", Path: "thumbs/a.png", Kind: KindDerived}))

	all, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "photos/a.jpg", all[0].Path, "results ordered by path")

	assets, err := s.Query(ctx, Filter{Kind: KindAsset})
	require.NoError(t, err)
	assert.Len(t, assets, 2)

	photos, err := s.Query(ctx, Filter{PathPrefix: "photos/"})
	require.NoError(t, err)
	assert.Len(t, photos, 2)

	derived, err := s.Query(ctx, Filter{Kind: KindDerived, PathPrefix: "thumbs/"})
	require.NoError(t, err)
	require.Len(t, derived, 1)
	assert.Equal(t, "r3", derived[0].ID)
}

func TestSettings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.GetSetting(ctx, "active_storage_backend")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetSetting(ctx, "active_storage_backend", "source"))
	v, err := s.GetSetting(ctx, "active_storage_backend")
	require.NoError(t, err)
	assert.Equal(t, "source", v)

	require.NoError(t, s.SetSetting(ctx, "active_storage_backend", "target"))
	v, err = s.GetSetting(ctx, "active_storage_backend")
	require.NoError(t, err)
	assert.Equal(t, "target", v)
}

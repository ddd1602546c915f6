package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestScans_CreateAssignsIDAndTimestamp(t *testing.T) {
	repo := openMemory(t).Scans()
	scan := &Scan{Target: "10.0.0.1"}

	require.NoError(t, repo.Create(context.Background(), scan))

	assert.NotEmpty(t, scan.ID)
	assert.False(t, scan.CreatedAt.IsZero())
}

func TestScans_GetByIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := openMemory(t).Scans()
	scan := &Scan{
		Target:  "10.0.0.1",
		Config:  map[string]any{"ports": "22,80"},
		Reports: []any{map[string]any{"port": float64(22)}},
	}
	require.NoError(t, repo.Create(ctx, scan))

	got, err := repo.GetByID(ctx, scan.ID)
	require.NoError(t, err)

	assert.Equal(t, scan.Target, got.Target)
	assert.Equal(t, "22,80", got.Config["ports"])
	assert.Equal(t, scan.Reports, got.Reports)
	assert.Nil(t, got.Vectors)
	assert.True(t, scan.CreatedAt.Equal(got.CreatedAt))
}

func TestScans_GetByIDMissing(t *testing.T) {
	repo := openMemory(t).Scans()

	_, err := repo.GetByID(context.Background(), "nope")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScans_FindAndGetAllFilterByColumn(t *testing.T) {
	ctx := context.Background()
	repo := openMemory(t).Scans()
	for _, target := range []string{"a", "b", "a"} {
		require.NoError(t, repo.Create(ctx, &Scan{Target: target}))
	}

	all, err := repo.GetAll(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	as, err := repo.GetAll(ctx, Where{"target": "a"})
	require.NoError(t, err)
	assert.Len(t, as, 2)

	first, err := repo.Find(ctx, Where{"target": "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", first.Target)
}

func TestScans_UnknownColumnsAreRejected(t *testing.T) {
	ctx := context.Background()
	repo := openMemory(t).Scans()
	require.NoError(t, repo.Create(ctx, &Scan{Target: "a"}))

	all, err := repo.GetAll(ctx, Where{"colour": "blue"})
	assert.ErrorIs(t, err, ErrUnknownColumn)
	assert.Nil(t, all)

	_, err = repo.Find(ctx, Where{"tagret": "a"})
	assert.ErrorIs(t, err, ErrUnknownColumn)
	assert.ErrorContains(t, err, "tagret")
}

func TestOpen_CreatesFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mop.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Scans().Create(context.Background(), &Scan{Target: "x"}))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	all, err := db.Scans().GetAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

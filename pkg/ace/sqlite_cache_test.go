package ace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/XiaoConstantine/ace-go/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteCacheStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := newSQLiteCacheStore(path)
	require.NoError(t, err)
	defer store.Close()

	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	in := map[string]CacheRecord{
		"mat-00001": {BulletID: "mat-00001", ContentHash: hashContent("a"), ModelID: "m1", Vector: []float32{0.5, -1.25, 3}, CreatedAt: created},
		"saf-00001": {BulletID: "saf-00001", ContentHash: hashContent("b"), ModelID: "m1", Vector: []float32{0.0, 2.5}, CreatedAt: created},
	}
	require.NoError(t, store.SaveRecords(in))

	out, err := store.LoadRecords()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in["mat-00001"].Vector, out["mat-00001"].Vector)
	assert.Equal(t, in["saf-00001"].Vector, out["saf-00001"].Vector)
	assert.Equal(t, created, out["mat-00001"].CreatedAt)
	assert.Equal(t, "m1", out["mat-00001"].ModelID)
}

func TestSQLiteCacheStoreFullReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := newSQLiteCacheStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveRecords(map[string]CacheRecord{
		"mat-00001": {BulletID: "mat-00001", ContentHash: "h1", ModelID: "m", Vector: []float32{1}},
		"mat-00002": {BulletID: "mat-00002", ContentHash: "h2", ModelID: "m", Vector: []float32{2}},
	}))

	// Saving a smaller map must delete the rows it no longer contains.
	require.NoError(t, store.SaveRecords(map[string]CacheRecord{
		"mat-00002": {BulletID: "mat-00002", ContentHash: "h2b", ModelID: "m", Vector: []float32{3}},
	}))

	out, err := store.LoadRecords()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "h2b", out["mat-00002"].ContentHash)
	assert.Equal(t, []float32{3}, out["mat-00002"].Vector)
}

func TestSQLiteCacheBackedEmbeddingCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	bullets := embeddingTestBullets()

	first := testutil.NewHashingEmbedder()
	store, err := newSQLiteCacheStore(path)
	require.NoError(t, err)
	cache := NewEmbeddingCache(first, store, embeddingTestConfig())

	vectors, failed, err := cache.Sync(context.Background(), bullets)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Len(t, vectors, 3)
	require.NoError(t, cache.Close())

	// Reopen the database: vectors come back without re-embedding.
	second := testutil.NewHashingEmbedder()
	reopenedStore, err := newSQLiteCacheStore(path)
	require.NoError(t, err)
	reopened := NewEmbeddingCache(second, reopenedStore, embeddingTestConfig())
	defer reopened.Close()

	vectors, failed, err = reopened.Sync(context.Background(), bullets)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Len(t, vectors, 3)
	assert.Equal(t, 0, second.BatchCalls())
}

func TestVectorEncoding(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		in := []float32{0, 1.5, -2.75, 3.14159}
		out, err := decodeVector(encodeVector(in))
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("empty vector", func(t *testing.T) {
		out, err := decodeVector(encodeVector(nil))
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("truncated blob", func(t *testing.T) {
		_, err := decodeVector([]byte{1, 2, 3})
		require.Error(t, err)
	})
}

package cachemanager

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpaste/smartpaste/pkg/models"
	"github.com/smartpaste/smartpaste/pkg/utils"
)

func TestDiskStore_SetGet(t *testing.T) {
	root := t.TempDir()
	store, err := NewDiskStore(root)
	require.NoError(t, err)

	hash := utils.ContentHash("https://example.com")
	cachedAt := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Set(&DiskRecord{
		ContentHash: hash,
		CachedAt:    cachedAt,
		Result:      models.Result{"title": "Example", "status": float64(200)},
	}))

	// Sharded layout: <root>/<hash[:2]>/<hash>.json
	_, err = os.Stat(filepath.Join(root, hash[:2], hash+".json"))
	require.NoError(t, err)

	rec, err := store.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, hash, rec.ContentHash)
	assert.True(t, cachedAt.Equal(rec.CachedAt))
	assert.Equal(t, "Example", rec.Result["title"])
	assert.Equal(t, float64(200), rec.Result["status"])
}

func TestDiskStore_FileFormat(t *testing.T) {
	root := t.TempDir()
	store, err := NewDiskStore(root)
	require.NoError(t, err)

	hash := utils.ContentHash("x")
	require.NoError(t, store.Set(&DiskRecord{
		ContentHash: hash,
		CachedAt:    time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		Result:      models.Result{"k": "v"},
	}))

	var raw map[string]any
	require.NoError(t, utils.ReadJSON(filepath.Join(root, hash[:2], hash+".json"), &raw))
	assert.Equal(t, hash, raw["content_hash"])
	assert.Equal(t, "2024-06-01T10:00:00Z", raw["cached_at"])
	assert.Equal(t, map[string]any{"k": "v"}, raw["result"])
}

func TestDiskStore_Errors(t *testing.T) {
	root := t.TempDir()
	store, err := NewDiskStore(root)
	require.NoError(t, err)

	hash := utils.ContentHash("missing")
	_, err = store.Get(hash)
	assert.ErrorIs(t, err, ErrNotFound)

	path := filepath.Join(root, hash[:2], hash+".json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	_, err = store.Get(hash)
	assert.ErrorIs(t, err, ErrCorruptEntry)

	_, err = store.Get("not-a-hash")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))

	assert.NoError(t, store.Delete(hash))
	assert.NoError(t, store.Delete(hash), "deleting a missing entry is not an error")

	_, err = NewDiskStore("")
	assert.Error(t, err)
}

func TestDiskStore_WalkAndUsage(t *testing.T) {
	root := t.TempDir()
	store, err := NewDiskStore(root)
	require.NoError(t, err)

	now := time.Now().UTC()
	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, store.Set(&DiskRecord{
			ContentHash: utils.ContentHash(content),
			CachedAt:    now,
			Result:      models.Result{"content": content},
		}))
	}

	corrupt := utils.ContentHash("corrupt")
	corruptPath := filepath.Join(root, corrupt[:2], corrupt+".json")
	require.NoError(t, os.MkdirAll(filepath.Dir(corruptPath), 0o755))
	require.NoError(t, os.WriteFile(corruptPath, []byte("nope"), 0o644))

	// Foreign files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.json"), []byte("{}"), 0o644))

	seen := map[string]bool{}
	var corruptSeen int
	require.NoError(t, store.Walk(func(hash string, rec *DiskRecord, err error) error {
		if err != nil {
			assert.ErrorIs(t, err, ErrCorruptEntry)
			corruptSeen++
			return nil
		}
		seen[rec.Result["content"].(string)] = true
		return nil
	}))
	assert.Equal(t, map[string]bool{"one": true, "two": true, "three": true}, seen)
	assert.Equal(t, 1, corruptSeen)

	files, size, err := store.Usage()
	require.NoError(t, err)
	assert.Equal(t, 4, files)
	assert.Greater(t, size, int64(0))
}

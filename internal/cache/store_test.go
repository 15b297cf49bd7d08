package cache

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storageFactory func(t *testing.T) Storage

func storageBackends() map[string]storageFactory {
	return map[string]storageFactory{
		"fs": func(t *testing.T) Storage {
			storage, err := NewFSStorage(t.TempDir())
			require.NoError(t, err)
			return storage
		},
		"sqlite": func(t *testing.T) Storage {
			storage, err := NewSQLiteStorage(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { _ = storage.Close() })
			return storage
		},
		"memory": func(t *testing.T) Storage {
			return NewMemoryStorage()
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, storage Storage)) {
	for name, factory := range storageBackends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func sampleResponse(rawURL, body string) *Response {
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("ETag", `"v1"`)
	return &Response{
		URL:        rawURL,
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       []byte(body),
	}
}

func TestStoragePutAndMatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store, err := storage.Open(ctx, "app-v1")
		require.NoError(t, err)
		assert.Equal(t, "app-v1", store.Name())

		key := "http://127.0.0.1:8080/index.html"
		require.NoError(t, store.Put(ctx, key, sampleResponse(key, "<html>shell</html>")))

		got, err := store.Match(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, got.StatusCode)
		assert.Equal(t, "<html>shell</html>", string(got.Body))
		assert.Equal(t, `"v1"`, got.Header.Get("ETag"))
		assert.Equal(t, key, got.URL)
		assert.False(t, got.StoredAt.IsZero())
	})
}

func TestStorageMatchMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		store, err := storage.Open(context.Background(), "app-v1")
		require.NoError(t, err)

		_, err = store.Match(context.Background(), "http://127.0.0.1:8080/missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoragePutOverwrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store, err := storage.Open(ctx, "app-v1")
		require.NoError(t, err)

		key := "http://127.0.0.1:8080/main.js"
		require.NoError(t, store.Put(ctx, key, sampleResponse(key, "old")))
		require.NoError(t, store.Put(ctx, key, sampleResponse(key, "new")))

		got, err := store.Match(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "new", string(got.Body))

		keys, err := store.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{key}, keys)
	})
}

func TestStorageDeleteEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store, err := storage.Open(ctx, "app-v1")
		require.NoError(t, err)

		key := "http://127.0.0.1:8080/style.css"
		require.NoError(t, store.Put(ctx, key, sampleResponse(key, "body{}")))

		deleted, err := store.Delete(ctx, key)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = store.Delete(ctx, key)
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = store.Match(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoragePutAllVisible(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store, err := storage.Open(ctx, "app-v1")
		require.NoError(t, err)

		entries := []Entry{
			{Key: "http://127.0.0.1:8080/", Response: sampleResponse("http://127.0.0.1:8080/", "root")},
			{Key: "http://127.0.0.1:8080/index.html", Response: sampleResponse("http://127.0.0.1:8080/index.html", "index")},
			{Key: "https://cdn.example.com/lib.js", Response: sampleResponse("https://cdn.example.com/lib.js", "lib")},
		}
		require.NoError(t, store.PutAll(ctx, entries))

		keys, err := store.Keys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{entries[0].Key, entries[1].Key, entries[2].Key}, keys)

		for _, entry := range entries {
			got, err := store.Match(ctx, entry.Key)
			require.NoError(t, err)
			assert.Equal(t, entry.Response.Body, got.Body)
		}
	})
}

func TestStoragePutAllRejectsInvalidBatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store, err := storage.Open(ctx, "app-v1")
		require.NoError(t, err)

		err = store.PutAll(ctx, []Entry{
			{Key: "http://127.0.0.1:8080/a", Response: sampleResponse("http://127.0.0.1:8080/a", "a")},
			{Key: "", Response: sampleResponse("", "b")},
		})
		require.Error(t, err)

		keys, err := store.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestStorageNamedCaches(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()

		has, err := storage.Has(ctx, "app-v1")
		require.NoError(t, err)
		assert.False(t, has)

		v1, err := storage.Open(ctx, "app-v1")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		_, err = storage.Open(ctx, "app-v2")
		require.NoError(t, err)

		names, err := storage.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"app-v1", "app-v2"}, names)

		key := "http://127.0.0.1:8080/"
		require.NoError(t, v1.Put(ctx, key, sampleResponse(key, "v1")))

		deleted, err := storage.Delete(ctx, "app-v1")
		require.NoError(t, err)
		assert.True(t, deleted)

		has, err = storage.Has(ctx, "app-v1")
		require.NoError(t, err)
		assert.False(t, has)

		deleted, err = storage.Delete(ctx, "app-v1")
		require.NoError(t, err)
		assert.False(t, deleted)

		reopened, err := storage.Open(ctx, "app-v1")
		require.NoError(t, err)
		_, err = reopened.Match(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStorageCachesAreIsolated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		v1, err := storage.Open(ctx, "app-v1")
		require.NoError(t, err)
		v2, err := storage.Open(ctx, "app-v2")
		require.NoError(t, err)

		key := "http://127.0.0.1:8080/index.html"
		require.NoError(t, v1.Put(ctx, key, sampleResponse(key, "v1")))

		_, err = v2.Match(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStorageRejectsInvalidName(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		_, err := storage.Open(context.Background(), "")
		assert.ErrorIs(t, err, ErrInvalidName)
	})
}

func TestStorageMatchReturnsCopy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store, err := storage.Open(ctx, "app-v1")
		require.NoError(t, err)

		key := "http://127.0.0.1:8080/"
		require.NoError(t, store.Put(ctx, key, sampleResponse(key, "shell")))

		first, err := store.Match(ctx, key)
		require.NoError(t, err)
		first.Body[0] = 'X'
		first.Header.Set("ETag", "mutated")

		second, err := store.Match(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "shell", string(second.Body))
		assert.Equal(t, `"v1"`, second.Header.Get("ETag"))
	})
}

func TestStoragePreservesStoredAt(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store, err := storage.Open(ctx, "app-v1")
		require.NoError(t, err)

		stamp := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
		key := "http://127.0.0.1:8080/old.js"
		resp := sampleResponse(key, "old")
		resp.StoredAt = stamp
		require.NoError(t, store.Put(ctx, key, resp))

		got, err := store.Match(ctx, key)
		require.NoError(t, err)
		assert.True(t, got.StoredAt.Equal(stamp), "stored_at 期望 %v 实际 %v", stamp, got.StoredAt)
	})
}

func TestFSStorageIgnoresStrayFiles(t *testing.T) {
	base := t.TempDir()
	storage, err := NewFSStorage(base)
	require.NoError(t, err)

	ctx := context.Background()
	store, err := storage.Open(ctx, "app-v1")
	require.NoError(t, err)

	dir := filepath.Join(base, "app-v1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".cache-123"), []byte("partial"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested.entry"), 0o755))

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFSStoragePersistsAcrossInstances(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()
	key := "http://127.0.0.1:8080/"

	first, err := NewFSStorage(base)
	require.NoError(t, err)
	store, err := first.Open(ctx, "app-v1")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, key, sampleResponse(key, "persisted")))

	second, err := NewFSStorage(base)
	require.NoError(t, err)
	names, err := second.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v1"}, names)

	reopened, err := second.Open(ctx, "app-v1")
	require.NoError(t, err)
	got, err := reopened.Match(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got.Body))
}

func TestSQLiteStoragePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := "http://127.0.0.1:8080/"

	first, err := NewSQLiteStorage(dir)
	require.NoError(t, err)
	store, err := first.Open(ctx, "app-v1")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, key, sampleResponse(key, "persisted")))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStorage(dir)
	require.NoError(t, err)
	defer second.Close()

	reopened, err := second.Open(ctx, "app-v1")
	require.NoError(t, err)
	got, err := reopened.Match(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got.Body))
}

func TestKeyForStripsFragment(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:8080/docs?page=2#intro", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080/docs?page=2", KeyFor(req.URL))
	assert.Equal(t, "", KeyFor(nil))
}

func TestResponseOK(t *testing.T) {
	assert.True(t, (&Response{StatusCode: 200}).OK())
	assert.True(t, (&Response{StatusCode: 204}).OK())
	assert.False(t, (&Response{StatusCode: 304}).OK())
	assert.False(t, (&Response{StatusCode: 404}).OK())
	var nilResp *Response
	assert.False(t, nilResp.OK())
}

func TestStorageLookupDoesNotCreate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()

		_, err := storage.Lookup(ctx, "app-v1")
		assert.ErrorIs(t, err, ErrNotFound)
		has, err := storage.Has(ctx, "app-v1")
		require.NoError(t, err)
		assert.False(t, has)

		store, err := storage.Open(ctx, "app-v1")
		require.NoError(t, err)
		key := "http://127.0.0.1:8080/"
		require.NoError(t, store.Put(ctx, key, sampleResponse(key, "shell")))

		found, err := storage.Lookup(ctx, "app-v1")
		require.NoError(t, err)
		got, err := found.Match(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "shell", string(got.Body))
	})
}

func TestStorageDeletedStoreRejectsWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		store, err := storage.Open(ctx, "app-v1")
		require.NoError(t, err)

		key := "http://127.0.0.1:8080/app.js"
		require.NoError(t, store.Put(ctx, key, sampleResponse(key, "v1")))

		deleted, err := storage.Delete(ctx, "app-v1")
		require.NoError(t, err)
		require.True(t, deleted)

		err = store.Put(ctx, key, sampleResponse(key, "late"))
		assert.ErrorIs(t, err, ErrStoreDeleted)
		_, err = store.Match(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		names, err := storage.Keys(ctx)
		require.NoError(t, err)
		assert.NotContains(t, names, "app-v1")
	})
}

func TestFSStoragePutAllRestoresEntriesWhenRenameFails(t *testing.T) {
	storage, err := NewFSStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	opened, err := storage.Open(ctx, "app-v1")
	require.NoError(t, err)
	store := opened.(*fsStore)

	keyA := "http://127.0.0.1:8080/a.js"
	keyZ := "http://127.0.0.1:8080/z.js"
	// 目录占住 z 的条目路径，rename 必然失败。
	require.NoError(t, os.MkdirAll(store.entryPath(keyZ), 0o755))

	err = store.PutAll(ctx, []Entry{
		{Key: keyA, Response: sampleResponse(keyA, "a-new")},
		{Key: keyZ, Response: sampleResponse(keyZ, "z-new")},
	})
	require.Error(t, err)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, store.Put(ctx, keyA, sampleResponse(keyA, "a-old")))
	err = store.PutAll(ctx, []Entry{
		{Key: keyA, Response: sampleResponse(keyA, "a-new")},
		{Key: keyZ, Response: sampleResponse(keyZ, "z-new")},
	})
	require.Error(t, err)

	keys, err = store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{keyA}, keys)
	got, err := store.Match(ctx, keyA)
	require.NoError(t, err)
	assert.Equal(t, "a-old", string(got.Body))

	items, err := os.ReadDir(store.dir)
	require.NoError(t, err)
	for _, item := range items {
		assert.NotContains(t, item.Name(), tempFilePrefix, "leftover staging file %s", item.Name())
	}
}

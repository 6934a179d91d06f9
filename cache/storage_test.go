package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storages(t *testing.T) map[string]Storage {
	t.Helper()
	sqlite, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	s := map[string]Storage{
		"memory": NewMemStorage(),
		"sqlite": sqlite,
	}

	// redis is only tested when a server is available
	if addr := os.Getenv("KAM_OFFLINE_TEST_REDIS"); addr != "" {
		prefix := fmt.Sprintf("kam-offline-test-%s-%d:", t.Name(), time.Now().UnixNano())
		redis, err := NewRedisStorage(context.Background(), addr, prefix)
		require.NoError(t, err)
		t.Cleanup(func() {
			names, _ := redis.Names(context.Background())
			for _, name := range names {
				redis.Delete(context.Background(), name)
			}
			redis.client.Del(context.Background(), redis.namesKey(), redis.seqKey())
			redis.Close()
		})
		s["redis"] = redis
	}
	return s
}

func TestOpenCreatesCacheInOrder(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.Has(ctx, "kam-precache-v2")
			require.NoError(t, err)
			assert.False(t, ok)

			for _, cacheName := range []string{"kam-precache-v2", "kam-runtime-v2", "kam-precache-v1"} {
				c, err := s.Open(ctx, cacheName)
				require.NoError(t, err)
				assert.Equal(t, cacheName, c.Name())
			}
			// opening again must not reorder
			_, err = s.Open(ctx, "kam-precache-v2")
			require.NoError(t, err)

			names, err := s.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"kam-precache-v2", "kam-runtime-v2", "kam-precache-v1"}, names)
		})
	}
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	storedAt := time.UnixMilli(time.Now().UnixMilli())
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "runtime")
			require.NoError(t, err)

			_, ok, err := c.Get(ctx, "https://kam.example/index.html")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.Put(ctx, Entry{Key: "https://kam.example/index.html", StoredAt: storedAt, Bytes: []byte("one")}))
			require.NoError(t, c.Put(ctx, Entry{Key: "https://kam.example/index.html", StoredAt: storedAt, Bytes: []byte("two")}))

			entry, ok, err := c.Get(ctx, "https://kam.example/index.html")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "two", string(entry.Bytes))
			assert.True(t, storedAt.Equal(entry.StoredAt), "stored at %s, got %s", storedAt, entry.StoredAt)

			deleted, err := c.Delete(ctx, "https://kam.example/index.html")
			require.NoError(t, err)
			assert.True(t, deleted)
			deleted, err = c.Delete(ctx, "https://kam.example/index.html")
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestPutAllAndKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "precache")
			require.NoError(t, err)
			require.NoError(t, c.PutAll(ctx, []Entry{
				{Key: "https://kam.example/b", Bytes: []byte("b")},
				{Key: "https://kam.example/a", Bytes: []byte("a")},
			}))
			keys, err := c.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"https://kam.example/a", "https://kam.example/b"}, keys)
		})
	}
}

func TestDeleteCacheRemovesEntries(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			old, err := s.Open(ctx, "kam-precache-v1")
			require.NoError(t, err)
			require.NoError(t, old.Put(ctx, Entry{Key: "https://kam.example/", Bytes: []byte("old")}))

			deleted, err := s.Delete(ctx, "kam-precache-v1")
			require.NoError(t, err)
			assert.True(t, deleted)
			deleted, err = s.Delete(ctx, "kam-precache-v1")
			require.NoError(t, err)
			assert.False(t, deleted)

			ok, err := s.Has(ctx, "kam-precache-v1")
			require.NoError(t, err)
			assert.False(t, ok)

			// a recreated cache starts empty
			fresh, err := s.Open(ctx, "kam-precache-v1")
			require.NoError(t, err)
			_, ok, err = fresh.Get(ctx, "https://kam.example/")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestWriteToDeletedCacheIsDropped(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "kam-runtime-v1")
			require.NoError(t, err)
			_, err = s.Delete(ctx, "kam-runtime-v1")
			require.NoError(t, err)

			require.NoError(t, c.Put(ctx, Entry{Key: "https://kam.example/", Bytes: []byte("late")}))
			ok, err := s.Has(ctx, "kam-runtime-v1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "runtime")
			require.NoError(t, err)
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					key := fmt.Sprintf("https://kam.example/%d", i%5)
					assert.NoError(t, c.Put(ctx, Entry{Key: key, Bytes: []byte(fmt.Sprint(i))}))
				}(i)
			}
			wg.Wait()
			keys, err := c.Keys(ctx)
			require.NoError(t, err)
			assert.Len(t, keys, 5)
		})
	}
}

func TestMemStorageClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemStorage()
	c, err := s.Open(ctx, "precache")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, Entry{Key: "https://kam.example/", Bytes: []byte("a")}))
	require.NoError(t, s.Close())

	_, err = s.Open(ctx, "precache")
	assert.ErrorIs(t, err, ErrClosed)

	// handles opened before Close fail too
	_, _, err = c.Get(ctx, "https://kam.example/")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Keys(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Delete(ctx, "https://kam.example/")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Put(ctx, Entry{Key: "https://kam.example/x"}), ErrClosed)
}

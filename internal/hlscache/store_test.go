package hlscache

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, dir string) *TieredStore {
	t.Helper()
	st, err := OpenTieredStore(TieredStoreOptions{
		Dir:      dir,
		RAMMax:   1 << 20,
		RAMItems: 25,
		DiskMax:  10 << 20,
	})
	require.NoError(t, err)
	return st
}

func testRecord(src string, n int) Record {
	return Record{
		Payload:     bytes.Repeat([]byte{'x'}, n),
		SourceURL:   src,
		ContentType: "video/mp2t",
		StoredAt:    1,
	}
}

func TestTieredStoreSetGet(t *testing.T) {
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	rec := testRecord("http://example.com/a.ts", 10)
	key := CacheKey(rec.SourceURL)

	_, ok, err := st.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Set(key, rec))
	got, ok, err := st.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestTieredStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	rec := testRecord("http://example.com/a.ts", 100)
	key := CacheKey(rec.SourceURL)

	st := openTestStore(t, dir)
	require.NoError(t, st.Set(key, rec))
	require.NoError(t, st.Close())

	st = openTestStore(t, dir)
	defer st.Close()
	got, ok, err := st.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	_, disk, keys := st.Usage()
	assert.Positive(t, disk)
	assert.Equal(t, 1, keys)
}

func TestTieredStoreRemoveAll(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t, dir)
	for i := 0; i < 5; i++ {
		rec := testRecord(fmt.Sprintf("http://example.com/%d.ts", i), 10)
		require.NoError(t, st.Set(CacheKey(rec.SourceURL), rec))
	}
	require.NoError(t, st.RemoveAll())

	for i := 0; i < 5; i++ {
		_, ok, err := st.Get(CacheKey(fmt.Sprintf("http://example.com/%d.ts", i)))
		require.NoError(t, err)
		assert.False(t, ok)
	}
	ram, disk, keys := st.Usage()
	assert.Zero(t, ram)
	assert.Zero(t, disk)
	assert.Zero(t, keys)
	require.NoError(t, st.Close())

	st = openTestStore(t, dir)
	defer st.Close()
	_, ok, err := st.Get(CacheKey("http://example.com/0.ts"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTieredStoreClosed(t *testing.T) {
	st := openTestStore(t, t.TempDir())
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	err := st.Set("k", testRecord("http://example.com/a.ts", 1))
	assert.ErrorIs(t, err, errStoreClosed)
	assert.ErrorIs(t, st.RemoveAll(), errStoreClosed)
}

func TestRAMCacheItemLimit(t *testing.T) {
	c := newRAMCache(0, 2, nil)
	c.Put("a", testRecord("a", 1))
	c.Put("b", testRecord("b", 1))
	_, ok := c.Get("a") // a becomes most recent
	require.True(t, ok)
	c.Put("c", testRecord("c", 1))

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be gone")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Len(t, c.Keys(), 2)
}

func TestRAMCacheByteLimit(t *testing.T) {
	c := newRAMCache(100, 0, nil)
	c.Put("big", testRecord("", 101))
	_, ok := c.Get("big")
	assert.False(t, ok, "oversized records skip RAM")

	c.Put("a", testRecord("", 60))
	c.Put("b", testRecord("", 60))
	_, ok = c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	assert.LessOrEqual(t, c.TotalSize(), int64(100))
}

func TestRAMCacheReplace(t *testing.T) {
	c := newRAMCache(0, 0, nil)
	c.Put("a", testRecord("", 10))
	c.Put("a", testRecord("", 30))
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Len(t, got.Payload, 30)
	assert.Equal(t, recordSize(got), c.TotalSize())
}

func TestDiskCacheEvictsOverCapacity(t *testing.T) {
	dir := t.TempDir()
	d, err := newDiskCache(dir, 1000, nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, d.PutAsync(fmt.Sprintf("k%02d", i), testRecord("u", 200)))
	}
	require.NoError(t, d.close())

	d, err = newDiskCache(dir, 1000, nil)
	require.NoError(t, err)
	defer d.close()
	assert.LessOrEqual(t, d.TotalSize(), int64(1000))
	assert.Less(t, d.KeyCount(), 20)
	assert.Positive(t, d.KeyCount())
}

func TestDiskCacheFailedWriteKeepsIndex(t *testing.T) {
	d, err := newDiskCache(t.TempDir(), 0, nil)
	require.NoError(t, err)
	rec := testRecord("u", 10)
	d.applyPutOrTouch("kept", &rec)
	require.Equal(t, 1, d.KeyCount())
	size := d.TotalSize()

	// Writes fail once leveldb is closed underneath the cache.
	require.NoError(t, d.db.Close())
	d.applyPutOrTouch("lost", &rec)
	d.applyPutOrTouch("kept", nil)

	assert.Equal(t, 1, d.KeyCount())
	assert.False(t, d.HasKey("lost"))
	assert.Equal(t, size, d.TotalSize())

	_ = d.close()
}

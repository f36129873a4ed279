package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/memstore/config"
	"github.com/BaSui01/memstore/types"
)

func newTestLocal(t *testing.T, cfg config.CacheConfig) *Local {
	t.Helper()
	c := NewLocal(cfg, zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testRecord(kind types.RecordKind, payload string) *types.Record {
	return types.NewRecord(kind, []byte(payload))
}

// ---------------------------------------------------------------------------
// Get / Put / Invalidate
// ---------------------------------------------------------------------------

func TestLocalPutGet(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 10, DefaultTTL: time.Minute})
	ctx := context.Background()

	rec := testRecord(types.KindEpisode, "hello")
	require.NoError(t, c.Put(ctx, rec, 0))

	got, err := c.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, []byte("hello"), got.Payload)
}

func TestLocalGetMiss(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 10})

	_, err := c.Get(context.Background(), testRecord(types.KindEpisode, "x").Key())
	assert.ErrorIs(t, err, ErrCacheMiss)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(0), stats.Hits)
}

func TestLocalGetReturnsClone(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 10})
	ctx := context.Background()

	rec := testRecord(types.KindPattern, "immutable")
	require.NoError(t, c.Put(ctx, rec, 0))

	got, err := c.Get(ctx, rec.Key())
	require.NoError(t, err)
	got.Payload[0] = 'X'

	again, err := c.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, byte('i'), again.Payload[0], "cached record must not be mutable through Get results")
}

func TestLocalPutReplacesExisting(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 10})
	ctx := context.Background()

	rec := testRecord(types.KindEpisode, "v1")
	require.NoError(t, c.Put(ctx, rec, 0))

	rec2 := rec.Clone()
	rec2.Version = 2
	rec2.Payload = []byte("v2")
	require.NoError(t, c.Put(ctx, rec2, 0))

	got, err := c.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, []byte("v2"), got.Payload)
	assert.Equal(t, 1, c.Len())
}

func TestLocalInvalidate(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 10})
	ctx := context.Background()

	rec := testRecord(types.KindEpisode, "x")
	require.NoError(t, c.Put(ctx, rec, 0))
	require.NoError(t, c.Invalidate(ctx, rec.Key()))

	_, err := c.Get(ctx, rec.Key())
	assert.ErrorIs(t, err, ErrCacheMiss)

	// Invalidating a missing key is not an error.
	assert.NoError(t, c.Invalidate(ctx, rec.Key()))
}

func TestLocalPutNilRecord(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 10})
	err := c.Put(context.Background(), nil, 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

// ---------------------------------------------------------------------------
// LRU eviction
// ---------------------------------------------------------------------------

func TestLocalEvictsLeastRecentlyUsed(t *testing.T) {
	// Single shard so the LRU order is global and deterministic.
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 3, Shards: 1})
	ctx := context.Background()

	a := testRecord(types.KindEpisode, "a")
	b := testRecord(types.KindEpisode, "b")
	d := testRecord(types.KindEpisode, "d")
	for _, r := range []*types.Record{a, b, d} {
		require.NoError(t, c.Put(ctx, r, 0))
	}

	// Touch a and b so d becomes the LRU victim.
	_, err := c.Get(ctx, a.Key())
	require.NoError(t, err)
	_, err = c.Get(ctx, b.Key())
	require.NoError(t, err)

	e := testRecord(types.KindEpisode, "e")
	require.NoError(t, c.Put(ctx, e, 0))

	assert.Equal(t, 3, c.Len())
	_, err = c.Get(ctx, d.Key())
	assert.ErrorIs(t, err, ErrCacheMiss, "least recently used entry should have been evicted")

	for _, r := range []*types.Record{a, b, e} {
		_, err := c.Get(ctx, r.Key())
		assert.NoError(t, err)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestLocalLenNeverExceedsMaxEntries(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 50, Shards: 8})
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		require.NoError(t, c.Put(ctx, testRecord(types.KindEpisode, fmt.Sprintf("p%d", i)), 0))
		require.LessOrEqual(t, c.Len(), 50)
	}
}

// Property: after any sequence of puts, gets and invalidates the entry
// count never exceeds max_entries.
func TestLocalCapacityInvariantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxEntries := rapid.IntRange(1, 64).Draw(t, "maxEntries")
		shards := rapid.IntRange(1, 8).Draw(t, "shards")

		c := NewLocal(config.CacheConfig{MaxEntries: maxEntries, Shards: shards}, zap.NewNop())
		defer c.Close()

		ctx := context.Background()
		var keys []types.RecordKey

		ops := rapid.IntRange(1, 200).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				rec := testRecord(types.KindEpisode, "p")
				if err := c.Put(ctx, rec, 0); err != nil {
					t.Fatalf("put: %v", err)
				}
				keys = append(keys, rec.Key())
			case 1:
				if len(keys) > 0 {
					k := keys[rapid.IntRange(0, len(keys)-1).Draw(t, "getIdx")]
					_, _ = c.Get(ctx, k)
				}
			case 2:
				if len(keys) > 0 {
					k := keys[rapid.IntRange(0, len(keys)-1).Draw(t, "invIdx")]
					_ = c.Invalidate(ctx, k)
				}
			}

			if got := c.Len(); got > maxEntries {
				t.Fatalf("len %d exceeds max_entries %d", got, maxEntries)
			}
		}
	})
}

// ---------------------------------------------------------------------------
// TTL expiry
// ---------------------------------------------------------------------------

func TestLocalLazyExpiry(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 10, DefaultTTL: 20 * time.Millisecond})
	ctx := context.Background()

	rec := testRecord(types.KindEpisode, "ephemeral")
	require.NoError(t, c.Put(ctx, rec, 0))

	_, err := c.Get(ctx, rec.Key())
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = c.Get(ctx, rec.Key())
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestLocalBackgroundCleanup(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{
		MaxEntries:      10,
		DefaultTTL:      20 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Put(ctx, testRecord(types.KindPattern, "x"), 0))
	}
	require.Equal(t, 5, c.Len())

	// Entries must be gone after ttl plus one cleanup interval without any
	// Get traffic triggering lazy expiry.
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLocalGetDoesNotExtendExpiry(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 10})
	ctx := context.Background()

	rec := testRecord(types.KindEpisode, "x")
	require.NoError(t, c.Put(ctx, rec, 40*time.Millisecond))

	// Keep reading; reads refresh LRU position but never the expiry.
	for i := 0; i < 4; i++ {
		time.Sleep(10 * time.Millisecond)
		_, _ = c.Get(ctx, rec.Key())
	}
	time.Sleep(20 * time.Millisecond)

	_, err := c.Get(ctx, rec.Key())
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestLocalRePutResetsExpiry(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 10})
	ctx := context.Background()

	rec := testRecord(types.KindEpisode, "x")
	require.NoError(t, c.Put(ctx, rec, 30*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Put(ctx, rec, 30*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, err := c.Get(ctx, rec.Key())
	assert.NoError(t, err, "re-put should have reset the ttl")
}

// ---------------------------------------------------------------------------
// Keys / Stats / concurrency
// ---------------------------------------------------------------------------

func TestLocalKeys(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 10})
	ctx := context.Background()

	recs := []*types.Record{
		testRecord(types.KindEpisode, "a"),
		testRecord(types.KindPattern, "b"),
	}
	for _, r := range recs {
		require.NoError(t, c.Put(ctx, r, 0))
	}

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.RecordKey{recs[0].Key(), recs[1].Key()}, keys)
}

func TestLocalHitRate(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 10})
	ctx := context.Background()

	rec := testRecord(types.KindEpisode, "x")
	require.NoError(t, c.Put(ctx, rec, 0))

	_, _ = c.Get(ctx, rec.Key())
	_, _ = c.Get(ctx, rec.Key())
	_, _ = c.Get(ctx, testRecord(types.KindEpisode, "y").Key())

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate(), 0.001)
}

func TestLocalConcurrentAccess(t *testing.T) {
	c := newTestLocal(t, config.CacheConfig{MaxEntries: 100, Shards: 16})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rec := testRecord(types.KindEpisode, "concurrent")
				if err := c.Put(ctx, rec, 0); err != nil {
					t.Errorf("put: %v", err)
					return
				}
				if _, err := c.Get(ctx, rec.Key()); err != nil {
					t.Errorf("get after put: %v", err)
					return
				}
				_ = c.Invalidate(ctx, rec.Key())
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 100)
}

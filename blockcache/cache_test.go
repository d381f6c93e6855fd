package blockcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 1: filling a shard's old sublist past capacity evicts the
// least recently used, unpinned entry rather than growing unbounded.
func TestCache_EvictsLRUWhenFull(t *testing.T) {
	device := newMemDevice(4096)
	cache := NewCache(1, 4, 50, 0) // 1 shard, capacity 4 (young=2, old=2)

	// newly grown BHs land in the old sublist (capacity 2) until promoted
	// by a lookup, so filling it to capacity caps the shard at 2 entries.
	// GrowBH comes back pinned (scenario 1: ref_count == 1 on grow); each
	// caller here is done with its handle immediately, so it releases the
	// pin right away to keep the entries evictable.
	bh0, err := cache.GrowBH(device, 0, 4096)
	require.NoError(t, err)
	assert.EqualValues(t, 1, bh0.RefCount(), "a freshly grown BH comes back pinned")
	bh0.Put()
	bh1, err := cache.GrowBH(device, 1, 4096)
	require.NoError(t, err)
	bh1.Put()
	assert.Equal(t, 2, cache.Len())

	bh2, err := cache.GrowBH(device, 2, 4096)
	require.NoError(t, err)
	bh2.Put()
	assert.Equal(t, 2, cache.Len(), "the old sublist stays at capacity, evicting the oldest entry")

	_, ok := cache.FindBH(device, 0)
	assert.False(t, ok, "block 0 was the least recently inserted and should have been evicted")
	_, ok = cache.FindBH(device, 2)
	assert.True(t, ok, "the most recently grown block must still be present")
}

// P6: a pinned (ref_count > 0) or dirty BH is never evicted, even when
// it's the least recently used entry in its sublist.
func TestCache_PinnedBHSurvivesEviction(t *testing.T) {
	device := newMemDevice(4096)
	cache := NewCache(1, 2, 50, 0)

	pinned, err := cache.GrowBH(device, 0, 4096)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pinned.RefCount(), "a freshly grown BH is already pinned once")
	defer pinned.Put()

	other, err := cache.GrowBH(device, 1, 4096)
	require.NoError(t, err)
	other.Put()

	evicted := cache.evictOnPressure(cacheKey(device, 0), 2)
	for _, bh := range evicted {
		assert.NotSame(t, pinned, bh, "a pinned BH must never be evicted")
	}

	found, ok := cache.FindBH(device, 0)
	assert.True(t, ok)
	assert.Same(t, pinned, found)
}

func TestCache_InvalidateDevice(t *testing.T) {
	deviceA := newMemDevice(4096)
	deviceB := newMemDevice(4096)
	cache := NewCache(2, 16, 75, 0)

	_, err := cache.GrowBH(deviceA, 0, 4096)
	require.NoError(t, err)
	_, err = cache.GrowBH(deviceB, 0, 4096)
	require.NoError(t, err)

	cache.InvalidateDevice(deviceA)

	_, ok := cache.FindBH(deviceA, 0)
	assert.False(t, ok)
	_, ok = cache.FindBH(deviceB, 0)
	assert.True(t, ok)
}

// Scenario 1: get_or_create_bh derives the owning page purely from the
// ratio of block size to page size (sizebits such that size<<sizebits ==
// pageSize) and creates the page's full sibling ring on a miss.
func TestCache_GetOrCreateBH_DerivesPageRing(t *testing.T) {
	device := newMemDevice(1024)
	cache := NewCache(1, 16, 75, 0)
	inode := NewInode(1, nil, nil)
	mapping := inode.Mapping()

	bh, err := cache.GetOrCreateBH(mapping, device, 5, 1024, 4096)
	require.NoError(t, err)
	defer bh.Put()

	assert.EqualValues(t, 5, bh.BlockNo())
	assert.EqualValues(t, 1, bh.RefCount(), "the resolved BH comes back pinned")

	page, ok := mapping.find(1)
	require.True(t, ok, "block 5 at size 1024 vs page size 4096 belongs to page index 5>>2 == 1")

	blocks := page.Blocks()
	require.Len(t, blocks, 4)
	got := make([]int64, len(blocks))
	for i, b := range blocks {
		got[i] = b.BlockNo()
	}
	assert.ElementsMatch(t, []int64{4, 5, 6, 7}, got)

	again, err := cache.GetOrCreateBH(mapping, device, 6, 1024, 4096)
	require.NoError(t, err)
	defer again.Put()
	assert.Same(t, blocks[2], again, "a second lookup on the same page returns the existing ring's BH")
}

// An invalid size/pageSize ratio is rejected rather than silently
// truncated into the wrong page index.
func TestCache_GetOrCreateBH_RejectsBadRatio(t *testing.T) {
	device := newMemDevice(1000)
	cache := NewCache(1, 16, 75, 0)
	inode := NewInode(1, nil, nil)

	_, err := cache.GetOrCreateBH(inode.Mapping(), device, 0, 1000, 4096)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPageSize)
}

func TestCacheStats_HitRate(t *testing.T) {
	stats := NewCacheStats()
	assert.Equal(t, 0.0, stats.HitRate())

	stats.IncrHit()
	stats.IncrHit()
	stats.IncrMiss()
	assert.InDelta(t, 2.0/3.0, stats.HitRate(), 0.0001)
}

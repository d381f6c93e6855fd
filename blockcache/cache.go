package blockcache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/blockcache/util"
)

// cacheEntry is one LRU list node: the hash key plus the BH it resolves to.
type cacheEntry struct {
	key uint64
	bh  *BH
}

// shard is one lock-sharded slice of the cache: a young/old two-segment
// LRU exactly like LRUCacheImpl, scoped to a subset of keys. Splitting the
// single buffer_pool-wide LRU into shards is the Go substitute for the
// source's per-CPU LRU arrays (see DESIGN.md's open question on this).
type shard struct {
	mu sync.Mutex

	youngItems map[uint64]*list.Element
	oldItems   map[uint64]*list.Element
	youngList  *list.List
	oldList    *list.List

	youngCap int
	oldCap   int
}

func newShard(capacity int, youngPercent int) *shard {
	if youngPercent <= 0 || youngPercent >= 100 {
		youngPercent = 75
	}
	youngCap := capacity * youngPercent / 100
	if youngCap < 1 {
		youngCap = 1
	}
	return &shard{
		youngItems: make(map[uint64]*list.Element),
		oldItems:   make(map[uint64]*list.Element),
		youngList:  list.New(),
		oldList:    list.New(),
		youngCap:   youngCap,
		oldCap:     capacity - youngCap,
	}
}

func (s *shard) get(key uint64) (*BH, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.youngItems[key]; ok {
		s.youngList.MoveToFront(e)
		return e.Value.(*cacheEntry).bh, true
	}
	if e, ok := s.oldItems[key]; ok {
		// first re-access promotes an old entry to young, matching the
		// InnoDB "move to young sublist on second access" rule.
		entry := e.Value.(*cacheEntry)
		s.oldList.Remove(e)
		delete(s.oldItems, key)
		s.insertYoung(key, entry.bh)
		return entry.bh, true
	}
	return nil, false
}

func (s *shard) insertYoung(key uint64, bh *BH) {
	if s.youngList.Len() >= s.youngCap {
		s.evictYoung(1)
	}
	s.youngItems[key] = s.youngList.PushFront(&cacheEntry{key: key, bh: bh})
}

func (s *shard) insertOld(key uint64, bh *BH) *BH {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.oldItems[key]; ok {
		return e.Value.(*cacheEntry).bh
	}
	if e, ok := s.youngItems[key]; ok {
		return e.Value.(*cacheEntry).bh
	}
	if s.oldList.Len() >= s.oldCap {
		s.evictOld(1)
	}
	s.oldItems[key] = s.oldList.PushFront(&cacheEntry{key: key, bh: bh})
	return bh
}

func (s *shard) evictYoung(n int) []*BH {
	var evicted []*BH
	e := s.youngList.Back()
	for len(evicted) < n && e != nil {
		prev := e.Prev()
		entry := e.Value.(*cacheEntry)
		if entry.bh.RefCount() == 0 && !entry.bh.Dirty() {
			s.youngList.Remove(e)
			delete(s.youngItems, entry.key)
			evicted = append(evicted, entry.bh)
		}
		e = prev
	}
	return evicted
}

func (s *shard) evictOld(n int) []*BH {
	var evicted []*BH
	e := s.oldList.Back()
	for len(evicted) < n && e != nil {
		prev := e.Prev()
		entry := e.Value.(*cacheEntry)
		if entry.bh.RefCount() == 0 && !entry.bh.Dirty() {
			s.oldList.Remove(e)
			delete(s.oldItems, entry.key)
			evicted = append(evicted, entry.bh)
		}
		e = prev
	}
	return evicted
}

func (s *shard) removeByDevicePredicate(keep func(bh *BH) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.youngItems {
		if !keep(e.Value.(*cacheEntry).bh) {
			s.youngList.Remove(e)
			delete(s.youngItems, key)
		}
	}
	for key, e := range s.oldItems {
		if !keep(e.Value.(*cacheEntry).bh) {
			s.oldList.Remove(e)
			delete(s.oldItems, key)
		}
	}
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.youngList.Len() + s.oldList.Len()
}

// Cache is the sharded block-handle cache, the Go substitute for a
// per-CPU LRU. Each shard holds its own young/old LRU and lock, so
// independent block lookups on different shards never contend.
type Cache struct {
	shards   []*shard
	counter  uint64 // not read anywhere; shardFor picks a shard by key hash
	stats    *CacheStats
	maxRetries int
}

// NewCache builds a Cache with shardCount shards, each sized to
// capacityPerShard entries, splitting capacityPerShard*youngPercent/100
// into the young sublist, grounded on LRUCacheImpl's young/old split in
// buffer_lru.go.
func NewCache(shardCount, capacityPerShard, youngPercent, maxRetries int) *Cache {
	if shardCount < 1 {
		shardCount = 1
	}
	c := &Cache{
		shards:     make([]*shard, shardCount),
		stats:      NewCacheStats(),
		maxRetries: maxRetries,
	}
	for i := range c.shards {
		c.shards[i] = newShard(capacityPerShard, youngPercent)
	}
	return c
}

func cacheKey(device Device, blockNo int64) uint64 {
	buf := make([]byte, 16)
	ptr := devicePointer(device)
	for i := 0; i < 8; i++ {
		buf[i] = byte(ptr >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(blockNo >> (8 * i))
	}
	return util.HashCode(buf)
}

func (c *Cache) shardFor(key uint64) *shard {
	return c.shards[key%uint64(len(c.shards))]
}

// FindBH looks up an already-cached block handle, recording a hit or miss
// in the cache's statistics. A hit returns the BH with its ref_count
// incremented; the caller must Put() it when done.
func (c *Cache) FindBH(device Device, blockNo int64) (*BH, bool) {
	key := cacheKey(device, blockNo)
	bh, ok := c.shardFor(key).get(key)
	if ok {
		c.stats.IncrHit()
		bh.Get()
	} else {
		c.stats.IncrMiss()
	}
	return bh, ok
}

// GrowBH finds or allocates the BH for (device, blockNo), growing the
// cache if necessary. A new BH goes into the old sublist after at most
// one eviction attempt; if no entry there is evictable, the sublist grows
// past its capacity. GrowBH does not retry, does not read the cache's
// maxRetries, and never returns ErrOutOfMemory.
// The returned BH has its ref_count incremented; the caller must Put()
// it when done.
func (c *Cache) GrowBH(device Device, blockNo int64, size int) (*BH, error) {
	key := cacheKey(device, blockNo)
	s := c.shardFor(key)

	if bh, ok := s.get(key); ok {
		return bh.Get(), nil
	}

	bh := newBH(device, blockNo, size)
	bh.markMapped()
	result := s.insertOld(key, bh)
	c.stats.IncrGrow()
	return result.Get(), nil
}

// sizeBits derives the shift k such that size<<k == pageSize, the
// block-to-page ratio expressed as a power-of-two shift count. pageSize
// must be an exact power-of-two multiple of size.
func sizeBits(size, pageSize int) (uint, error) {
	if size <= 0 || pageSize <= 0 || pageSize%size != 0 {
		return 0, ErrInvalidPageSize
	}
	ratio := pageSize / size
	var bits uint
	for (1 << bits) < ratio {
		bits++
	}
	if 1<<bits != ratio {
		return 0, ErrInvalidPageSize
	}
	return bits, nil
}

// GetOrCreateBH resolves blockNo on device to its BH, deriving the page
// that block tiles from the ratio of size to pageSize (page_index =
// blockNo >> sizebits) and growing the page's full sibling ring on a
// miss, so every block on a newly-touched page ends up attached to the
// same Page rather than floating as a flat, page-less cache entry the
// way a bare GrowBH call leaves it. The returned BH is pinned; the
// caller must Put() it when done.
func (c *Cache) GetOrCreateBH(mapping *Mapping, device Device, blockNo int64, size, pageSize int) (*BH, error) {
	bits, err := sizeBits(size, pageSize)
	if err != nil {
		return nil, NewError("GetOrCreateBH", err)
	}
	blocksPerPage := 1 << bits
	pageIndex := blockNo >> bits
	baseBlock := pageIndex << bits

	page := mapping.findOrCreate(uint64(pageIndex))
	if len(page.Blocks()) == 0 {
		blocks, err := buildPageRing(c, device, size, blocksPerPage, baseBlock)
		if err != nil {
			return nil, NewError("GetOrCreateBH", err)
		}
		page.attachBlocks(blocks)
		for _, bh := range blocks {
			bh.Put()
		}
	}

	if bh, ok := c.FindBH(device, blockNo); ok {
		return bh, nil
	}
	return c.GrowBH(device, blockNo, size)
}

// evictOnPressure evicts up to n unpinned, clean BHs from key's shard,
// young sublist first, and counts them in the stats. GrowBH's insert path
// evicts through the shard directly and does not call it; it's split out
// so tests can exercise eviction without racing real allocation traffic.
func (c *Cache) evictOnPressure(key uint64, n int) []*BH {
	s := c.shardFor(key)
	out := s.evictYoung(n)
	if len(out) < n {
		out = append(out, s.evictOld(n-len(out))...)
	}
	c.stats.AddEvictions(uint64(len(out)))
	return out
}

// InvalidateDevice drops every cached BH that belongs to device, across
// all shards. The per-CPU "broadcast to all CPUs" invalidation becomes a
// walk over all shards, each under its own lock.
func (c *Cache) InvalidateDevice(device Device) {
	for _, s := range c.shards {
		s.removeByDevicePredicate(func(bh *BH) bool { return bh.device != device })
	}
}

func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.len()
	}
	return n
}

func (c *Cache) Stats() *CacheStats { return c.stats }

var devicePointerCounter uint64

type devicePointerKey struct{}

// devicePointer gives a stable integer identity to a Device value for
// hashing purposes. Devices are always used through a pointer-backed
// implementation (*FileDevice or a test fake), so a pointer-to-uintptr
// cast below would be unsafe across GC moves; instead we keep a
// process-wide registry assigning each distinct Device a small integer
// the first time it's seen.
var (
	devicePointerMu sync.Mutex
	devicePointerIDs = make(map[Device]uint64)
)

func devicePointer(device Device) uint64 {
	devicePointerMu.Lock()
	defer devicePointerMu.Unlock()
	if id, ok := devicePointerIDs[device]; ok {
		return id
	}
	id := atomic.AddUint64(&devicePointerCounter, 1)
	devicePointerIDs[device] = id
	return id
}

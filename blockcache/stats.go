package blockcache

import "sync/atomic"

// CacheStats tracks cache-wide counters with sync/atomic, matching
// BufferPoolStats and LRUCacheImpl's embedded counters.
type CacheStats struct {
	hits      uint64
	misses    uint64
	grows     uint64
	evictions uint64
	reads     uint64
	writes    uint64
	writeback uint64
}

func NewCacheStats() *CacheStats { return &CacheStats{} }

func (s *CacheStats) IncrHit()            { atomic.AddUint64(&s.hits, 1) }
func (s *CacheStats) IncrMiss()           { atomic.AddUint64(&s.misses, 1) }
func (s *CacheStats) IncrGrow()           { atomic.AddUint64(&s.grows, 1) }
func (s *CacheStats) AddEvictions(n uint64) { atomic.AddUint64(&s.evictions, n) }
func (s *CacheStats) IncrRead()          { atomic.AddUint64(&s.reads, 1) }
func (s *CacheStats) IncrWrite()         { atomic.AddUint64(&s.writes, 1) }
func (s *CacheStats) IncrWriteback()     { atomic.AddUint64(&s.writeback, 1) }

func (s *CacheStats) Hits() uint64      { return atomic.LoadUint64(&s.hits) }
func (s *CacheStats) Misses() uint64    { return atomic.LoadUint64(&s.misses) }
func (s *CacheStats) Grows() uint64     { return atomic.LoadUint64(&s.grows) }
func (s *CacheStats) Evictions() uint64 { return atomic.LoadUint64(&s.evictions) }
func (s *CacheStats) Reads() uint64     { return atomic.LoadUint64(&s.reads) }
func (s *CacheStats) Writes() uint64    { return atomic.LoadUint64(&s.writes) }
func (s *CacheStats) Writebacks() uint64 { return atomic.LoadUint64(&s.writeback) }

// HitRate returns the fraction of FindBH calls that hit, or 0 if there
// have been no lookups yet.
func (s *CacheStats) HitRate() float64 {
	hits, misses := s.Hits(), s.Misses()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

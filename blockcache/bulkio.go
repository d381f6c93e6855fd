package blockcache

import (
	"sync"
	"time"

	"github.com/zhukovaskychina/blockcache/logger"
)

// ReadRange reads a contiguous run of pages [startIndex, startIndex+count)
// from mapping, growing BHs from cache as needed and submitting async
// reads in parallel. It walks page-by-page rather than per-block, since
// each page here is itself a ring of BHs.
func ReadRange(mapping *Mapping, cache *Cache, device Device, blockSize, blocksPerPage int, startIndex uint64, count int, stats *CacheStats) ([]*Page, error) {
	pages := make([]*Page, count)
	errs := make([]error, count)
	var wg sync.WaitGroup

	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx := startIndex + uint64(i)
			page := mapping.findOrCreate(idx)
			if len(page.Blocks()) == 0 {
				if err := growPageRing(page, cache, device, blockSize, blocksPerPage, idx); err != nil {
					errs[i] = err
					return
				}
			}
			errs[i] = ReadFullPage(page, stats)
			pages[i] = page
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return pages, NewError("ReadRange", err)
		}
	}
	return pages, nil
}

// buildPageRing finds or grows the n BHs starting at device block
// baseBlock, wires them into a ring, and marks the last one as the
// boundary block. Each returned BH comes back from the cache pinned
// (ref_count incremented); the caller owns releasing that pin once the
// ring has somewhere else to be held from (attachBlocks, normally).
func buildPageRing(cache *Cache, device Device, blockSize, n int, baseBlock int64) ([]*BH, error) {
	blocks := make([]*BH, n)
	for i := 0; i < n; i++ {
		bh, err := cache.GrowBH(device, baseBlock+int64(i), blockSize)
		if err != nil {
			return nil, err
		}
		blocks[i] = bh
	}
	for i, bh := range blocks {
		bh.next = blocks[(i+1)%len(blocks)]
	}
	if len(blocks) > 0 {
		blocks[len(blocks)-1].setBoundary()
	}
	return blocks, nil
}

// growPageRing allocates (or finds) the blocksPerPage BHs that tile page
// index and attaches them to it, computing each BH's device block number
// from the page's byte offset.
func growPageRing(page *Page, cache *Cache, device Device, blockSize, blocksPerPage int, index uint64) error {
	pageOffsetBlocks := int64(index) * int64(blocksPerPage)
	blocks, err := buildPageRing(cache, device, blockSize, blocksPerPage, pageOffsetBlocks)
	if err != nil {
		return err
	}
	page.attachBlocks(blocks)
	for _, bh := range blocks {
		bh.Put()
	}
	return nil
}

// WriteRange writes data across a contiguous run of pages starting at
// byte offset startOffset within mapping, preparing and committing each
// page's partial write, then flushing every touched page's ring.
func WriteRange(mapping *Mapping, cache *Cache, device Device, blockSize, blocksPerPage int, startOffset int64, data []byte, stats *CacheStats) error {
	pageSize := int64(blockSize * blocksPerPage)
	if pageSize <= 0 {
		return NewError("WriteRange", ErrInvalidPageSize)
	}

	remaining := data
	offset := startOffset
	var touched []*Page

	for len(remaining) > 0 {
		pageIndex := uint64(offset / pageSize)
		inPageOffset := int(offset % pageSize)
		n := int(pageSize) - inPageOffset
		if n > len(remaining) {
			n = len(remaining)
		}

		page := mapping.findOrCreate(pageIndex)
		if len(page.Blocks()) == 0 {
			if err := growPageRing(page, cache, device, blockSize, blocksPerPage, pageIndex); err != nil {
				return NewError("WriteRange", err)
			}
		}
		if err := PreparePartialWrite(page, inPageOffset, inPageOffset+n, stats); err != nil {
			return NewError("WriteRange", err)
		}
		if err := CommitPartialWrite(page, inPageOffset, remaining[:n], time.Now()); err != nil {
			return NewError("WriteRange", err)
		}
		touched = append(touched, page)

		remaining = remaining[n:]
		offset += int64(n)
	}

	for _, page := range touched {
		if err := WriteFullPage(page, stats); err != nil {
			logger.Errorf("blockcache: WriteRange flush failed for page %d: %v", page.index, err)
			return NewError("WriteRange", err)
		}
	}
	return nil
}

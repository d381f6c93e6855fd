package blockcache

import (
	"sync"
	"time"

	"github.com/zhukovaskychina/blockcache/logger"
)

// ReadFullPage implements the full-page read path: lock the page, submit
// an async read for every not-yet-uptodate BH in its ring,
// wait for completion, then return. If the page is already uptodate this
// is a cache hit and no I/O is issued.
func ReadFullPage(page *Page, stats *CacheStats) error {
	page.Lock()
	defer func() {
		if page.IsLocked() {
			page.Unlock()
		}
	}()

	if page.Uptodate() {
		return nil
	}

	blocks := page.Blocks()
	if len(blocks) == 0 {
		return NewError("ReadFullPage", ErrRingNotAttached)
	}

	var wg sync.WaitGroup
	for _, bh := range blocks {
		if bh.Uptodate() {
			continue
		}
		bh.setState(bhAsyncRead)
		wg.Add(1)
		go func(bh *BH) {
			defer wg.Done()
			err := bh.device.SubmitBlockIO(bh.blockNo, bh.data, false)
			if stats != nil {
				stats.IncrRead()
			}
			if err != nil {
				logger.Errorf("blockcache: read block %d failed: %v", bh.blockNo, err)
			}
			EndBufferAsyncRead(bh, err)
		}(bh)
	}
	wg.Wait()

	if page.HasError() {
		return NewError("ReadFullPage", ErrIOError)
	}
	return nil
}

// PreparePartialWrite readies the BH ring for a write that only covers
// [from, to) of the page, by reading in any not-yet-uptodate BH that
// falls outside that range, the same analogue __block_write_begin uses:
// a BH entirely inside [from, to) doesn't need its
// old content, since the caller is about to overwrite all of it.
func PreparePartialWrite(page *Page, from, to int, stats *CacheStats) error {
	page.Lock()
	defer func() {
		if page.IsLocked() {
			page.Unlock()
		}
	}()

	blocks := page.Blocks()
	if len(blocks) == 0 {
		return NewError("PreparePartialWrite", ErrRingNotAttached)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	blockSize := blocks[0].size
	for i, bh := range blocks {
		blockStart := i * blockSize
		blockEnd := blockStart + blockSize
		fullyCovered := from <= blockStart && to >= blockEnd
		if bh.Uptodate() || fullyCovered {
			if fullyCovered {
				bh.markNew()
			}
			continue
		}
		bh.setState(bhAsyncRead)
		wg.Add(1)
		go func(bh *BH) {
			defer wg.Done()
			err := bh.device.SubmitBlockIO(bh.blockNo, bh.data, false)
			if stats != nil {
				stats.IncrRead()
			}
			EndBufferAsyncRead(bh, err)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(bh)
	}
	wg.Wait()
	return firstErr
}

// CommitPartialWrite copies data into the page's ring at byte offset from
// (relative to the page) and marks every touched BH — and hence the page
// and its inode — dirty, mirroring __block_commit_write.
func CommitPartialWrite(page *Page, from int, data []byte, dirtyAt time.Time) error {
	blocks := page.Blocks()
	if len(blocks) == 0 {
		return NewError("CommitPartialWrite", ErrRingNotAttached)
	}
	blockSize := blocks[0].size
	to := from + len(data)

	for i, bh := range blocks {
		blockStart := i * blockSize
		blockEnd := blockStart + blockSize
		if blockEnd <= from || blockStart >= to {
			continue
		}
		copyStart := max(from, blockStart) - blockStart
		copyEnd := min(to, blockEnd) - blockStart
		srcStart := max(from, blockStart) - from
		srcEnd := srcStart + (copyEnd - copyStart)
		copy(bh.data[copyStart:copyEnd], data[srcStart:srcEnd])
		bh.clearState(bhNew)
		bh.markUptodate()
		MarkBHDirty(bh, dirtyAt)
	}
	return nil
}

// WriteFullPage submits every dirty BH in a page's ring for async write
// and waits for all of them to complete. Each successful block write
// clears that BH's dirty bit and the page's dirty flag; the page's
// writeback flag is cleared once the last one finishes.
func WriteFullPage(page *Page, stats *CacheStats) error {
	page.Lock()
	defer func() {
		if page.IsLocked() {
			page.Unlock()
		}
	}()

	if !page.Dirty() {
		return nil
	}
	page.setWriteback()

	blocks := page.Blocks()
	var wg sync.WaitGroup
	for _, bh := range blocks {
		if !bh.Dirty() {
			continue
		}
		bh.setState(bhAsyncWrite)
		wg.Add(1)
		go func(bh *BH) {
			defer wg.Done()
			err := bh.device.SubmitBlockIO(bh.blockNo, bh.data, true)
			if stats != nil {
				stats.IncrWrite()
			}
			if err != nil {
				logger.Errorf("blockcache: write block %d failed: %v", bh.blockNo, err)
			}
			EndBufferAsyncWrite(bh, err)
		}(bh)
	}
	wg.Wait()

	if page.HasError() {
		return NewError("WriteFullPage", ErrIOError)
	}
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

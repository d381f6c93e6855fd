package blockcache

// EndBufferAsyncRead is the completion callback for an async block read:
// it marks bh uptodate (or records the error), then — holding the page's
// completion lock — checks whether any sibling in the ring still has a
// read in flight. Only the last sibling to finish marks the page
// uptodate (when error-free) and unlocks it, so concurrent completions
// for the same page's blocks never race on that decision, and a read
// error on one sibling still lets every other sibling's completion
// reach the unlock once the ring has genuinely finished.
func EndBufferAsyncRead(bh *BH, ioErr error) {
	if ioErr != nil {
		bh.clearUptodate()
		bh.page.SetError()
	} else {
		bh.markUptodate()
	}

	page := bh.page
	if page == nil {
		bh.clearState(bhAsyncRead)
		return
	}
	page.completionMu.Lock()
	defer page.completionMu.Unlock()
	bh.clearState(bhAsyncRead)

	for _, sib := range page.Blocks() {
		if sib.testState(bhAsyncRead) {
			return
		}
	}
	if !page.HasError() {
		page.SetUptodate()
	}
	if page.IsLocked() {
		page.Unlock()
	}
}

// EndBufferAsyncWrite is the completion callback for an async block
// write: once every BH in the ring has completed its write, the page's
// writeback flag is cleared and the page is unlocked, mirroring
// end_buffer_async_write's "last one out" coalescing.
func EndBufferAsyncWrite(bh *BH, ioErr error) {
	if ioErr != nil {
		bh.setState(bhWriteIOError)
		if bh.page != nil {
			bh.page.SetError()
		}
	} else {
		bh.clearState(bhWriteIOError)
		bh.clearState(bhDirty)
		clearPageDirty(pageOf(bh))
	}

	page := bh.page
	if page == nil {
		bh.clearState(bhAsyncWrite)
		return
	}
	page.completionMu.Lock()
	defer page.completionMu.Unlock()
	bh.clearState(bhAsyncWrite)

	for _, sib := range page.Blocks() {
		if sib.testState(bhAsyncWrite) {
			return
		}
	}
	page.clearWriteback()
	if page.IsLocked() {
		page.Unlock()
	}
}

func pageOf(bh *BH) *Page { return bh.page }

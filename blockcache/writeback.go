package blockcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/zhukovaskychina/blockcache/logger"
)

// WritebackReason classifies why an inode is being written back, mirroring
// wb_reason in the kernel writeback code.
type WritebackReason int

const (
	ReasonBackground WritebackReason = iota
	ReasonSync
	ReasonPeriodic
	ReasonPressure
)

// WorkItem is one writeback request queued on a BDI. A
// synchronous caller (SyncInode) blocks on done; a background-triggered
// item (periodic/pressure) leaves done nil and is fire-and-forget.
type WorkItem struct {
	inode     *Inode
	reason    WritebackReason
	nrToWrite int
	olderThan time.Time
	done      chan error
}

// BDI ("backing device info") owns the writeback worker pool for one
// Device: the dirty/io/more-io inode lists and the bounded set of WB
// workers draining them. Generalizes
// PrefetchManager.workerPool's channel-as-worker-slot idiom and
// AutoTuner.tuningLoop's ticker-driven periodic loop.
type BDI struct {
	mu       sync.Mutex
	bDirty   *list.List // inodes dirtied, not yet queued for IO
	bIO      *list.List // inodes currently being written
	bMoreIO  *list.List // inodes that need another pass (locked pages etc.)
	inodeElem map[*Inode]*list.Element

	workList chan *WorkItem
	workerPool chan struct{}

	cfg      WritebackConfig
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// WritebackConfig carries the tunables server/conf.Cfg loads from the
// [writeback] INI section.
type WritebackConfig struct {
	DirtyWritebackInterval   time.Duration
	DirtyExpireInterval      time.Duration
	BackgroundDirtyThreshold int
	MaxWritebackPages        int
	WorkerIdleTimeout        time.Duration
	Workers                  int
}

func DefaultWritebackConfig() WritebackConfig {
	return WritebackConfig{
		DirtyWritebackInterval:   5 * time.Second,
		DirtyExpireInterval:      30 * time.Second,
		BackgroundDirtyThreshold: 100,
		MaxWritebackPages:        1024,
		WorkerIdleTimeout:        10 * time.Second,
		Workers:                  2,
	}
}

// NewBDI creates a BDI with its worker pool stopped; call StartBackground
// to launch the periodic loop and workers.
func NewBDI(cfg WritebackConfig) *BDI {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &BDI{
		bDirty:     list.New(),
		bIO:        list.New(),
		bMoreIO:    list.New(),
		inodeElem:  make(map[*Inode]*list.Element),
		workList:   make(chan *WorkItem, 64),
		workerPool: make(chan struct{}, cfg.Workers),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
	}
}

// noteDirtyInode queues inode onto b_dirty the first time it's dirtied
// (MarkPageDirty/MarkBHDirtyInode call this); repeat dirtying of an
// already-queued inode is a no-op.
func (bdi *BDI) noteDirtyInode(inode *Inode) {
	bdi.mu.Lock()
	defer bdi.mu.Unlock()
	if _, ok := bdi.inodeElem[inode]; ok {
		return
	}
	bdi.inodeElem[inode] = bdi.bDirty.PushBack(inode)
}

// moveExpired first moves every inode waiting on b_more_io onto b_io,
// then every inode on b_dirty whose dirtiedWhen is older
// than olderThan, up to the livelock-bound snapshot taken at
// the start of this writeback pass: sync is bounded by a
// start-timestamp snapshot, not a moving target.
func (bdi *BDI) moveExpired(olderThan time.Time) []*Inode {
	bdi.mu.Lock()
	defer bdi.mu.Unlock()

	var moved []*Inode
	var next *list.Element
	for e := bdi.bMoreIO.Front(); e != nil; e = next {
		next = e.Next()
		inode := e.Value.(*Inode)
		bdi.bMoreIO.Remove(e)
		bdi.inodeElem[inode] = bdi.bIO.PushBack(inode)
		moved = append(moved, inode)
	}
	for e := bdi.bDirty.Front(); e != nil; e = next {
		next = e.Next()
		inode := e.Value.(*Inode)
		if inode.dirtiedWhen.After(olderThan) {
			continue
		}
		bdi.bDirty.Remove(e)
		elem := bdi.bIO.PushBack(inode)
		bdi.inodeElem[inode] = elem
		moved = append(moved, inode)
	}
	return moved
}

// requeueMoreIO puts an inode that still has dirty pages (e.g. one of its
// pages was locked by a concurrent writer) back on b_more_io instead of
// dropping it, so the next pass retries it before older inodes.
func (bdi *BDI) requeueMoreIO(inode *Inode) {
	bdi.mu.Lock()
	defer bdi.mu.Unlock()
	if e, ok := bdi.inodeElem[inode]; ok {
		bdi.bIO.Remove(e)
	}
	bdi.inodeElem[inode] = bdi.bMoreIO.PushBack(inode)
}

func (bdi *BDI) dequeueDone(inode *Inode) {
	bdi.mu.Lock()
	defer bdi.mu.Unlock()
	if e, ok := bdi.inodeElem[inode]; ok {
		bdi.bIO.Remove(e)
		delete(bdi.inodeElem, inode)
	}
}

// StartBackground launches the BDI's periodic writeback loop and its
// bounded pool of WB workers.
func (bdi *BDI) StartBackground() {
	for i := 0; i < cap(bdi.workerPool); i++ {
		bdi.wg.Add(1)
		go bdi.wbWorker()
	}
	bdi.wg.Add(1)
	go bdi.periodicLoop()
}

// Stop signals the background loop and workers to exit and waits for
// them to drain.
func (bdi *BDI) Stop() {
	bdi.mu.Lock()
	if bdi.stopped {
		bdi.mu.Unlock()
		return
	}
	bdi.stopped = true
	bdi.mu.Unlock()
	close(bdi.stopCh)
	bdi.wg.Wait()
}

func (bdi *BDI) periodicLoop() {
	defer bdi.wg.Done()
	ticker := time.NewTicker(bdi.cfg.DirtyWritebackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bdi.stopCh:
			return
		case <-ticker.C:
			bdi.wbWritebackPeriodic()
		}
	}
}

// wbWritebackPeriodic implements wb_writeback for the periodic/background
// case: snapshot "now", move every inode older than dirty_expire_interval
// to b_io, and enqueue a background WorkItem for each.
func (bdi *BDI) wbWritebackPeriodic() {
	now := time.Now()
	olderThan := now.Add(-bdi.cfg.DirtyExpireInterval)
	for _, inode := range bdi.moveExpired(olderThan) {
		select {
		case bdi.workList <- &WorkItem{inode: inode, reason: ReasonPeriodic, nrToWrite: bdi.cfg.MaxWritebackPages, olderThan: now}:
		default:
			logger.Warnf("blockcache: writeback work list full, dropping periodic item for inode %d", inode.ID)
			bdi.requeueMoreIO(inode)
		}
	}
}

// wbWorker drains work_list, writing back one inode per item, mirroring
// PrefetchManager.prefetchWorker's "acquire a pool slot, process, release"
// shape, but pulling from a channel instead of a priority-queue.
func (bdi *BDI) wbWorker() {
	defer bdi.wg.Done()
	idle := time.NewTimer(bdi.cfg.WorkerIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-bdi.stopCh:
			return
		case item := <-bdi.workList:
			bdi.workerPool <- struct{}{}
			err := bdi.writebackInode(item)
			<-bdi.workerPool
			if item.done != nil {
				item.done <- err
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(bdi.cfg.WorkerIdleTimeout)
		case <-idle.C:
			idle.Reset(bdi.cfg.WorkerIdleTimeout)
		}
	}
}

// writebackInode writes back up to item.nrToWrite dirty pages of a single
// inode, requeueing onto b_more_io if any page was skipped (its lock was
// held elsewhere, or nrToWrite pages were already written), and otherwise
// dropping the inode from b_io, mirroring "writeback_single_inode".
// item.olderThan is not consulted: pages and inodes dirtied after it are
// written like any other.
func (bdi *BDI) writebackInode(item *WorkItem) error {
	inode := item.inode
	dirty := inode.mapping.dirtyPages()

	written := 0
	skipped := false
	for _, page := range dirty {
		if item.nrToWrite > 0 && written >= item.nrToWrite {
			skipped = true
			break
		}
		if !page.TryLock() {
			skipped = true
			continue
		}
		if !page.Dirty() {
			page.Unlock()
			continue
		}
		page.setWriteback()

		var wg sync.WaitGroup
		for _, bh := range page.Blocks() {
			if !bh.Dirty() {
				continue
			}
			bh.setState(bhAsyncWrite)
			wg.Add(1)
			go func(bh *BH) {
				defer wg.Done()
				err := bh.device.SubmitBlockIO(bh.blockNo, bh.data, true)
				EndBufferAsyncWrite(bh, err)
			}(bh)
		}
		wg.Wait()
		if page.IsLocked() {
			page.Unlock()
		}
		if page.HasError() {
			return NewError("writebackInode", ErrWritebackFailed)
		}
		written++
	}

	if skipped {
		bdi.requeueMoreIO(inode)
	} else {
		bdi.dequeueDone(inode)
	}
	return nil
}

// SyncInode synchronously writes back every dirty page of inode and
// blocks until done, for fsync-style callers.
func SyncInode(bdi *BDI, inode *Inode) error {
	done := make(chan error, 1)
	item := &WorkItem{inode: inode, reason: ReasonSync, nrToWrite: 0, olderThan: now(), done: done}
	bdi.mu.Lock()
	bdi.inodeElem[inode] = bdi.bIO.PushBack(inode)
	bdi.mu.Unlock()
	bdi.workList <- item
	return <-done
}

// WakeupFlushers forces an immediate background writeback pass instead of
// waiting for the next periodic tick.
func (bdi *BDI) WakeupFlushers() {
	bdi.wbWritebackPeriodic()
}

// WritebackInodesSB writes back every dirty inode reachable from sb,
// blocking until all of them complete.
func WritebackInodesSB(bdi *BDI, sb *Superblock) error {
	sb.mu.RLock()
	inodes := make([]*Inode, 0, len(sb.inodes))
	for _, in := range sb.inodes {
		inodes = append(inodes, in)
	}
	sb.mu.RUnlock()

	var firstErr error
	for _, in := range inodes {
		if !in.isDirty() {
			continue
		}
		if err := SyncInode(bdi, in); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WritebackInodesSBIfIdle writes back sb's dirty inodes only if the BDI's
// work list is currently empty, avoiding piling sync work on top of an
// already-busy background writer.
func WritebackInodesSBIfIdle(bdi *BDI, sb *Superblock) error {
	if len(bdi.workList) > 0 {
		return nil
	}
	return WritebackInodesSB(bdi, sb)
}

package blockcache

import (
	"sync"
)

// memDevice is an in-memory Device used by tests so they don't touch the
// filesystem and stay fully deterministic.
type memDevice struct {
	mu        sync.Mutex
	blockSize int
	blocks    map[int64][]byte
	failWrite map[int64]bool
}

func newMemDevice(blockSize int) *memDevice {
	return &memDevice{
		blockSize: blockSize,
		blocks:    make(map[int64][]byte),
		failWrite: make(map[int64]bool),
	}
}

func (d *memDevice) BlockSize() int    { return d.blockSize }
func (d *memDevice) BlockCount() int64 { return -1 }

func (d *memDevice) SubmitBlockIO(blockNo int64, data []byte, write bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if write {
		if d.failWrite[blockNo] {
			return ErrIOError
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		d.blocks[blockNo] = buf
		return nil
	}
	if buf, ok := d.blocks[blockNo]; ok {
		copy(data, buf)
	} else {
		for i := range data {
			data[i] = 0
		}
	}
	return nil
}

func (d *memDevice) Close() error { return nil }

func (d *memDevice) setFailWrite(blockNo int64, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWrite[blockNo] = fail
}

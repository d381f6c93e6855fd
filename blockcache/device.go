package blockcache

import (
	"fmt"
	"os"
	"sync"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/blockcache/logger"
	"github.com/zhukovaskychina/blockcache/util"
)

// Device is the block-device transport boundary. Everything above it
// (block handles, pages, the writeback engine) is device-agnostic; a
// Device only knows how to move raw bytes at a block offset.
type Device interface {
	// BlockSize returns the device's native block size in bytes.
	BlockSize() int
	// BlockCount returns the number of addressable blocks, or -1 if the
	// device grows on demand (e.g. a sparse file).
	BlockCount() int64
	// SubmitBlockIO performs a synchronous read or write of one block.
	// write == true submits data to the device; write == false fills data
	// from the device. Implementations may be called concurrently for
	// distinct block numbers.
	SubmitBlockIO(blockNo int64, data []byte, write bool) error
	// Close releases any resources held by the device.
	Close() error
}

// FileDevice backs Device with a plain file, treated as a flat array of
// fixed-size blocks. Reads past end-of-file return a zero-filled block
// rather than an error, matching a sparse-file hole.
type FileDevice struct {
	mu        sync.Mutex
	path      string
	blockSize int
	file      *os.File
	closed    bool
}

// OpenFileDevice opens (creating if necessary) path as a block device with
// the given block size.
func OpenFileDevice(path string, blockSize int) (*FileDevice, error) {
	if blockSize <= 0 {
		return nil, NewError("OpenFileDevice", ErrInvalidPageSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, NewError("OpenFileDevice", jerrors.Trace(err))
	}
	return &FileDevice{path: path, blockSize: blockSize, file: f}, nil
}

func (d *FileDevice) BlockSize() int { return d.blockSize }

func (d *FileDevice) BlockCount() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, err := d.file.Stat()
	if err != nil {
		return -1
	}
	return info.Size() / int64(d.blockSize)
}

func (d *FileDevice) SubmitBlockIO(blockNo int64, data []byte, write bool) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return NewError("SubmitBlockIO", ErrDeviceClosed)
	}
	if len(data) != d.blockSize {
		return NewError("SubmitBlockIO", fmt.Errorf("%w: got %d want %d", ErrInvalidPageSize, len(data), d.blockSize))
	}
	offset := uint64(blockNo) * uint64(d.blockSize)

	if write {
		if err := util.WriteFileBySeekStart(d.path, offset, data); err != nil {
			logger.Errorf("device %s: write block %d failed: %v", d.path, blockNo, err)
			return NewError("SubmitBlockIO", fmt.Errorf("%w: %v", ErrIOError, err))
		}
		return nil
	}

	b, err := util.ReadFileBySeekStartWithSize(d.path, offset, d.blockSize)
	if err != nil {
		logger.Errorf("device %s: read block %d failed: %v", d.path, blockNo, err)
		return NewError("SubmitBlockIO", fmt.Errorf("%w: %v", ErrIOError, err))
	}
	copy(data, b)
	for i := len(b); i < len(data); i++ {
		data[i] = 0
	}
	return nil
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.file.Close()
}

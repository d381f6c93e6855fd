package blockcache

import "errors"

var (
	// block handle / ring errors
	ErrBlockNotFound  = errors.New("block handle not found in cache")
	ErrInvalidBlockNo = errors.New("block number out of device range")
	ErrBlockLocked    = errors.New("block handle is locked by another caller")
	ErrRingNotAttached = errors.New("page has no attached block ring")

	// cache / memory errors
	ErrOutOfMemory  = errors.New("buffer growth exceeded max retries under memory pressure")
	ErrInvalidShard = errors.New("shard index out of range")

	// page / mapping errors
	ErrPageNotUptodate = errors.New("page is not uptodate")
	ErrPageWriteback   = errors.New("page is already under writeback")
	ErrInvalidPageSize = errors.New("invalid page size")

	// writeback / sync errors
	ErrWritebackFailed = errors.New("writeback of dirty buffers failed")
	ErrSyncTimeout      = errors.New("sync operation exceeded its deadline")
	ErrSuperblockBusy   = errors.New("superblock is held by an in-progress unmount")
	ErrDirtyBuffer      = errors.New("refusing to drop a dirty, unwritten buffer")

	// device / IO errors
	ErrIOError     = errors.New("block device IO error")
	ErrDeviceClosed = errors.New("device is closed")
)

// CacheError wraps an operation name and its underlying error, mirroring
// the Op/Err shape used across the package so callers can Unwrap back to
// one of the sentinels above.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	if e.Err == nil {
		return e.Op + ": <nil>"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// NewError wraps err with the operation that produced it.
func NewError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CacheError{Op: op, Err: err}
}

func IsNotFound(err error) bool   { return errors.Is(err, ErrBlockNotFound) }
func IsLocked(err error) bool     { return errors.Is(err, ErrBlockLocked) }
func IsOutOfMemory(err error) bool { return errors.Is(err, ErrOutOfMemory) }
func IsIOError(err error) bool    { return errors.Is(err, ErrIOError) }
func IsTimeout(err error) bool    { return errors.Is(err, ErrSyncTimeout) }
func IsDirtyBuffer(err error) bool { return errors.Is(err, ErrDirtyBuffer) }

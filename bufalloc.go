package gojaplatform

import (
	"fmt"
	"sync/atomic"
)

// ArrayBufferAllocator backs ArrayBuffer storage. Failed allocations wrap
// ErrOutOfMemory.
type ArrayBufferAllocator interface {
	// Allocate returns length zeroed bytes.
	Allocate(length int) ([]byte, error)
	// AllocateUninitialized returns length bytes, which may hold stale data.
	AllocateUninitialized(length int) ([]byte, error)
	// Free returns memory obtained from Allocate or AllocateUninitialized.
	Free(b []byte)
}

// MaxArrayBufferLength is the largest single array buffer
// HeapArrayBufferAllocator will attempt to allocate.
const MaxArrayBufferLength int64 = 1 << 32

// HeapArrayBufferAllocator serves array buffers from the Go heap, optionally
// bounding the bytes outstanding.
type HeapArrayBufferAllocator struct {
	inUse atomic.Int64
	limit int64
}

var _ ArrayBufferAllocator = (*HeapArrayBufferAllocator)(nil)

// NewHeapArrayBufferAllocator returns an allocator refusing allocations that
// would take the bytes outstanding above limit. Zero means unlimited.
func NewHeapArrayBufferAllocator(limit int64) *HeapArrayBufferAllocator {
	return &HeapArrayBufferAllocator{limit: limit}
}

func (x *HeapArrayBufferAllocator) Allocate(length int) (b []byte, err error) {
	if err := x.reserve(length); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			x.inUse.Add(-int64(length))
			b, err = nil, fmt.Errorf("%w: array buffer of %d bytes: %v", ErrOutOfMemory, length, r)
		}
	}()
	return make([]byte, length), nil
}

// AllocateUninitialized is Allocate, as the Go heap always zeroes.
func (x *HeapArrayBufferAllocator) AllocateUninitialized(length int) ([]byte, error) {
	return x.Allocate(length)
}

func (x *HeapArrayBufferAllocator) Free(b []byte) {
	x.inUse.Add(-int64(len(b)))
}

// InUse returns the bytes currently outstanding.
func (x *HeapArrayBufferAllocator) InUse() int64 { return x.inUse.Load() }

func (x *HeapArrayBufferAllocator) reserve(length int) error {
	if length < 0 {
		return fmt.Errorf("gojaplatform: invalid array buffer length %d", length)
	}
	n := int64(length)
	if n > MaxArrayBufferLength {
		return fmt.Errorf("%w: array buffer of %d bytes exceeds maximum length %d", ErrOutOfMemory, length, MaxArrayBufferLength)
	}
	for {
		used := x.inUse.Load()
		if x.limit > 0 && used+n > x.limit {
			return fmt.Errorf("%w: array buffer of %d bytes exceeds limit (%d of %d in use)", ErrOutOfMemory, length, used, x.limit)
		}
		if x.inUse.CompareAndSwap(used, used+n) {
			return nil
		}
	}
}

// Close resets the accounting.
func (x *HeapArrayBufferAllocator) Close() error {
	x.inUse.Store(0)
	return nil
}

package gojaplatform

import (
	"fmt"
)

// PagePermissions are the access rights of a page range.
type PagePermissions int

const (
	PageNoAccess PagePermissions = iota
	PageRead
	PageReadWrite
	PageReadExecute
	PageReadWriteExecute
)

// String returns a human-readable representation of the permissions.
func (x PagePermissions) String() string {
	switch x {
	case PageNoAccess:
		return "NoAccess"
	case PageRead:
		return "Read"
	case PageReadWrite:
		return "ReadWrite"
	case PageReadExecute:
		return "ReadExecute"
	case PageReadWriteExecute:
		return "ReadWriteExecute"
	default:
		return "Unknown"
	}
}

// PageAllocator hands out page-aligned, page-granular memory for the engine.
// Failed allocations wrap ErrOutOfMemory.
type PageAllocator interface {
	// AllocatePageSize is the granularity of AllocatePages.
	AllocatePageSize() int
	// CommitPageSize is the granularity of SetPermissions.
	CommitPageSize() int
	// AllocatePages returns at least size bytes, rounded up to
	// AllocatePageSize, with the given permissions.
	AllocatePages(size int, permissions PagePermissions) ([]byte, error)
	// FreePages releases memory returned by AllocatePages. The slice must
	// be the one returned, not a sub-slice.
	FreePages(pages []byte) error
	// SetPermissions changes the access rights of previously allocated pages.
	SetPermissions(pages []byte, permissions PagePermissions) error
}

func roundUpPages(size, pageSize int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("gojaplatform: invalid page allocation size %d", size)
	}
	n := (size + pageSize - 1) / pageSize * pageSize
	if n < size {
		return 0, fmt.Errorf("%w: page allocation of %d bytes overflows", ErrOutOfMemory, size)
	}
	return n, nil
}

// heapPageAllocator serves pages from the Go heap. Permissions are recorded
// but not enforced.
type heapPageAllocator struct {
	pageSize int
}

// NewHeapPageAllocator returns a PageAllocator backed by the Go heap, for
// platforms without mmap, or tests.
func NewHeapPageAllocator(pageSize int) PageAllocator {
	if pageSize <= 0 {
		pageSize = 4096
	}
	return &heapPageAllocator{pageSize: pageSize}
}

func (x *heapPageAllocator) AllocatePageSize() int { return x.pageSize }

func (x *heapPageAllocator) CommitPageSize() int { return x.pageSize }

func (x *heapPageAllocator) AllocatePages(size int, _ PagePermissions) ([]byte, error) {
	n, err := roundUpPages(size, x.pageSize)
	if err != nil {
		return nil, err
	}
	return make([]byte, n), nil
}

func (x *heapPageAllocator) FreePages([]byte) error { return nil }

func (x *heapPageAllocator) SetPermissions([]byte, PagePermissions) error { return nil }

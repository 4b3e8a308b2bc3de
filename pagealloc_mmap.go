//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package gojaplatform

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// mmapPageAllocator maps anonymous private memory, tracking live mappings so
// that Close can release anything the engine failed to free.
type mmapPageAllocator struct {
	live     map[*byte][]byte
	mu       sync.Mutex
	pageSize int
}

func newDefaultPageAllocator() PageAllocator {
	return &mmapPageAllocator{
		live:     make(map[*byte][]byte),
		pageSize: unix.Getpagesize(),
	}
}

func mmapProt(permissions PagePermissions) (int, error) {
	switch permissions {
	case PageNoAccess:
		return unix.PROT_NONE, nil
	case PageRead:
		return unix.PROT_READ, nil
	case PageReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE, nil
	case PageReadExecute:
		return unix.PROT_READ | unix.PROT_EXEC, nil
	case PageReadWriteExecute:
		return unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC, nil
	default:
		return 0, fmt.Errorf("gojaplatform: invalid page permissions %d", permissions)
	}
}

func (x *mmapPageAllocator) AllocatePageSize() int { return x.pageSize }

func (x *mmapPageAllocator) CommitPageSize() int { return x.pageSize }

func (x *mmapPageAllocator) AllocatePages(size int, permissions PagePermissions) ([]byte, error) {
	n, err := roundUpPages(size, x.pageSize)
	if err != nil {
		return nil, err
	}
	prot, err := mmapProt(permissions)
	if err != nil {
		return nil, err
	}
	b, err := unix.Mmap(-1, 0, n, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return nil, fmt.Errorf("%w: mmap of %d bytes: %v", ErrOutOfMemory, n, err)
		}
		return nil, fmt.Errorf("gojaplatform: mmap of %d bytes: %w", n, err)
	}
	x.mu.Lock()
	x.live[&b[0]] = b
	x.mu.Unlock()
	return b, nil
}

func (x *mmapPageAllocator) FreePages(pages []byte) error {
	if len(pages) == 0 {
		return nil
	}
	x.mu.Lock()
	_, ok := x.live[&pages[0]]
	delete(x.live, &pages[0])
	x.mu.Unlock()
	if !ok {
		return errors.New("gojaplatform: free of pages not allocated by this allocator")
	}
	return unix.Munmap(pages)
}

func (x *mmapPageAllocator) SetPermissions(pages []byte, permissions PagePermissions) error {
	prot, err := mmapProt(permissions)
	if err != nil {
		return err
	}
	return unix.Mprotect(pages, prot)
}

// Close unmaps every mapping still live.
func (x *mmapPageAllocator) Close() error {
	x.mu.Lock()
	live := x.live
	x.live = make(map[*byte][]byte)
	x.mu.Unlock()
	var errs []error
	for _, b := range live {
		if err := unix.Munmap(b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

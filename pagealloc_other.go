//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package gojaplatform

import (
	"os"
)

func newDefaultPageAllocator() PageAllocator {
	return NewHeapPageAllocator(os.Getpagesize())
}

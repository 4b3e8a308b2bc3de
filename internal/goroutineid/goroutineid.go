// Package goroutineid identifies the calling goroutine.
//
// The runtime deliberately hides goroutine identity, but a cooperative loop
// needs to know whether it is being called from its own goroutine, and a
// re-entrant lock needs an owner token. Both only compare IDs for equality.
package goroutineid

import (
	"runtime"
)

// Current returns the ID of the calling goroutine, parsed from the header of
// its stack trace ("goroutine N [...]"). It never returns 0 for a live
// goroutine, so 0 may be used as a "no owner" marker.
func Current() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

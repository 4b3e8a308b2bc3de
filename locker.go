package gojaplatform

import (
	"sync"

	"github.com/dop251/goja"
	"github.com/joeycumines/goja-platform/internal/goroutineid"
)

// Locker holds the isolate lock for the goroutine that created it.
//
// The lock is re-entrant: a goroutine already holding it may create further
// Lockers without blocking, and the isolate is released once every Locker
// has been unlocked. Typical use:
//
//	l := gojaplatform.NewLocker(p)
//	defer l.Unlock()
type Locker struct {
	mu   *recursiveMutex
	once sync.Once
	gid  uint64
}

// NewLocker blocks until the calling goroutine holds the isolate lock.
func NewLocker(p *Platform) *Locker {
	gid := goroutineid.Current()
	p.isolateLock.lockAs(gid)
	return &Locker{mu: p.isolateLock, gid: gid}
}

// Unlock releases this Locker's hold. It must be called on the goroutine
// that created the Locker. Subsequent calls are no-ops.
func (x *Locker) Unlock() {
	x.once.Do(func() { x.mu.unlockAs(x.gid) })
}

// Unlocker temporarily releases every hold the calling goroutine has on the
// isolate lock, allowing other goroutines to use the isolate while the
// caller blocks on something else.
//
//	u := gojaplatform.NewUnlocker(p)
//	defer u.Relock()
type Unlocker struct {
	mu    *recursiveMutex
	once  sync.Once
	gid   uint64
	depth int
}

// NewUnlocker releases the calling goroutine's hold on the isolate. It is
// a no-op if the caller holds nothing.
func NewUnlocker(p *Platform) *Unlocker {
	return newUnlockerAs(p, goroutineid.Current())
}

func newUnlockerAs(p *Platform, gid uint64) *Unlocker {
	return &Unlocker{
		mu:    p.isolateLock,
		gid:   gid,
		depth: p.isolateLock.releaseAs(gid),
	}
}

// Relock restores the hold released by NewUnlocker, blocking until it is
// available. Subsequent calls are no-ops.
func (x *Unlocker) Relock() {
	x.once.Do(func() { x.mu.restoreAs(x.gid, x.depth) })
}

// HoldsIsolate reports whether the calling goroutine holds the isolate lock.
func (p *Platform) HoldsIsolate() bool {
	return p.isolateLock.heldBy(goroutineid.Current())
}

// WithIsolate calls fn with the isolate, holding the isolate lock for the
// duration of the call, releasing it however fn returns.
func (p *Platform) WithIsolate(fn func(rt *goja.Runtime) error) error {
	l := NewLocker(p)
	defer l.Unlock()
	rt := p.Isolate()
	if rt == nil {
		return ErrPlatformDisposed
	}
	return fn(rt)
}

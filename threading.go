package gojaplatform

import (
	"sync"

	"github.com/joeycumines/goja-platform/internal/goroutineid"
)

// SharedMutex is a reader/writer lock.
type SharedMutex interface {
	sync.Locker
	RLock()
	RUnlock()
}

// ThreadingBackend supplies the synchronization primitives the engine uses
// internally.
type ThreadingBackend interface {
	NewMutex() sync.Locker
	// NewRecursiveMutex returns a mutex that the holding goroutine may
	// lock again without deadlocking.
	NewRecursiveMutex() sync.Locker
	NewSharedMutex() SharedMutex
	NewConditionVariable(l sync.Locker) *sync.Cond
}

type defaultThreadingBackend struct{}

func (defaultThreadingBackend) NewMutex() sync.Locker { return new(sync.Mutex) }

func (defaultThreadingBackend) NewRecursiveMutex() sync.Locker { return newRecursiveMutex() }

func (defaultThreadingBackend) NewSharedMutex() SharedMutex { return new(sync.RWMutex) }

func (defaultThreadingBackend) NewConditionVariable(l sync.Locker) *sync.Cond { return sync.NewCond(l) }

// recursiveMutex is a mutex owned by a goroutine, which may re-acquire it.
// It backs the isolate lock, see Locker.
type recursiveMutex struct {
	cond  sync.Cond
	mu    sync.Mutex
	owner uint64
	depth int
}

func newRecursiveMutex() *recursiveMutex {
	m := new(recursiveMutex)
	m.cond.L = &m.mu
	return m
}

func (m *recursiveMutex) Lock() { m.lockAs(goroutineid.Current()) }

func (m *recursiveMutex) Unlock() { m.unlockAs(goroutineid.Current()) }

func (m *recursiveMutex) lockAs(gid uint64) {
	m.mu.Lock()
	for m.owner != 0 && m.owner != gid {
		m.cond.Wait()
	}
	m.owner = gid
	m.depth++
	m.mu.Unlock()
}

func (m *recursiveMutex) unlockAs(gid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != gid || m.depth == 0 {
		panic("gojaplatform: unlock of recursive mutex not held by the caller")
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		m.cond.Signal()
	}
}

// releaseAs drops every level held by gid, returning the depth released.
func (m *recursiveMutex) releaseAs(gid uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != gid {
		return 0
	}
	depth := m.depth
	m.owner = 0
	m.depth = 0
	m.cond.Signal()
	return depth
}

// restoreAs re-acquires depth levels, undoing releaseAs.
func (m *recursiveMutex) restoreAs(gid uint64, depth int) {
	if depth <= 0 {
		return
	}
	m.mu.Lock()
	for m.owner != 0 && m.owner != gid {
		m.cond.Wait()
	}
	m.owner = gid
	m.depth += depth
	m.mu.Unlock()
}

func (m *recursiveMutex) heldBy(gid uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner == gid && m.depth != 0
}

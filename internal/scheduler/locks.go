package scheduler

import (
	"sort"
	"sync"
)

// TargetLockManager serializes concurrent tasks that declare overlapping
// target files. Each path gets its own mutex, so tasks touching disjoint
// files run fully in parallel while same-file writers queue.
type TargetLockManager struct {
	mu    sync.Mutex // guards the locks map itself
	locks map[string]*sync.Mutex
}

// NewTargetLockManager creates an empty lock manager.
func NewTargetLockManager() *TargetLockManager {
	return &TargetLockManager{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for one path, creating it on first use.
func (m *TargetLockManager) Lock(path string) {
	m.mu.Lock()
	l, ok := m.locks[path]
	if !ok {
		l = &sync.Mutex{}
		m.locks[path] = l
	}
	m.mu.Unlock()

	// Acquire outside the manager lock to avoid serializing all tasks.
	l.Lock()
}

// Unlock releases the mutex for one path.
func (m *TargetLockManager) Unlock(path string) {
	m.mu.Lock()
	l, ok := m.locks[path]
	m.mu.Unlock()

	if ok {
		l.Unlock()
	}
}

// LockAll acquires every path in sorted order. Sorting before acquiring
// is what prevents deadlock between tasks with overlapping file sets.
func (m *TargetLockManager) LockAll(paths []string) {
	if len(paths) == 0 {
		return
	}
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)
	for _, p := range sorted {
		m.Lock(p)
	}
}

// UnlockAll releases every path in reverse sorted order, mirroring
// LockAll.
func (m *TargetLockManager) UnlockAll(paths []string) {
	if len(paths) == 0 {
		return
	}
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)
	for i := len(sorted) - 1; i >= 0; i-- {
		m.Unlock(sorted[i])
	}
}

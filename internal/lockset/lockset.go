// Package lockset provides a registry of reader/writer locks keyed by
// int64 IDs, created lazily on first use.
//
// The table itself places no ordering rules on its callers. The tree
// engine uses a single entry of it, under a reserved negative key, as one
// global lock for the whole tree; it does not take per-node locks.
package lockset

import (
	"sync"

	"github.com/go-boxmalloc/boxmalloc/internal/xsync"
)

// Table is a lazily-populated registry of per-node locks, keyed by block
// ID. It is safe for concurrent use.
type Table struct {
	locks xsync.Map[int64, *sync.RWMutex]
}

// lockFor returns the lock for id, creating it on first use.
func (t *Table) lockFor(id int64) *sync.RWMutex {
	lock, _ := t.locks.LoadOrStore(id, func() *sync.RWMutex { return new(sync.RWMutex) })
	return lock
}

// RLock acquires the read lock for the given node.
func (t *Table) RLock(id int64) { t.lockFor(id).RLock() }

// RUnlock releases the read lock for the given node.
func (t *Table) RUnlock(id int64) { t.lockFor(id).RUnlock() }

// Lock acquires the write lock for the given node.
func (t *Table) Lock(id int64) { t.lockFor(id).Lock() }

// Unlock releases the write lock for the given node.
func (t *Table) Unlock(id int64) { t.lockFor(id).Unlock() }

// Forget evicts a node's lock entry. Call this once a node has been freed
// back to the block sub-allocator and its ID may be recycled; the next
// user of that ID starts with a fresh, unheld lock.
func (t *Table) Forget(id int64) { t.locks.Delete(id) }

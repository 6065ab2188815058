// Package lockmgr provides the two independent locks the store needs: a
// writer-preferring reader/writer lock guarding the index and data file, and
// a separate mutex guarding the WAL file handle.
//
// Go's standard sync.RWMutex is already writer-preferring: once a writer is
// blocked waiting for the lock, the runtime blocks any new reader that
// arrives after it until that writer has been through, so a steady stream of
// readers cannot starve a waiting writer. This package does not reimplement
// a fairness algorithm on top of that guarantee — it wraps sync.RWMutex and
// gives the two locks names, so call sites read like domain vocabulary
// instead of bare mu.Lock()/mu.RLock() calls scattered through the store.
package lockmgr

import "sync"

// Locks bundles the data lock and the WAL lock: two independent locks, never
// nested in a way that could deadlock against a symmetric acquisition order
// elsewhere in the store.
type Locks struct {
	// Data guards the index and the data file. Readers (read, read_range)
	// take RLock; writers (put, batch_put, delete, compaction's swap phase)
	// take Lock.
	Data sync.RWMutex

	// WAL guards the WAL file handle itself — append and truncate. It is
	// independent of Data: a put holds WAL.Lock only around the WAL append,
	// which happens before the in-memory index mutation under Data.Lock, and
	// the two locks are never held reentrantly on top of each other beyond
	// what each operation's critical section requires.
	WAL sync.Mutex
}

// New returns a fresh, unlocked pair of locks.
func New() *Locks {
	return &Locks{}
}

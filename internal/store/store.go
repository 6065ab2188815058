// Package store implements the orchestrator that wires together the data
// file, WAL, index, and lock manager into the put/batch_put/read/read_range/
// delete operations, runs the checkpoint and compaction background workers,
// and drives recovery at startup.
//
// The store never holds values resident in memory — only offsets into the
// data file — so its memory footprint stays proportional to key count
// rather than to the size of the values behind those keys. Its lifecycle is
// strict: open every component, recover, start background workers, and on
// Close tear them down in the reverse order.
package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ppriyankuu/kvstore/internal/compaction"
	"github.com/ppriyankuu/kvstore/internal/config"
	"github.com/ppriyankuu/kvstore/internal/datafile"
	"github.com/ppriyankuu/kvstore/internal/index"
	"github.com/ppriyankuu/kvstore/internal/kverrors"
	"github.com/ppriyankuu/kvstore/internal/lockmgr"
	"github.com/ppriyankuu/kvstore/internal/replication"
	"github.com/ppriyankuu/kvstore/internal/wal"
)

const (
	dataFileName  = "data.db"
	walFileName   = "wal.log"
	indexFileName = "index.db"
)

// Replicator is the subset of *replication.Replicator the store depends on,
// declared narrowly here so tests can substitute a fake without importing
// the replication package's network internals.
type Replicator interface {
	Enqueue(op replication.Op)
	ReplicateSync(op replication.Op) error
	Statuses() []replication.Status
	DroppedCount() uint64
}

// Store is the sole owner of the WAL, data file, and index. Background
// workers (checkpoint, compaction) hold a reference to the store but never
// independently own any of its components. All exported methods are safe
// for concurrent use by any number of caller goroutines.
type Store struct {
	opts *config.Options
	log  *zap.SugaredLogger

	locks *lockmgr.Locks
	data  *datafile.DataFile
	w     *wal.WAL
	idx   *index.Index

	replicator Replicator
	compactor  *compaction.Compactor

	running atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}

	startedAt time.Time
}

// Open constructs every leaf component, recovers from the on-disk state, and
// returns a Store ready to serve once Start is called. It does not start
// background workers itself — those must only begin after recovery
// completes, so the caller calls Start once Open has returned successfully.
func Open(opts *config.Options, log *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, kverrors.Wrap(err, kverrors.CodeIOError, "create data dir").WithDetail("dir", opts.DataDir)
	}

	df, err := datafile.Open(filepath.Join(opts.DataDir, dataFileName))
	if err != nil {
		return nil, err
	}

	w, err := wal.Open(filepath.Join(opts.DataDir, walFileName))
	if err != nil {
		df.Close()
		return nil, err
	}

	idx := index.New(filepath.Join(opts.DataDir, indexFileName), log)

	s := &Store{
		opts:      opts,
		log:       log,
		locks:     lockmgr.New(),
		data:      df,
		w:         w,
		idx:       idx,
		stopCh:    make(chan struct{}),
		startedAt: time.Now(),
	}

	if err := s.recover(); err != nil {
		w.Close()
		df.Close()
		return nil, err
	}

	return s, nil
}

// SetReplicator attaches the replication pipeline. Only meaningful on a
// master: a replica's store never calls into a replicator.
func (s *Store) SetReplicator(r Replicator) { s.replicator = r }

// SetCompactor attaches the background compactor. Only started on a master.
func (s *Store) SetCompactor(c *compaction.Compactor) { s.compactor = c }

// recover loads the index snapshot, replays the WAL on top of it, persists
// the combined result, then truncates the WAL. If replay application fails
// partway, the WAL is left untouched and the process must not proceed to
// serving: the caller (Open) propagates the error and the process exits
// without starting any background workers, so a partially-applied replay
// never gets compounded by a truncated WAL it was never actually checkpointed
// against.
func (s *Store) recover() error {
	if err := s.idx.Load(); err != nil {
		return err
	}

	entries, err := s.w.Replay()
	if err != nil {
		return err
	}

	for _, e := range entries {
		switch e.Op {
		case wal.OpPut:
			off, length, err := s.data.Append(e.Key, e.Value)
			if err != nil {
				return err
			}
			s.idx.Put(string(e.Key), index.Pointer{Offset: off, Length: length})
		case wal.OpDelete:
			s.idx.Delete(string(e.Key))
		}
	}

	if err := s.idx.Save(); err != nil {
		return err
	}
	if err := s.w.Truncate(); err != nil {
		return err
	}

	if s.log != nil {
		s.log.Infow("recovery complete", "replayed_entries", len(entries), "keys", s.idx.Len())
	}
	return nil
}

// Start launches the checkpoint worker (and the compactor, if attached) and
// marks the store as running. Call once, after Open.
func (s *Store) Start() {
	s.running.Store(true)
	s.wg.Add(1)
	go s.checkpointLoop()

	if s.compactor != nil {
		s.compactor.Start(s.stopCh, &s.wg)
	}
}

// checkpointLoop wakes every CheckpointInterval, snapshots the index under
// the data read lock, and goes back to sleep. It never touches the WAL.
func (s *Store) checkpointLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.running.Load() {
				continue
			}
			s.locks.Data.RLock()
			err := s.idx.Save()
			s.locks.Data.RUnlock()
			if err != nil && s.log != nil {
				s.log.Errorw("checkpoint failed", "error", err)
			}
		}
	}
}

// Put appends to the WAL (under its own mutex), then applies the mutation to
// the data file and index (under the write lock), then routes it to
// replication.
func (s *Store) Put(key, value []byte) error {
	s.locks.WAL.Lock()
	err := s.w.Append(wal.OpPut, key, value)
	s.locks.WAL.Unlock()
	if err != nil {
		return err
	}

	s.locks.Data.Lock()
	off, length, err := s.data.Append(key, value)
	if err != nil {
		s.locks.Data.Unlock()
		return err
	}
	s.idx.Put(string(key), index.Pointer{Offset: off, Length: length})
	s.locks.Data.Unlock()

	return s.replicate(replication.Op{Kind: replication.OpPut, Key: key, Value: value})
}

// BatchPut applies N key/value pairs under one WAL-mutex acquisition and one
// write-lock acquisition for the whole batch. Partial success is never
// exposed — either every key is applied, or the first failure aborts the
// call and its error is surfaced.
func (s *Store) BatchPut(keys, values [][]byte) error {
	if len(keys) != len(values) {
		return kverrors.New(kverrors.CodeProtocol, "batch_put: keys/values length mismatch")
	}

	entries := make([]wal.Entry, len(keys))
	for i := range keys {
		entries[i] = wal.Entry{Op: wal.OpPut, Key: keys[i], Value: values[i]}
	}

	s.locks.WAL.Lock()
	err := s.w.AppendBatch(entries)
	s.locks.WAL.Unlock()
	if err != nil {
		return err
	}

	s.locks.Data.Lock()
	for i := range keys {
		off, length, err := s.data.Append(keys[i], values[i])
		if err != nil {
			s.locks.Data.Unlock()
			return err
		}
		s.idx.Put(string(keys[i]), index.Pointer{Offset: off, Length: length})
	}
	s.locks.Data.Unlock()

	return s.replicate(replication.Op{Kind: replication.OpBatchPut, Keys: keys, Values: values})
}

// Read looks up key's pointer in the index under the read lock, then reads
// the record from the data file, verifying the stored key matches what was
// indexed.
func (s *Store) Read(key []byte) ([]byte, error) {
	s.locks.Data.RLock()
	defer s.locks.Data.RUnlock()

	p, ok := s.idx.Get(string(key))
	if !ok {
		return nil, kverrors.ErrNotFound
	}

	storedKey, value, err := s.data.Read(p.Offset)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(storedKey, key) {
		return nil, kverrors.New(kverrors.CodeCorruption, "index points at mismatched record").
			WithDetail("key", string(key))
	}
	return value, nil
}

// ReadRange scans the index for the closed interval [start, end] under one
// read-lock acquisition, then reads the data file once per hit.
func (s *Store) ReadRange(start, end []byte) (map[string][]byte, error) {
	s.locks.Data.RLock()
	defer s.locks.Data.RUnlock()

	hits := s.idx.GetRange(start, end)
	out := make(map[string][]byte, len(hits))
	for k, p := range hits {
		storedKey, value, err := s.data.Read(p.Offset)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(storedKey, []byte(k)) {
			return nil, kverrors.New(kverrors.CodeCorruption, "index points at mismatched record").
				WithDetail("key", k)
		}
		out[k] = value
	}
	return out, nil
}

// Delete runs a three-phase delete: check presence under the read lock,
// append the WAL entry, then re-check presence under the write lock before
// actually removing the index entry. The re-check is not a defensive
// afterthought — without it, two concurrent deletes of the same key could
// both observe "present", both append a WAL entry, and the second deleter
// would report success for a key that was already gone.
func (s *Store) Delete(key []byte) (bool, error) {
	s.locks.Data.RLock()
	_, present := s.idx.Get(string(key))
	s.locks.Data.RUnlock()
	if !present {
		return false, nil
	}

	s.locks.WAL.Lock()
	err := s.w.Append(wal.OpDelete, key, nil)
	s.locks.WAL.Unlock()
	if err != nil {
		return false, err
	}

	s.locks.Data.Lock()
	_, stillPresent := s.idx.Get(string(key))
	if !stillPresent {
		s.locks.Data.Unlock()
		return false, nil
	}
	s.idx.Delete(string(key))
	s.locks.Data.Unlock()

	if err := s.replicate(replication.Op{Kind: replication.OpDelete, Key: key}); err != nil {
		return true, err
	}
	return true, nil
}

// replicate routes a committed mutation to the replicator, if any, in the
// mode configured. A replica's store never has a replicator attached, so
// this is a no-op there.
func (s *Store) replicate(op replication.Op) error {
	if s.replicator == nil {
		return nil
	}
	if s.opts.Replication.Mode == config.ReplicationSync {
		return s.replicator.ReplicateSync(op)
	}
	s.replicator.Enqueue(op)
	return nil
}

// ApplyReplicated applies an operation received over the replication
// protocol's REPLICATE commands. It runs the same mutation paths as a
// master, but must not recurse into replication or compaction — callers
// only wire this into a replica's store.
func (s *Store) ApplyReplicated(op replication.Op) error {
	switch op.Kind {
	case replication.OpPut:
		return s.applyLocalPut(op.Key, op.Value)
	case replication.OpBatchPut:
		return s.applyLocalBatchPut(op.Keys, op.Values)
	case replication.OpDelete:
		_, err := s.applyLocalDelete(op.Key)
		return err
	default:
		return kverrors.New(kverrors.CodeProtocol, "unknown replicated op").WithDetail("kind", fmt.Sprint(op.Kind))
	}
}

func (s *Store) applyLocalPut(key, value []byte) error {
	s.locks.WAL.Lock()
	err := s.w.Append(wal.OpPut, key, value)
	s.locks.WAL.Unlock()
	if err != nil {
		return err
	}

	s.locks.Data.Lock()
	defer s.locks.Data.Unlock()
	off, length, err := s.data.Append(key, value)
	if err != nil {
		return err
	}
	s.idx.Put(string(key), index.Pointer{Offset: off, Length: length})
	return nil
}

func (s *Store) applyLocalBatchPut(keys, values [][]byte) error {
	entries := make([]wal.Entry, len(keys))
	for i := range keys {
		entries[i] = wal.Entry{Op: wal.OpPut, Key: keys[i], Value: values[i]}
	}

	s.locks.WAL.Lock()
	err := s.w.AppendBatch(entries)
	s.locks.WAL.Unlock()
	if err != nil {
		return err
	}

	s.locks.Data.Lock()
	defer s.locks.Data.Unlock()
	for i := range keys {
		off, length, err := s.data.Append(keys[i], values[i])
		if err != nil {
			return err
		}
		s.idx.Put(string(keys[i]), index.Pointer{Offset: off, Length: length})
	}
	return nil
}

func (s *Store) applyLocalDelete(key []byte) (bool, error) {
	s.locks.Data.RLock()
	_, present := s.idx.Get(string(key))
	s.locks.Data.RUnlock()
	if !present {
		return false, nil
	}

	s.locks.WAL.Lock()
	err := s.w.Append(wal.OpDelete, key, nil)
	s.locks.WAL.Unlock()
	if err != nil {
		return false, err
	}

	s.locks.Data.Lock()
	defer s.locks.Data.Unlock()
	if _, ok := s.idx.Get(string(key)); !ok {
		return false, nil
	}
	s.idx.Delete(string(key))
	return true, nil
}

// Locks exposes the lock manager to the compactor, which must coordinate its
// four phases against the same data lock the store uses.
func (s *Store) Locks() *lockmgr.Locks { return s.locks }

// DataFile exposes the data file to the compactor's Copy/Snapshot phases.
func (s *Store) DataFile() *datafile.DataFile { return s.data }

// SwapDataFile installs a freshly compacted data file and its rebuilt index
// in place of the current ones, called by the compactor's Swap phase while
// the caller already holds the write lock.
func (s *Store) SwapDataFile(newData *datafile.DataFile, newEntries map[string]index.Pointer) error {
	old := s.data
	s.data = newData
	s.idx.Replace(newEntries)
	return old.Close()
}

// Index exposes the index to the compactor for its Snapshot phase.
func (s *Store) Index() *index.Index { return s.idx }

// DataDir returns the configured data directory.
func (s *Store) DataDir() string { return s.opts.DataDir }

// KeyCount returns the number of keys currently indexed, for the STATS
// admin command.
func (s *Store) KeyCount() int {
	s.locks.Data.RLock()
	defer s.locks.Data.RUnlock()
	return s.idx.Len()
}

// DataSize returns the current size of the data file, for STATS.
func (s *Store) DataSize() (int64, error) {
	return s.data.Size()
}

// Uptime returns how long this store has been open.
func (s *Store) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// ReplicationStatuses returns each configured replica's health, or nil on a
// replica or a master with replication disabled.
func (s *Store) ReplicationStatuses() []replication.Status {
	if s.replicator == nil {
		return nil
	}
	return s.replicator.Statuses()
}

// ReplicationDropped returns the number of async replication ops dropped
// because the queue was full, or 0 when no replicator is attached. It is
// not the current queue depth, which the narrow Replicator interface does
// not expose.
func (s *Store) ReplicationDropped() uint64 {
	if s.replicator == nil {
		return 0
	}
	return s.replicator.DroppedCount()
}

// Role returns the configured role, for STATS.
func (s *Store) Role() config.Role { return s.opts.Role }

// Close stops background workers, flushes the index snapshot, and closes the
// WAL and data file.
func (s *Store) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		// Never started, or already closed; still attempt a clean flush/close.
	}
	close(s.stopCh)
	s.wg.Wait()

	s.locks.Data.Lock()
	saveErr := s.idx.Save()
	s.locks.Data.Unlock()

	walErr := s.w.Close()
	dataErr := s.data.Close()

	if saveErr != nil {
		return saveErr
	}
	if walErr != nil {
		return walErr
	}
	return dataErr
}

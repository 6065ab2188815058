// Package compaction implements the background dead-space reclaimer: a
// four-phase Snapshot/Copy/Swap/Cleanup pass that rewrites the data file to
// drop records no longer referenced by the index, then atomically swaps it
// in under the write lock.
//
// Master-only: a replica disables this entirely, since compacting would race
// with incoming replication writes and a replica has no canonical truth to
// compact against beyond its own index, which is itself just a mirror of the
// master's. The periodic wake-and-check loop runs on every tick but only
// pays for a full four-phase pass once its size and dead-ratio thresholds
// are actually exceeded.
package compaction

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppriyankuu/kvstore/internal/config"
	"github.com/ppriyankuu/kvstore/internal/datafile"
	"github.com/ppriyankuu/kvstore/internal/index"
	"github.com/ppriyankuu/kvstore/internal/kverrors"
	"github.com/ppriyankuu/kvstore/internal/lockmgr"
)

// Target is the subset of *store.Store the compactor needs. Declared here,
// rather than importing the store package directly, to avoid an import
// cycle (store constructs and owns the Compactor).
type Target interface {
	Locks() *lockmgr.Locks
	DataFile() *datafile.DataFile
	Index() *index.Index
	SwapDataFile(newData *datafile.DataFile, newEntries map[string]index.Pointer) error
	DataDir() string
}

// Compactor runs the periodic compaction pass against a Target.
type Compactor struct {
	opts   *config.CompactionOptions
	target Target
	log    *zap.SugaredLogger
}

// New constructs a Compactor. Callers only construct one when
// opts.Enabled && role == master; the store never starts it on a replica.
func New(opts *config.CompactionOptions, target Target, log *zap.SugaredLogger) *Compactor {
	return &Compactor{opts: opts, target: target, log: log}
}

// Start launches the periodic wake loop as a background goroutine tracked by
// wg, exiting when stopCh is closed.
func (c *Compactor) Start(stopCh <-chan struct{}, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if err := c.RunOnce(); err != nil && c.log != nil {
					c.log.Errorw("compaction pass failed", "error", err)
				}
			}
		}
	}()
}

// RunOnce checks the size and dead-ratio thresholds and, only if both are
// met, runs one full compaction pass. Exported so callers (and tests)
// can trigger an out-of-band pass without waiting for the ticker.
func (c *Compactor) RunOnce() error {
	locks := c.target.Locks()

	// Snapshot phase: size_at_snapshot and the index snapshot must be one
	// atomic observation under the data read lock, or a put landing between
	// the two reads could be double-copied into the compacted file by the
	// Swap phase.
	locks.Data.RLock()
	size, err := c.target.DataFile().Size()
	if err != nil {
		locks.Data.RUnlock()
		return err
	}
	if size < c.opts.MinFileSize {
		locks.Data.RUnlock()
		return nil
	}
	snapshot := c.target.Index().Snapshot()
	locks.Data.RUnlock()

	var liveBytes int64
	for _, p := range snapshot {
		liveBytes += p.Length
	}
	deadRatio := 1 - float64(liveBytes)/float64(size)
	if deadRatio < c.opts.Threshold {
		return nil
	}

	if c.log != nil {
		c.log.Infow("starting compaction", "size", size, "dead_ratio", deadRatio, "keys", len(snapshot))
	}
	return c.run(snapshot, size)
}

// run performs the Copy/Swap/Cleanup phases. snapshot and sizeAtSnapshot
// are already captured by RunOnce's Snapshot phase.
func (c *Compactor) run(snapshot map[string]index.Pointer, sizeAtSnapshot int64) error {
	dataDir := c.target.DataDir()
	tmpPath := filepath.Join(dataDir, "data.db.compact.tmp")
	backupPath := filepath.Join(dataDir, "data.db.old")
	livePath := filepath.Join(dataDir, "data.db")

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return kverrors.Wrap(err, kverrors.CodeIOError, "create compaction temp file")
	}
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	locks := c.target.Locks()
	df := c.target.DataFile()

	// Copy phase: for every snapshot entry, read under a brief read lock,
	// append to the temp file, record its new offset. The read lock is
	// reacquired per entry so readers aren't blocked for the whole pass.
	newEntries := make(map[string]index.Pointer, len(snapshot))
	for key, p := range snapshot {
		locks.Data.RLock()
		storedKey, value, rerr := df.Read(p.Offset)
		locks.Data.RUnlock()
		if rerr != nil {
			return rerr
		}
		if string(storedKey) != key {
			return kverrors.New(kverrors.CodeCorruption, "compaction read mismatched key").WithDetail("key", key)
		}

		off, length, werr := datafile.AppendRecordTo(tmp, storedKey, value)
		if werr != nil {
			return kverrors.Wrap(werr, kverrors.CodeIOError, "compaction copy phase")
		}
		newEntries[key] = index.Pointer{Offset: off, Length: length}
	}

	// Swap phase: under the write lock, also copy any record written after
	// the snapshot was taken (offset >= sizeAtSnapshot), then atomically
	// replace the live data file and rebuild the index.
	locks.Data.Lock()
	current := c.target.Index().Snapshot()
	for key, p := range current {
		if p.Offset < sizeAtSnapshot {
			if _, already := newEntries[key]; already {
				continue
			}
			// A key present before the snapshot but missing from newEntries
			// was deleted during the copy phase; skip it.
			continue
		}
		storedKey, value, rerr := df.Read(p.Offset)
		if rerr != nil {
			locks.Data.Unlock()
			return rerr
		}
		if string(storedKey) != key {
			locks.Data.Unlock()
			return kverrors.New(kverrors.CodeCorruption, "compaction swap-phase read mismatched key").WithDetail("key", key)
		}
		off, length, werr := datafile.AppendRecordTo(tmp, storedKey, value)
		if werr != nil {
			locks.Data.Unlock()
			return kverrors.Wrap(werr, kverrors.CodeIOError, "compaction swap phase")
		}
		newEntries[key] = index.Pointer{Offset: off, Length: length}
	}

	// Drop entries that were deleted between snapshot and swap: only keep
	// keys still present in the live index.
	for key := range newEntries {
		if _, stillLive := current[key]; !stillLive {
			delete(newEntries, key)
		}
	}

	if err := tmp.Sync(); err != nil {
		locks.Data.Unlock()
		return kverrors.Wrap(err, kverrors.CodeIOError, "fsync compacted data file")
	}
	if err := tmp.Close(); err != nil {
		locks.Data.Unlock()
		return kverrors.Wrap(err, kverrors.CodeIOError, "close compacted data file")
	}
	cleanupTmp = false

	os.Remove(backupPath) // keep exactly one prior generation around for recovery
	if err := os.Rename(livePath, backupPath); err != nil {
		locks.Data.Unlock()
		return kverrors.Wrap(err, kverrors.CodeIOError, "rename live data file to backup")
	}
	if err := os.Rename(tmpPath, livePath); err != nil {
		// best effort: restore the original file so the store is not left
		// without a live data file.
		os.Rename(backupPath, livePath)
		locks.Data.Unlock()
		return kverrors.Wrap(err, kverrors.CodeIOError, "rename compacted file into place")
	}

	newDF, err := datafile.Open(livePath)
	if err != nil {
		locks.Data.Unlock()
		return kverrors.Wrap(err, kverrors.CodeIOError, "reopen compacted data file")
	}

	err = c.target.SwapDataFile(newDF, newEntries)
	locks.Data.Unlock()
	if err != nil {
		return err
	}

	if c.log != nil {
		c.log.Infow("compaction complete", "keys", len(newEntries))
	}
	return nil
}

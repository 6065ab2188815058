// Package index implements the in-memory key → (offset, length) directory,
// plus its on-disk snapshot.
//
// The index keeps every key in memory with just enough metadata to jump
// straight to its record in the data file — no scanning, no secondary
// lookup. It points into a single data file rather than a numbered segment,
// since compaction here performs a whole-file swap rather than segment
// rotation.
//
// The index is NOT internally synchronized: the store's reader-writer lock
// governs all access to it. Every method here is a plain, unlocked map
// operation so the store can batch several index updates under one lock
// acquisition (e.g. batch_put).
package index

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	natomic "github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/ppriyankuu/kvstore/internal/kverrors"
)

// Pointer locates one record in the data file.
type Pointer struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// Index is the in-memory key directory. Callers must hold the store's data
// lock (read or write, as appropriate) before calling any method here.
type Index struct {
	entries map[string]Pointer
	path    string // snapshot file path, e.g. <dataDir>/index.db
	log     *zap.SugaredLogger
}

// New creates an empty index that snapshots to snapshotPath.
func New(snapshotPath string, log *zap.SugaredLogger) *Index {
	return &Index{
		entries: make(map[string]Pointer),
		path:    snapshotPath,
		log:     log,
	}
}

// Put records (or overwrites) the pointer for key.
func (idx *Index) Put(key string, p Pointer) {
	idx.entries[key] = p
}

// Delete removes key from the index. A no-op if key is absent.
func (idx *Index) Delete(key string) {
	delete(idx.entries, key)
}

// Get returns the pointer for key, if present.
func (idx *Index) Get(key string) (Pointer, bool) {
	p, ok := idx.entries[key]
	return p, ok
}

// GetRange returns every entry whose key lies in the closed byte-order
// interval [start, end]. The index is a hash map, not a sorted structure, so
// this is a full scan — acceptable because range reads are not the hot path
// this store is optimized for.
func (idx *Index) GetRange(start, end []byte) map[string]Pointer {
	out := make(map[string]Pointer)
	for k, p := range idx.entries {
		kb := []byte(k)
		if bytes.Compare(kb, start) >= 0 && bytes.Compare(kb, end) <= 0 {
			out[k] = p
		}
	}
	return out
}

// Len returns the number of keys currently indexed.
func (idx *Index) Len() int { return len(idx.entries) }

// Snapshot returns a defensive copy of the full key→pointer map, for the
// compactor to work from without holding the index locked for the whole pass.
func (idx *Index) Snapshot() map[string]Pointer {
	out := make(map[string]Pointer, len(idx.entries))
	for k, p := range idx.entries {
		out[k] = p
	}
	return out
}

// Replace swaps the entire index contents atomically with a new map — used
// by the compactor's Swap phase once every live record has a new offset in
// the post-compaction data file.
func (idx *Index) Replace(entries map[string]Pointer) {
	idx.entries = entries
}

// onDiskEntry is the snapshot wire format for one index entry. Key is
// base64-encoded rather than carried as a plain JSON string: encoding/json
// silently replaces any invalid-UTF-8 byte in a Go string with U+FFFD when
// marshaling, which would corrupt the exact byte sequence of an arbitrary
// binary key the moment it survives one checkpoint. Base64 keeps the
// snapshot byte-exact.
type onDiskEntry struct {
	KeyB64 string `json:"key_b64"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// Save persists a complete snapshot of the index to a sidecar file,
// atomically: write to a temp path, then rename into place. A crash between
// the write and the rename leaves the previous snapshot intact. The
// temp-file write and rename are done via natefinch/atomic.
func (idx *Index) Save() error {
	entries := make([]onDiskEntry, 0, len(idx.entries))
	for k, p := range idx.entries {
		entries = append(entries, onDiskEntry{
			KeyB64: base64.StdEncoding.EncodeToString([]byte(k)),
			Offset: p.Offset,
			Length: p.Length,
		})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return kverrors.Wrap(err, kverrors.CodeIOError, "marshal index snapshot")
	}

	if err := os.MkdirAll(filepath.Dir(idx.path), 0755); err != nil {
		return kverrors.Wrap(err, kverrors.CodeIOError, "create index snapshot dir")
	}

	if err := natomic.WriteFile(idx.path, bytes.NewReader(data)); err != nil {
		return kverrors.Wrap(err, kverrors.CodeIOError, "write index snapshot").WithDetail("path", idx.path)
	}

	if idx.log != nil {
		idx.log.Infow("index snapshot written", "path", idx.path, "keys", len(entries))
	}
	return nil
}

// Load reads the snapshot file, if present, and replaces the index's
// contents with it. A missing snapshot is not an error — the index simply
// starts empty and relies on WAL replay. A malformed snapshot is logged and
// also treated as empty, since the WAL is the durable source of truth the
// store replays on top of it regardless.
func (idx *Index) Load() error {
	data, err := os.ReadFile(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kverrors.Wrap(err, kverrors.CodeIOError, "read index snapshot").WithDetail("path", idx.path)
	}

	var entries []onDiskEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		if idx.log != nil {
			idx.log.Warnw("index snapshot malformed, starting empty and relying on WAL replay",
				"path", idx.path, "error", err)
		}
		idx.entries = make(map[string]Pointer)
		return nil
	}

	m := make(map[string]Pointer, len(entries))
	for _, e := range entries {
		key, err := base64.StdEncoding.DecodeString(e.KeyB64)
		if err != nil {
			if idx.log != nil {
				idx.log.Warnw("index snapshot entry malformed, starting empty and relying on WAL replay",
					"path", idx.path, "error", err)
			}
			idx.entries = make(map[string]Pointer)
			return nil
		}
		m[string(key)] = Pointer{Offset: e.Offset, Length: e.Length}
	}
	idx.entries = m
	return nil
}

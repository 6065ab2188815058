// Package datafile implements the append-only record log that backs every
// key's value on disk.
//
// A record is four fields: a big-endian uint32 key length, a big-endian
// uint32 value length, the key bytes, then the value bytes. The offset of a
// record is the file position of its first byte; its length is the total
// byte count of all four fields. This is deliberately the simplest possible
// framing: one active file, with compaction performing an atomic swap rather
// than rotating through many segment files.
//
// DataFile relies on the caller (the store's reader-writer lock) to
// coordinate writers against readers and against each other; it does not
// reimplement that coordination itself. The one thing it does guard
// internally is Append's seek-then-write sequence, since the file's seek
// offset is shared mutable state that two concurrent appenders could race
// on. Read uses positional reads (ReadAt) instead of seek+Read, which the
// standard library documents as safe for concurrent use from multiple
// goroutines without any external synchronization — so Read takes no lock at
// all, and many readers proceed in parallel under nothing but the store's
// shared read lock.
package datafile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ppriyankuu/kvstore/internal/kverrors"
)

const lengthPrefixSize = 4 // one uint32 BE

// DataFile is the append-only on-disk record log.
type DataFile struct {
	path string

	// mu guards Append's seek-then-write sequence and Close, both of which
	// touch the file handle's shared seek position or lifetime. Read and
	// Size never take it: ReadAt and Stat need no external synchronization,
	// and serializing them here would throttle concurrent readers for no
	// reason.
	mu   sync.Mutex
	file *os.File
}

// Open opens or creates the data file at path, appending at its current end.
func Open(path string) (*DataFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, kverrors.Wrap(err, kverrors.CodeIOError, "open data file").WithDetail("path", path)
	}
	return &DataFile{path: path, file: f}, nil
}

// Append writes one record at the current end of file and returns its
// (offset, length). The write is followed by Sync so the bytes are durable
// and observable to subsequent reads before Append returns — a full fsync,
// because the data file has no separate WAL-style durability guard of its
// own once the WAL entry for this mutation has already been truncated away
// by a checkpoint.
func (d *DataFile) Append(key, value []byte) (offset int64, length int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	off, err := d.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, kverrors.Wrap(err, kverrors.CodeIOError, "seek to end of data file")
	}

	buf := encodeRecord(key, value)
	if _, err := d.file.Write(buf); err != nil {
		return 0, 0, kverrors.Wrap(err, kverrors.CodeIOError, "append record")
	}
	if err := d.file.Sync(); err != nil {
		return 0, 0, kverrors.Wrap(err, kverrors.CodeIOError, "fsync data file")
	}

	return off, int64(len(buf)), nil
}

// Read decodes one record at offset via a positional read, returning the
// stored key and value. It takes no lock: ReadAt does not share or mutate
// the file's seek position, so any number of Read calls may run
// concurrently with each other (and with Append, modulo the store's own
// read/write lock discipline above this layer). Callers MUST verify the
// returned key matches what they looked up in the index — this guards
// against index corruption or a stale offset left behind by compaction.
func (d *DataFile) Read(offset int64) (key, value []byte, err error) {
	header := make([]byte, 2*lengthPrefixSize)
	if _, err := d.file.ReadAt(header, offset); err != nil {
		return nil, nil, kverrors.Wrap(err, kverrors.CodeIOError, "read record header").WithDetail("offset", offset)
	}

	keyLen := binary.BigEndian.Uint32(header[0:4])
	valLen := binary.BigEndian.Uint32(header[4:8])

	body := make([]byte, keyLen+valLen)
	if _, err := d.file.ReadAt(body, offset+int64(len(header))); err != nil {
		return nil, nil, kverrors.Wrap(err, kverrors.CodeIOError, "read record body").WithDetail("offset", offset)
	}

	return body[:keyLen], body[keyLen:], nil
}

// Size returns the current length of the data file in bytes. Like Read, it
// takes no lock: Stat does not touch the shared seek position.
func (d *DataFile) Size() (int64, error) {
	info, err := d.file.Stat()
	if err != nil {
		return 0, kverrors.Wrap(err, kverrors.CodeIOError, "stat data file")
	}
	return info.Size(), nil
}

// Close flushes and releases the underlying file handle.
func (d *DataFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}

// Path returns the filesystem path backing this data file.
func (d *DataFile) Path() string { return d.path }

// encodeRecord serializes one record in the on-disk framing documented above.
func encodeRecord(key, value []byte) []byte {
	buf := make([]byte, 2*lengthPrefixSize+len(key)+len(value))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(key)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(value)))
	copy(buf[8:8+len(key)], key)
	copy(buf[8+len(key):], value)
	return buf
}

// AppendRecordTo writes a record for (key, value) to dst at its current
// offset, returning the new (offset, length). Used by the compactor to copy
// live records into a fresh data file without going through a DataFile's own
// locking; the temp file is private to the compactor, so no other goroutine
// writes to it.
func AppendRecordTo(dst *os.File, key, value []byte) (offset int64, length int64, err error) {
	off, err := dst.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("seek temp data file: %w", err)
	}
	buf := encodeRecord(key, value)
	if _, err := dst.Write(buf); err != nil {
		return 0, 0, fmt.Errorf("write temp data file: %w", err)
	}
	return off, int64(len(buf)), nil
}

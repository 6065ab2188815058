package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	idx := New(filepath.Join(t.TempDir(), "index.db"), nil)

	idx.Put("a", Pointer{Offset: 0, Length: 10})
	p, ok := idx.Get("a")
	require.True(t, ok)
	require.Equal(t, Pointer{Offset: 0, Length: 10}, p)

	idx.Delete("a")
	_, ok = idx.Get("a")
	require.False(t, ok)
}

func TestGetRangeClosedInterval(t *testing.T) {
	idx := New(filepath.Join(t.TempDir(), "index.db"), nil)
	idx.Put("a", Pointer{Offset: 0, Length: 1})
	idx.Put("b", Pointer{Offset: 1, Length: 1})
	idx.Put("c", Pointer{Offset: 2, Length: 1})
	idx.Put("d", Pointer{Offset: 3, Length: 1})

	got := idx.GetRange([]byte("b"), []byte("c"))
	require.Len(t, got, 2)
	_, hasB := got["b"]
	_, hasC := got["c"]
	require.True(t, hasB)
	require.True(t, hasC)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx := New(path, nil)
	idx.Put("a", Pointer{Offset: 0, Length: 5})
	idx.Put("b", Pointer{Offset: 5, Length: 7})
	require.NoError(t, idx.Save())

	idx2 := New(path, nil)
	require.NoError(t, idx2.Load())
	require.Equal(t, 2, idx2.Len())
	p, ok := idx2.Get("b")
	require.True(t, ok)
	require.Equal(t, Pointer{Offset: 5, Length: 7}, p)
}

func TestLoadMissingSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx := New(path, nil)
	require.NoError(t, idx.Load())
	require.Zero(t, idx.Len())
}

func TestLoadMalformedSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	idx := New(path, nil)
	require.NoError(t, idx.Load())
	require.Zero(t, idx.Len())
}

func TestSaveLoadRoundTripPreservesNonUTF8Key(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	binaryKey := string([]byte{0xff, 0xfe, 0x00, 0x80, 0x01})

	idx := New(path, nil)
	idx.Put(binaryKey, Pointer{Offset: 3, Length: 9})
	require.NoError(t, idx.Save())

	idx2 := New(path, nil)
	require.NoError(t, idx2.Load())
	p, ok := idx2.Get(binaryKey)
	require.True(t, ok)
	require.Equal(t, Pointer{Offset: 3, Length: 9}, p)
}

package datafile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	df, err := Open(path)
	require.NoError(t, err)
	defer df.Close()

	off1, len1, err := df.Append([]byte("alpha"), []byte("1"))
	require.NoError(t, err)
	require.Equal(t, int64(0), off1)

	off2, _, err := df.Append([]byte("beta"), []byte("2"))
	require.NoError(t, err)
	require.Equal(t, off1+len1, off2)

	key, value, err := df.Read(off1)
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), key)
	require.Equal(t, []byte("1"), value)

	key2, value2, err := df.Read(off2)
	require.NoError(t, err)
	require.Equal(t, []byte("beta"), key2)
	require.Equal(t, []byte("2"), value2)
}

func TestAppendEmptyValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	df, err := Open(path)
	require.NoError(t, err)
	defer df.Close()

	off, _, err := df.Append([]byte("k"), []byte{})
	require.NoError(t, err)

	key, value, err := df.Read(off)
	require.NoError(t, err)
	require.Equal(t, []byte("k"), key)
	require.Empty(t, value)
}

func TestSizeGrowsWithAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	df, err := Open(path)
	require.NoError(t, err)
	defer df.Close()

	size0, err := df.Size()
	require.NoError(t, err)
	require.Zero(t, size0)

	_, length, err := df.Append([]byte("k"), []byte("v"))
	require.NoError(t, err)

	size1, err := df.Size()
	require.NoError(t, err)
	require.Equal(t, length, size1)
}

func TestReopenPreservesContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")

	df, err := Open(path)
	require.NoError(t, err)
	off, _, err := df.Append([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, df.Close())

	df2, err := Open(path)
	require.NoError(t, err)
	defer df2.Close()

	key, value, err := df2.Read(off)
	require.NoError(t, err)
	require.Equal(t, []byte("k"), key)
	require.Equal(t, []byte("v"), value)
}

package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := testStore(t)

	require.Nil(t, s.Get(BucketBlocks, "missing"))

	require.NoError(t, s.Put(BucketBlocks, "k1", []byte("v1")))
	require.Equal(t, []byte("v1"), s.Get(BucketBlocks, "k1"))

	s.Delete(BucketBlocks, "k1")
	require.Nil(t, s.Get(BucketBlocks, "k1"))
}

func TestIterate(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Put(BucketPeers, "a", []byte("1")))
	require.NoError(t, s.Put(BucketPeers, "b", []byte("2")))

	seen := map[string]string{}
	require.NoError(t, s.Iterate(BucketPeers, func(k, v []byte) {
		seen[string(k)] = string(v)
	}))
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, seen)
}

func TestClearBucket(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Put(BucketUTXO, "k", []byte("v")))
	require.NoError(t, s.ClearBucket(BucketUTXO))
	require.Nil(t, s.Get(BucketUTXO, "k"))

	// The bucket is recreated empty and usable.
	require.NoError(t, s.Put(BucketUTXO, "k2", []byte("v2")))
	require.Equal(t, []byte("v2"), s.Get(BucketUTXO, "k2"))
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(BucketMeta, "height", []byte("42")))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, []byte("42"), s2.Get(BucketMeta, "height"))
}

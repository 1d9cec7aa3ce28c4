package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBTree(t *testing.T) (*BTree, PageId) {
	t.Helper()
	p, err := OpenPager(filepath.Join(t.TempDir(), "t.ndb"), 4096)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	bt := NewBTree(p)
	root, err := bt.EmptyRoot()
	require.NoError(t, err)
	return bt, root
}

func TestBTreeInsertGetRoundTrip(t *testing.T) {
	bt, root := newTestBTree(t)
	root, _, _, err := bt.Insert(root, []byte("alpha"), BlobID(1))
	require.NoError(t, err)
	root, _, _, err = bt.Insert(root, []byte("beta"), BlobID(2))
	require.NoError(t, err)

	got, ok, err := bt.Get(root, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, BlobID(1), got)

	_, ok, err = bt.Get(root, []byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBTreeInsertOverwriteReportsPrevious(t *testing.T) {
	bt, root := newTestBTree(t)
	root, _, hadPrev, err := bt.Insert(root, []byte("k"), BlobID(1))
	require.NoError(t, err)
	require.False(t, hadPrev)

	_, prev, hadPrev, err := bt.Insert(root, []byte("k"), BlobID(2))
	require.NoError(t, err)
	require.True(t, hadPrev)
	require.Equal(t, BlobID(1), prev)
}

func TestBTreeSplitsAcrossManyKeys(t *testing.T) {
	bt, root := newTestBTree(t)
	for i := 0; i < 500; i++ {
		var err error
		root, _, _, err = bt.Insert(root, []byte(fmt.Sprintf("key-%04d", i)), BlobID(i))
		require.NoError(t, err)
	}
	for i := 0; i < 500; i++ {
		got, ok, err := bt.Get(root, []byte(fmt.Sprintf("key-%04d", i)))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, BlobID(i), got)
	}
}

func TestBTreeRangeScanOrdered(t *testing.T) {
	bt, root := newTestBTree(t)
	keys := []string{"a", "c", "b", "e", "d"}
	for i, k := range keys {
		var err error
		root, _, _, err = bt.Insert(root, []byte(k), BlobID(i))
		require.NoError(t, err)
	}
	var seen []string
	err := bt.RangeScan(root, []byte("b"), []byte("e"), func(k []byte, _ BlobID) bool {
		seen = append(seen, string(k))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "d"}, seen)
}

func TestBTreeDeleteRemovesKey(t *testing.T) {
	bt, root := newTestBTree(t)
	root, _, _, err := bt.Insert(root, []byte("k"), BlobID(9))
	require.NoError(t, err)

	root, removed, existed, err := bt.Delete(root, []byte("k"))
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, BlobID(9), removed)

	_, ok, err := bt.Get(root, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIndexEntryKeyOrdersByInternalID(t *testing.T) {
	k1 := IndexEntryKey(1, "name", []byte{0}, 1)
	k2 := IndexEntryKey(1, "name", []byte{0}, 2)
	require.True(t, string(k1) < string(k2))
}

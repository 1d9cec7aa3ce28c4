package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWALAppendSyncReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.wal")
	w, err := OpenWAL(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(RecBeginTx, []byte{1}))
	require.NoError(t, w.Append(RecCreateNode, []byte("node-body")))
	require.NoError(t, w.Append(RecCommitTx, []byte{1}))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	res, err := ReplayWAL(path)
	require.NoError(t, err)
	require.False(t, res.Torn)
	require.Len(t, res.Records, 3)
	require.Equal(t, RecCreateNode, res.Records[1].Kind)
}

func TestWALReplayDiscardsUncommittedTx(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.wal")
	w, err := OpenWAL(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(RecBeginTx, []byte{1}))
	require.NoError(t, w.Append(RecCreateNode, []byte("orphan")))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	res, err := ReplayWAL(path)
	require.NoError(t, err)
	require.Empty(t, res.Records)
}

func TestWALReplayDiscardsAbortedTx(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.wal")
	w, err := OpenWAL(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(RecBeginTx, []byte{1}))
	require.NoError(t, w.Append(RecCreateNode, []byte("orphan")))
	require.NoError(t, w.Append(RecAbortTx, []byte{1}))
	require.NoError(t, w.Sync())

	require.NoError(t, w.Append(RecBeginTx, []byte{2}))
	require.NoError(t, w.Append(RecCreateNode, []byte("committed")))
	require.NoError(t, w.Append(RecCommitTx, []byte{2}))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	res, err := ReplayWAL(path)
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	require.Equal(t, []byte("committed"), res.Records[1].Body)
}

func TestReplayMissingWALIsEmptyNotError(t *testing.T) {
	res, err := ReplayWAL(filepath.Join(t.TempDir(), "missing.wal"))
	require.NoError(t, err)
	require.Empty(t, res.Records)
}

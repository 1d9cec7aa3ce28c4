package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplayStopsAtCorruptCRC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.wal")
	w, err := OpenWAL(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(RecBeginTx, []byte{1}))
	require.NoError(t, w.Append(RecCreateNode, []byte("alpha")))
	require.NoError(t, w.Append(RecCommitTx, []byte{1}))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF // corrupt the last byte of the CommitTx frame body
	require.NoError(t, os.WriteFile(path, raw, 0644))

	res, err := ReplayWAL(path)
	require.NoError(t, err)
	require.True(t, res.Torn)
}

func TestReplayStopsAtTruncatedTrailingFrame(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.wal")
	w, err := OpenWAL(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(RecBeginTx, []byte{1}))
	require.NoError(t, w.Append(RecCreateNode, []byte("alpha")))
	require.NoError(t, w.Append(RecCommitTx, []byte{1}))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-3], 0644))

	res, err := ReplayWAL(path)
	require.NoError(t, err)
	require.True(t, res.Torn)
	require.Empty(t, res.Records)
}

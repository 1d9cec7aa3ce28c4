package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func TestBackupRestoreRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Person")
	require.NoError(t, err)
	txn := e.BeginWrite()
	_, err = txn.CreateNode("a", lbl)
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	backupDir := filepath.Join(t.TempDir(), "backup")
	manifest, err := e.Backup(backupDir, nil)
	require.NoError(t, err)
	require.Equal(t, "complete", manifest.Status)
	require.Len(t, manifest.Files, 2)

	restoreDir := t.TempDir()
	require.NoError(t, Restore(backupDir, restoreDir, "restored", nil))

	restored, err := Open(restoreDir, "restored", DefaultEngineConfig())
	require.NoError(t, err)
	defer restored.Close()

	_, ok := restored.Snapshot().Resolve("a")
	require.True(t, ok)
}

func TestBackupEncryptedRequiresKeyToRestore(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.EnsureLabel("Person")
	require.NoError(t, err)

	key := make([]byte, chacha20poly1305.KeySize)
	for i := range key {
		key[i] = byte(i)
	}

	backupDir := filepath.Join(t.TempDir(), "backup")
	manifest, err := e.Backup(backupDir, key)
	require.NoError(t, err)
	require.Equal(t, "encrypted", manifest.Status)

	restoreDir := t.TempDir()
	err = Restore(backupDir, restoreDir, "restored", nil)
	require.ErrorIs(t, err, ErrBackupProtocol)

	require.NoError(t, Restore(backupDir, restoreDir, "restored", key))
}

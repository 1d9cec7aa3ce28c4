package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWALDurabilityAcrossReopen exercises the full engine-level contract a
// crash recovery depends on: every record durably synced before Commit
// returns must survive a process restart.
func TestWALDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, "db", DefaultEngineConfig())
	require.NoError(t, err)

	txn := e.BeginWrite()
	lbl, err := e.EnsureLabel("Person")
	require.NoError(t, err)
	_, err = txn.CreateNode("alice", lbl)
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)
	require.NoError(t, e.Close())

	reopened, err := Open(dir, "db", DefaultEngineConfig())
	require.NoError(t, err)
	defer reopened.Close()

	snap := reopened.Snapshot()
	internal, ok := snap.Resolve("alice")
	require.True(t, ok)
	got, ok := snap.NodeLabel(internal)
	require.True(t, ok)
	name, ok := snap.LabelName(got)
	require.True(t, ok)
	require.Equal(t, "Person", name)
}

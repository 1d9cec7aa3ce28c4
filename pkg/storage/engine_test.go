package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *GraphEngine {
	t.Helper()
	e, err := Open(t.TempDir(), "db", DefaultEngineConfig())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngineCreateNodeAndCommitIsVisible(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Person")
	require.NoError(t, err)

	txn := e.BeginWrite()
	internal, err := txn.CreateNode("alice", lbl)
	require.NoError(t, err)
	snap, err := txn.Commit()
	require.NoError(t, err)

	got, ok := snap.Resolve("alice")
	require.True(t, ok)
	require.Equal(t, internal, got)
}

func TestEngineDuplicateExternalIDRejected(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Person")
	require.NoError(t, err)

	txn := e.BeginWrite()
	_, err = txn.CreateNode("alice", lbl)
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	txn2 := e.BeginWrite()
	_, err = txn2.CreateNode("alice", lbl)
	require.ErrorIs(t, err, ErrDuplicateNode)
	txn2.Abort()
}

func TestEngineCreateEdgeVisibleInNeighbors(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Person")
	require.NoError(t, err)
	rel, err := e.EnsureRelType("KNOWS")
	require.NoError(t, err)

	txn := e.BeginWrite()
	a, err := txn.CreateNode("a", lbl)
	require.NoError(t, err)
	b, err := txn.CreateNode("b", lbl)
	require.NoError(t, err)
	require.NoError(t, txn.CreateEdge(EdgeKey{Src: a, Rel: rel, Dst: b}))
	snap, err := txn.Commit()
	require.NoError(t, err)

	neighbors := snap.Neighbors(a, rel)
	require.Len(t, neighbors, 1)
	require.Equal(t, b, neighbors[0].Dst)

	incoming := snap.IncomingNeighbors(b, rel)
	require.Len(t, incoming, 1)
	require.Equal(t, a, incoming[0].Src)
}

func TestEngineSetAndReadNodeProperty(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Person")
	require.NoError(t, err)

	txn := e.BeginWrite()
	a, err := txn.CreateNode("a", lbl)
	require.NoError(t, err)
	require.NoError(t, txn.SetNodeProperty(a, "name", StringValue("Alice")))
	snap, err := txn.Commit()
	require.NoError(t, err)

	v, ok, err := snap.NodeProperty(a, "name")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Alice", v.S)
}

func TestEngineTombstoneNodeHidesFromSnapshot(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Person")
	require.NoError(t, err)

	txn := e.BeginWrite()
	a, err := txn.CreateNode("a", lbl)
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	txn2 := e.BeginWrite()
	require.NoError(t, txn2.TombstoneNode(a))
	snap, err := txn2.Commit()
	require.NoError(t, err)
	require.True(t, snap.IsTombstonedNode(a))
}

func TestEngineCompactFoldsRunsIntoSegment(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Person")
	require.NoError(t, err)
	rel, err := e.EnsureRelType("KNOWS")
	require.NoError(t, err)

	txn := e.BeginWrite()
	a, err := txn.CreateNode("a", lbl)
	require.NoError(t, err)
	b, err := txn.CreateNode("b", lbl)
	require.NoError(t, err)
	require.NoError(t, txn.CreateEdge(EdgeKey{Src: a, Rel: rel, Dst: b}))
	_, err = txn.Commit()
	require.NoError(t, err)

	require.NoError(t, e.Compact())

	snap := e.Snapshot()
	neighbors := snap.Neighbors(a, rel)
	require.Len(t, neighbors, 1)
}

package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotNodeCountRespectsTombstone(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Person")
	require.NoError(t, err)

	txn := e.BeginWrite()
	a, err := txn.CreateNode("a", lbl)
	require.NoError(t, err)
	_, err = txn.CreateNode("b", lbl)
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	require.EqualValues(t, 2, e.Snapshot().NodeCount(lbl))

	txn2 := e.BeginWrite()
	require.NoError(t, txn2.TombstoneNode(a))
	snap, err := txn2.Commit()
	require.NoError(t, err)
	require.EqualValues(t, 1, snap.NodeCount(lbl))
}

func TestSnapshotNodePropertyReadsCommittedValue(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Person")
	require.NoError(t, err)

	txn := e.BeginWrite()
	a, err := txn.CreateNode("a", lbl)
	require.NoError(t, err)
	require.NoError(t, txn.SetNodeProperty(a, "email", StringValue("a@example.com")))
	snap, err := txn.Commit()
	require.NoError(t, err)

	v, ok, err := snap.NodeProperty(a, "email")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a@example.com", v.S)
}

func TestSnapshotIsPinnedAcrossLaterWrites(t *testing.T) {
	e := openTestEngine(t)
	lbl, err := e.EnsureLabel("Person")
	require.NoError(t, err)

	txn := e.BeginWrite()
	_, err = txn.CreateNode("a", lbl)
	require.NoError(t, err)
	older, err := txn.Commit()
	require.NoError(t, err)

	txn2 := e.BeginWrite()
	_, err = txn2.CreateNode("b", lbl)
	require.NoError(t, err)
	_, err = txn2.Commit()
	require.NoError(t, err)

	require.EqualValues(t, 1, older.NodeCount(lbl))
	require.EqualValues(t, 2, e.Snapshot().NodeCount(lbl))
}

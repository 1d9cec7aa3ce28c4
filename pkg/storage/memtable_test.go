package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemTableOutgoingNetsTombstones(t *testing.T) {
	m := NewMemTable()
	k := EdgeKey{Src: 1, Rel: 1, Dst: 2}
	m.StageCreateEdge(k)
	m.StageCreateEdge(k)
	m.StageTombstoneEdge(k)

	out := m.Outgoing(1, 0)
	require.Len(t, out, 1)
	require.Equal(t, k, out[0])
}

func TestMemTableTombstoneNodeVisibleBothDirections(t *testing.T) {
	m := NewMemTable()
	m.StageTombstoneNode(5)
	require.True(t, m.IsTombstonedNode(5))
	require.False(t, m.IsTombstonedNode(6))
}

func TestMemTablePropDeltaRemovalWins(t *testing.T) {
	m := NewMemTable()
	key := NodePropKey(1, "name")
	m.StageSetProp(key, StringValue("alice"))
	m.StageRemoveProp(key)

	d, ok := m.LookupProp(key)
	require.True(t, ok)
	require.True(t, d.removed)
}

func TestMemTableSnapshotCopyIsIndependent(t *testing.T) {
	m := NewMemTable()
	k := EdgeKey{Src: 1, Rel: 1, Dst: 2}
	m.StageCreateEdge(k)

	cp := m.snapshotCopy()
	m.StageCreateEdge(EdgeKey{Src: 1, Rel: 1, Dst: 3})

	require.Len(t, cp.Outgoing(1, 0), 1)
	require.Len(t, m.Outgoing(1, 0), 2)
}

package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildSegmentMergesRunsAndSortsByKey(t *testing.T) {
	m1 := NewMemTable()
	m1.StageCreateEdge(EdgeKey{Src: 3, Rel: 1, Dst: 4})
	m1.StageCreateEdge(EdgeKey{Src: 1, Rel: 1, Dst: 2})
	r1 := freezeMemTable(m1, 1)

	seg := BuildSegment([]*L0Run{r1}, nil, 1, func(EdgeKey) bool { return false })
	require.Equal(t, InternalNodeId(1), seg.MinSrc)
	require.Equal(t, InternalNodeId(3), seg.MaxSrc)
	require.Equal(t, []EdgeKey{{Src: 1, Rel: 1, Dst: 2}, {Src: 3, Rel: 1, Dst: 4}}, seg.Edges)
}

func TestBuildSegmentDropsTombstonedEdgeByDefault(t *testing.T) {
	m := NewMemTable()
	k := EdgeKey{Src: 1, Rel: 1, Dst: 2}
	m.StageCreateEdge(k)
	m.StageTombstoneEdge(k)
	r := freezeMemTable(m, 1)

	seg := BuildSegment([]*L0Run{r}, nil, 1, func(EdgeKey) bool { return false })
	require.Empty(t, seg.Edges)
	require.Empty(t, seg.TombstonedEdges)
}

func TestBuildSegmentKeepsTombstoneWhenOlderSegmentCouldReintroduce(t *testing.T) {
	m := NewMemTable()
	k := EdgeKey{Src: 1, Rel: 1, Dst: 2}
	m.StageTombstoneEdge(k)
	r := freezeMemTable(m, 1)

	seg := BuildSegment([]*L0Run{r}, nil, 1, func(EdgeKey) bool { return true })
	require.Contains(t, seg.TombstonedEdges, k)
}

func TestSegmentOutgoingAndIncomingLookup(t *testing.T) {
	m := NewMemTable()
	m.StageCreateEdge(EdgeKey{Src: 1, Rel: 1, Dst: 2})
	m.StageCreateEdge(EdgeKey{Src: 1, Rel: 2, Dst: 3})
	r := freezeMemTable(m, 1)
	seg := BuildSegment([]*L0Run{r}, nil, 1, func(EdgeKey) bool { return false })

	out := seg.Outgoing(1, 1)
	require.Len(t, out, 1)
	require.Equal(t, InternalNodeId(2), out[0].Dst)

	in := seg.Incoming(2, 0)
	require.Len(t, in, 1)
	require.Equal(t, InternalNodeId(1), in[0].Src)
}

func TestSegmentPersistLoadRoundTrip(t *testing.T) {
	p, err := OpenPager(filepath.Join(t.TempDir(), "t.ndb"), 4096)
	require.NoError(t, err)
	defer p.Close()

	m := NewMemTable()
	m.StageCreateEdge(EdgeKey{Src: 1, Rel: 1, Dst: 2})
	r := freezeMemTable(m, 1)
	seg := BuildSegment([]*L0Run{r}, nil, 7, func(EdgeKey) bool { return false })

	require.NoError(t, seg.Persist(p))
	require.NoError(t, p.Sync())

	loaded, err := LoadSegment(p, seg.MetaPageID)
	require.NoError(t, err)
	require.Equal(t, seg.Edges, loaded.Edges)
	require.Equal(t, seg.Seq, loaded.Seq)
}

package storage

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// propDelta is a staged SET/REMOVE against a node or edge property key. The
// key is the same byte encoding the B-tree uses (NodePropKey/EdgePropKey),
// so a staged delta and a durable B-tree entry compare directly.
type propDelta struct {
	removed bool
	value   Value
}

// MemTable is the engine's in-memory write buffer: staged
// outgoing/incoming edges grouped per node, tombstoned nodes and edges, and
// per-target property deltas. Every field is kept sorted/grouped so a
// MemTable can participate in the same merge-iteration the L0 runs and CSR
// segments use.
//
// Tombstone sets use roaring64 bitmaps for nodes (dense uint64 domain,
// exactly what roaring is built for) — edges key on the composite
// (src, rel, dst) tuple, outside roaring's single-integer domain, so edge
// tombstones stay a plain map keyed by the encoded EdgeKey.
type MemTable struct {
	mu sync.Mutex

	outEdges map[InternalNodeId]map[EdgeKey]int32 // multiplicity per edge
	inEdges  map[InternalNodeId]map[EdgeKey]int32

	tombstonedNodes *roaring64.Bitmap
	tombstonedEdges map[EdgeKey]int32 // multiplicity decrement applied by the tombstone

	props map[string]propDelta
}

func NewMemTable() *MemTable {
	return &MemTable{
		outEdges:        make(map[InternalNodeId]map[EdgeKey]int32),
		inEdges:         make(map[InternalNodeId]map[EdgeKey]int32),
		tombstonedNodes: roaring64.New(),
		tombstonedEdges: make(map[EdgeKey]int32),
		props:           make(map[string]propDelta),
	}
}

func (m *MemTable) StageCreateEdge(k EdgeKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outEdges[k.Src] == nil {
		m.outEdges[k.Src] = make(map[EdgeKey]int32)
	}
	m.outEdges[k.Src][k]++
	if m.inEdges[k.Dst] == nil {
		m.inEdges[k.Dst] = make(map[EdgeKey]int32)
	}
	m.inEdges[k.Dst][k]++
}

func (m *MemTable) StageTombstoneEdge(k EdgeKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tombstonedEdges[k]++
}

func (m *MemTable) StageTombstoneNode(id InternalNodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tombstonedNodes.Add(uint64(id))
}

func (m *MemTable) IsTombstonedNode(id InternalNodeId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tombstonedNodes.Contains(uint64(id))
}

func (m *MemTable) StageSetProp(key []byte, v Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.props[string(key)] = propDelta{value: v}
}

func (m *MemTable) StageRemoveProp(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.props[string(key)] = propDelta{removed: true}
}

// LookupProp returns the staged delta for key, if any.
func (m *MemTable) LookupProp(key []byte) (propDelta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.props[string(key)]
	return d, ok
}

// Outgoing returns staged outgoing edges of src matching rel (0 = any),
// net of staged tombstones, in (src,rel,dst) order.
func (m *MemTable) Outgoing(src InternalNodeId, rel RelTypeId) []EdgeKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EdgeKey
	for k, mult := range m.outEdges[src] {
		if rel != 0 && k.Rel != rel {
			continue
		}
		tomb := m.tombstonedEdges[k]
		if mult-tomb <= 0 {
			continue
		}
		for i := int32(0); i < mult-tomb; i++ {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Incoming mirrors Outgoing for the reverse direction.
func (m *MemTable) Incoming(dst InternalNodeId, rel RelTypeId) []EdgeKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EdgeKey
	for k, mult := range m.inEdges[dst] {
		if rel != 0 && k.Rel != rel {
			continue
		}
		tomb := m.tombstonedEdges[k]
		if mult-tomb <= 0 {
			continue
		}
		for i := int32(0); i < mult-tomb; i++ {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return LessIncoming(out[i], out[j]) })
	return out
}

// snapshotCopy returns an independent copy for freezing into an L0 run; the
// live MemTable is swapped for a fresh empty one atomically by the caller.
func (m *MemTable) snapshotCopy() *MemTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := NewMemTable()
	for src, edges := range m.outEdges {
		cp := make(map[EdgeKey]int32, len(edges))
		for k, v := range edges {
			cp[k] = v
		}
		out.outEdges[src] = cp
	}
	for dst, edges := range m.inEdges {
		cp := make(map[EdgeKey]int32, len(edges))
		for k, v := range edges {
			cp[k] = v
		}
		out.inEdges[dst] = cp
	}
	out.tombstonedNodes = m.tombstonedNodes.Clone()
	for k, v := range m.tombstonedEdges {
		out.tombstonedEdges[k] = v
	}
	for k, v := range m.props {
		out.props[k] = v
	}
	return out
}

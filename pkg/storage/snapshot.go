package storage

import (
	"encoding/binary"
	"sort"
)

// Snapshot is an MVCC view pinning a consistent tuple of runs, segments,
// id-map, interners, and property root. Once constructed it
// never mutates: a Snapshot is a pure function of the tuple it was handed,
// so reads require no locking.
type Snapshot struct {
	runs      []*L0Run // newest-first
	segments  []*Segment
	idmap     *IdMap
	labels    map[LabelId]string
	relTypes  map[RelTypeId]string
	propsRoot PageId
	vectors   map[InternalNodeId][]float32

	btree     *BTree
	blobStore *BlobStore
}

// Vector returns the embedding staged for internal via WriteTxn.SetVector,
// if any. The vector sidecar is not versioned like edges and properties —
// a snapshot sees whatever was committed as of when it was taken, but two
// snapshots pinned at different times may observe different vectors for
// the same node without either being "stale" in the MVCC sense other reads
// use, since vector replacement has no tombstone/multiplicity semantics.
func (s *Snapshot) Vector(internal InternalNodeId) ([]float32, bool) {
	v, ok := s.vectors[internal]
	return v, ok
}

// Neighbors returns outgoing EdgeKeys of src (optionally filtered by rel),
// walking L0 runs newest-first then segments, suppressing any edge
// tombstoned by an older-or-equal layer and not reintroduced by a newer one
//.
func (s *Snapshot) Neighbors(src InternalNodeId, rel RelTypeId) []EdgeKey {
	return s.mergeDirectional(src, rel, true)
}

// IncomingNeighbors mirrors Neighbors for the reverse direction.
func (s *Snapshot) IncomingNeighbors(dst InternalNodeId, rel RelTypeId) []EdgeKey {
	return s.mergeDirectional(dst, rel, false)
}

func (s *Snapshot) mergeDirectional(id InternalNodeId, rel RelTypeId, outgoing bool) []EdgeKey {
	// multiplicity net across layers, newest first; a positive net at the
	// newest layer that defines a key wins outright (newer definitions mask
	// older), but parallel edges use multiplicity rather than a boolean mask.
	seen := map[EdgeKey]int{}
	var order []EdgeKey

	addLayer := func(keys []EdgeKey) {
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				order = append(order, k)
			}
			seen[k]++
		}
	}

	for _, r := range s.runs {
		if outgoing {
			addLayer(r.data.Outgoing(id, rel))
		} else {
			addLayer(r.data.Incoming(id, rel))
		}
	}
	for _, seg := range s.segments {
		var keys []EdgeKey
		if outgoing {
			keys = seg.Outgoing(id, rel)
		} else {
			keys = seg.Incoming(id, rel)
		}
		for _, k := range keys {
			if tomb, ok := seg.TombstonedEdges[k]; ok {
				if seen[k]-int(tomb) <= 0 {
					continue
				}
			}
			if _, ok := seen[k]; !ok {
				order = append(order, k)
			}
			seen[k]++
		}
	}

	var out []EdgeKey
	for _, k := range order {
		n := seen[k]
		if n <= 0 {
			continue
		}
		for i := 0; i < n; i++ {
			out = append(out, k)
		}
	}
	if outgoing {
		sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	} else {
		sort.Slice(out, func(i, j int) bool { return LessIncoming(out[i], out[j]) })
	}
	return out
}

// IsTombstonedNode reports whether id was tombstoned in any run or
// surviving segment tombstone set visible to this snapshot.
func (s *Snapshot) IsTombstonedNode(id InternalNodeId) bool {
	for _, r := range s.runs {
		if r.data.IsTombstonedNode(id) {
			return true
		}
	}
	for _, seg := range s.segments {
		if seg.TombstonedNodes != nil && seg.TombstonedNodes.Contains(uint64(id)) {
			return true
		}
	}
	return false
}

// ResolveExternal resolves an internal id to its external id.
func (s *Snapshot) ResolveExternal(id InternalNodeId) (ExternalId, bool) {
	return s.idmap.ResolveExternal(id)
}

// Resolve resolves an external id to its internal id.
func (s *Snapshot) Resolve(ext ExternalId) (InternalNodeId, bool) {
	return s.idmap.Resolve(ext)
}

// NodeLabel returns the primary label assigned at creation.
func (s *Snapshot) NodeLabel(id InternalNodeId) (LabelId, bool) {
	return s.idmap.PrimaryLabel(id)
}

// LabelName resolves a label id to its interned name.
func (s *Snapshot) LabelName(id LabelId) (string, bool) {
	n, ok := s.labels[id]
	return n, ok
}

// RelTypeName resolves a rel-type id to its interned name.
func (s *Snapshot) RelTypeName(id RelTypeId) (string, bool) {
	n, ok := s.relTypes[id]
	return n, ok
}

// LabelID reverse-resolves an interned label name to its id, for query-time
// label filters that must not intern an unseen name as a side effect of a
// read (only EnsureLabel, called from a write path, is allowed to do that).
func (s *Snapshot) LabelID(name string) (LabelId, bool) {
	for id, n := range s.labels {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

// RelTypeID mirrors LabelID for relationship type names.
func (s *Snapshot) RelTypeID(name string) (RelTypeId, bool) {
	for id, n := range s.relTypes {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

// NodeProperty returns the newest defined value of key on node id, masking
// removed keys; it does not check whether the node itself is tombstoned.
// It checks the
// MemTable-shaped layers (runs, newest first) before falling back to the
// durable property B-tree, which holds everything compaction has folded in.
func (s *Snapshot) NodeProperty(id InternalNodeId, key string) (Value, bool, error) {
	k := NodePropKey(id, key)
	for _, r := range s.runs {
		if d, ok := r.data.LookupProp(k); ok {
			if d.removed {
				return Value{}, false, nil
			}
			return d.value, true, nil
		}
	}
	return s.btreeLookup(k)
}

// EdgeProperty mirrors NodeProperty for an edge key.
func (s *Snapshot) EdgeProperty(ek EdgeKey, key string) (Value, bool, error) {
	k := EdgePropKey(ek.Src, ek.Rel, ek.Dst, key)
	for _, r := range s.runs {
		if d, ok := r.data.LookupProp(k); ok {
			if d.removed {
				return Value{}, false, nil
			}
			return d.value, true, nil
		}
	}
	return s.btreeLookup(k)
}

func (s *Snapshot) btreeLookup(key []byte) (Value, bool, error) {
	if s.btree == nil || s.propsRoot == 0 {
		return Value{}, false, nil
	}
	blobID, ok, err := s.btree.Get(s.propsRoot, key)
	if err != nil || !ok {
		return Value{}, false, err
	}
	raw, err := s.blobStore.GetOverflow(blobID)
	if err != nil {
		return Value{}, false, err
	}
	v, err := Decode(raw)
	return v, true, err
}

// NodeProperties enumerates all properties of a node across every layer,
// newest-first resolution per key (used by RETURN n and node_properties()).
func (s *Snapshot) NodeProperties(id InternalNodeId) (*OrderedMap, error) {
	out := NewOrderedMap()
	seenRemoved := map[string]bool{}
	prefix := string(NodePropKey(id, ""))[:9] // tag(1)+internal(8), sans key length/bytes

	for _, r := range s.runs {
		r.data.mu.Lock()
		for k, d := range r.data.props {
			if len(k) < 13 || k[0] != 0x00 {
				continue
			}
			if k[:9] != prefix {
				continue
			}
			name := extractPropName(k)
			if _, done := out.Get(name); done || seenRemoved[name] {
				continue
			}
			if d.removed {
				seenRemoved[name] = true
				continue
			}
			out.Set(name, d.value)
		}
		r.data.mu.Unlock()
	}

	if s.btree != nil && s.propsRoot != 0 {
		lo := NodePropKey(id, "")
		hi := NodePropKey(id+1, "")
		err := s.btree.RangeScan(s.propsRoot, lo, hi, func(k []byte, blobID BlobID) bool {
			name := extractPropName(k)
			if _, done := out.Get(name); done || seenRemoved[name] {
				return true
			}
			raw, err := s.blobStore.GetOverflow(blobID)
			if err != nil {
				return true
			}
			v, err := Decode(raw)
			if err != nil {
				return true
			}
			out.Set(name, v)
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EdgeProperties enumerates all properties of an edge across every layer,
// mirroring NodeProperties (used by RETURN r and properties()/keys() over
// a materialized relationship).
func (s *Snapshot) EdgeProperties(ek EdgeKey) (*OrderedMap, error) {
	out := NewOrderedMap()
	seenRemoved := map[string]bool{}
	prefix := string(EdgePropKey(ek.Src, ek.Rel, ek.Dst, ""))[:21] // tag(1)+src(8)+rel(4)+dst(8)

	for _, r := range s.runs {
		r.data.mu.Lock()
		for k, d := range r.data.props {
			if len(k) < 25 || k[0] != 0x01 {
				continue
			}
			if k[:21] != prefix {
				continue
			}
			name := extractEdgePropName(k)
			if _, done := out.Get(name); done || seenRemoved[name] {
				continue
			}
			if d.removed {
				seenRemoved[name] = true
				continue
			}
			out.Set(name, d.value)
		}
		r.data.mu.Unlock()
	}

	if s.btree != nil && s.propsRoot != 0 {
		lo := EdgePropKey(ek.Src, ek.Rel, ek.Dst, "")
		hi := EdgePropKey(ek.Src, ek.Rel, ek.Dst+1, "")
		err := s.btree.RangeScan(s.propsRoot, lo, hi, func(k []byte, blobID BlobID) bool {
			name := extractEdgePropName(k)
			if _, done := out.Get(name); done || seenRemoved[name] {
				return true
			}
			raw, err := s.blobStore.GetOverflow(blobID)
			if err != nil {
				return true
			}
			v, err := Decode(raw)
			if err != nil {
				return true
			}
			out.Set(name, v)
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func extractEdgePropName(key []byte) string {
	if len(key) < 25 {
		return ""
	}
	n := int(uint32(key[21])<<24 | uint32(key[22])<<16 | uint32(key[23])<<8 | uint32(key[24]))
	if 25+n > len(key) {
		return ""
	}
	return string(key[25 : 25+n])
}

func extractPropName(key []byte) string {
	if len(key) < 13 {
		return ""
	}
	n := int(uint32(key[9])<<24 | uint32(key[10])<<16 | uint32(key[11])<<8 | uint32(key[12]))
	if 13+n > len(key) {
		return ""
	}
	return string(key[13 : 13+n])
}

// NodeCount returns the number of live nodes, optionally filtered by label.
func (s *Snapshot) NodeCount(label LabelId) int64 {
	var n int64
	for ext := range s.idmap.fwd {
		id, _ := s.idmap.Resolve(ext)
		if s.IsTombstonedNode(id) {
			continue
		}
		if label != 0 {
			l, _ := s.idmap.PrimaryLabel(id)
			if l != label {
				continue
			}
		}
		n++
	}
	return n
}

// Nodes iterates every live internal id visible to this snapshot.
func (s *Snapshot) Nodes() []InternalNodeId {
	var out []InternalNodeId
	for id := range s.idmap.rev {
		if !s.IsTombstonedNode(id) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EdgeCount returns the number of live edges, optionally filtered by
// rel-type, counted by walking every node's outgoing side exactly once.
func (s *Snapshot) EdgeCount(rel RelTypeId) int64 {
	var n int64
	for id := range s.idmap.rev {
		if s.IsTombstonedNode(id) {
			continue
		}
		n += int64(len(s.Neighbors(id, rel)))
	}
	return n
}

// LookupIndex returns internal ids of live nodes carrying label with field
// set to value, via the secondary-index B-tree range ('s
// 0x02-tagged key). No writer in this package creates index entries
// (neither Commit nor compaction), so the range is empty and the result
// holds no ids for any label, field and value.
func (s *Snapshot) LookupIndex(label LabelId, field string, value Value) ([]InternalNodeId, error) {
	if s.btree == nil || s.propsRoot == 0 {
		return nil, nil
	}
	enc := Encode(value)
	lo := IndexEntryKey(label, field, enc, 0)
	hi := IndexEntryKey(label, field, enc, ^InternalNodeId(0))
	var out []InternalNodeId
	err := s.btree.RangeScan(s.propsRoot, lo, hi, func(k []byte, _ BlobID) bool {
		if len(k) < 8 {
			return true
		}
		id := InternalNodeId(binary.BigEndian.Uint64(k[len(k)-8:]))
		if !s.IsTombstonedNode(id) {
			out = append(out, id)
		}
		return true
	})
	return out, err
}

// Package storage implements NervusDB's embedded graph storage engine: a
// fixed-size page cache, a binary write-ahead log, a copy-on-write B-tree for
// properties and indexes, an LSM-style graph index (MemTable -> L0 runs ->
// CSR segments), and the MVCC GraphEngine that ties them together.
//
// The package mirrors Neo4j's property-graph data model (labeled nodes,
// typed directed edges, arbitrary properties) but none of the storage
// representation below is Neo4j-specific: every on-disk byte layout is
// defined by this package, not borrowed from any wire protocol.
package storage

import "fmt"

// InternalNodeId is the engine's dense, never-reused identifier for a node.
// It is assigned once at creation and is stable for the lifetime of the
// database, including across compaction.
type InternalNodeId uint64

// ExternalId is the caller-supplied identifier for a node. IdMap maintains a
// bijection between ExternalId and InternalNodeId for all live nodes.
type ExternalId string

// LabelId and RelTypeId are small integers assigned by the interners the
// first time a label or relationship type name is seen. Once assigned, the
// id-to-name binding is immutable.
type LabelId uint32
type RelTypeId uint32

// NoLabel is the sentinel LabelId meaning "no primary label assigned".
const NoLabel LabelId = 0

// EdgeKey uniquely identifies a directed edge modulo multiplicity: parallel
// edges sharing (Src, Rel, Dst) are distinguished only by a multiplicity
// count carried alongside the key, never by the key itself.
type EdgeKey struct {
	Src InternalNodeId
	Rel RelTypeId
	Dst InternalNodeId
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("(%d)-[%d]->(%d)", k.Src, k.Rel, k.Dst)
}

// Less gives EdgeKey the (src, rel, dst) total order CSR segments sort by.
func (k EdgeKey) Less(o EdgeKey) bool {
	if k.Src != o.Src {
		return k.Src < o.Src
	}
	if k.Rel != o.Rel {
		return k.Rel < o.Rel
	}
	return k.Dst < o.Dst
}

// LessIncoming gives EdgeKey the (dst, rel, src) order the reverse (incoming)
// CSR index sorts by.
func LessIncoming(a, b EdgeKey) bool {
	if a.Dst != b.Dst {
		return a.Dst < b.Dst
	}
	if a.Rel != b.Rel {
		return a.Rel < b.Rel
	}
	return a.Src < b.Src
}

// Node is the materialized, snapshot-resolved view of a graph vertex:
// identity, labels, properties, and an optional vector embedding. It is
// produced by a Snapshot read, never stored as such on disk — the durable
// representation is split across the IdMap, interners, and property B-tree.
type Node struct {
	Internal       InternalNodeId
	External       ExternalId
	PrimaryLabel   LabelId
	SecondaryLabel []LabelId
	Properties     *OrderedMap
	Embedding      []float32
}

// HasLabel reports whether id appears as the node's primary or any
// secondary label.
func (n *Node) HasLabel(id LabelId) bool {
	if n.PrimaryLabel == id {
		return true
	}
	for _, l := range n.SecondaryLabel {
		if l == id {
			return true
		}
	}
	return false
}

// Relationship is the materialized view of a directed edge, including its
// property map. Relationship values appear in query rows; EdgeKey values
// appear in the storage layer's traversal iterators.
type Relationship struct {
	Key        EdgeKey
	Properties *OrderedMap
}

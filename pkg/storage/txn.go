package storage

import (
	"fmt"
	"math"
)

type propOp struct {
	key     []byte
	value   Value
	removed bool
}

type vectorOp struct {
	internal InternalNodeId
	vec      []float32
}

type nodeCreate struct {
	ext      ExternalId
	internal InternalNodeId
	label    LabelId
}

// WriteTxn is the single open write transaction. Every
// mutating method stages a WAL record body and a local delta; nothing is
// visible to readers, and nothing touches disk, until Commit. Abort simply
// discards the staged state, since the engine was never mutated.
type WriteTxn struct {
	engine *GraphEngine
	done   bool

	localNodes map[ExternalId]nodeCreate
	nextLocal  InternalNodeId

	records []Record

	createdEdges   []EdgeKey
	tombstonedEdges []EdgeKey
	tombstonedNodes []InternalNodeId
	props          []propOp
	vectors        []vectorOp
}

// BeginWrite acquires the single writer slot — exactly one writer at a
// time, serialized — blocking until any prior WriteTxn commits or aborts.
func (e *GraphEngine) BeginWrite() *WriteTxn {
	e.writeMu.Lock()
	e.stateMu.RLock()
	next := e.idmap.NextID()
	e.stateMu.RUnlock()
	return &WriteTxn{
		engine:     e,
		localNodes: make(map[ExternalId]nodeCreate),
		nextLocal:  next,
	}
}

func (t *WriteTxn) resolve(ext ExternalId) (InternalNodeId, bool) {
	if nc, ok := t.localNodes[ext]; ok {
		return nc.internal, true
	}
	return t.engine.idmap.Resolve(ext)
}

// CreateNode reserves a fresh internal id bound to ext with primary label
// lbl, failing if ext is already bound.
func (t *WriteTxn) CreateNode(ext ExternalId, lbl LabelId) (InternalNodeId, error) {
	if t.done {
		return 0, ErrClosed
	}
	if _, ok := t.resolve(ext); ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateNode, ext)
	}
	internal := t.nextLocal
	t.nextLocal++
	t.localNodes[ext] = nodeCreate{ext: ext, internal: internal, label: lbl}

	body := appendLenBytes(nil, []byte(ext))
	body = appendBE64(body, uint64(internal))
	body = appendBE32(body, uint32(lbl))
	t.records = append(t.records, Record{Kind: RecCreateNode, Body: body})
	return internal, nil
}

// CreateEdge stages a new (src, rel, dst) edge. Parallel edges are allowed:
// creating the same key twice increases its multiplicity.
func (t *WriteTxn) CreateEdge(k EdgeKey) error {
	if t.done {
		return ErrClosed
	}
	t.createdEdges = append(t.createdEdges, k)
	t.records = append(t.records, Record{Kind: RecCreateEdge, Body: encodeEdgeKeyBody(k)})
	return nil
}

// TombstoneEdge removes one instance of k's multiplicity.
func (t *WriteTxn) TombstoneEdge(k EdgeKey) error {
	if t.done {
		return ErrClosed
	}
	t.tombstonedEdges = append(t.tombstonedEdges, k)
	t.records = append(t.records, Record{Kind: RecTombstoneEdge, Body: encodeEdgeKeyBody(k)})
	return nil
}

// TombstoneNode marks internal as deleted. The caller must have already
// removed every incident edge. This method itself performs
// no incidence check since it operates purely on staged local state — the
// executor is responsible for resolving DETACH DELETE into the matching
// TombstoneEdge calls before calling this.
func (t *WriteTxn) TombstoneNode(internal InternalNodeId) error {
	if t.done {
		return ErrClosed
	}
	t.tombstonedNodes = append(t.tombstonedNodes, internal)
	body := appendBE64(nil, uint64(internal))
	t.records = append(t.records, Record{Kind: RecTombstoneNode, Body: body})
	return nil
}

// SetNodeProperty stages key=value on node internal.
func (t *WriteTxn) SetNodeProperty(internal InternalNodeId, key string, v Value) error {
	return t.setProp(NodePropKey(internal, key), v)
}

// SetEdgeProperty stages key=value on an edge.
func (t *WriteTxn) SetEdgeProperty(k EdgeKey, key string, v Value) error {
	return t.setProp(EdgePropKey(k.Src, k.Rel, k.Dst, key), v)
}

func (t *WriteTxn) setProp(encodedKey []byte, v Value) error {
	if t.done {
		return ErrClosed
	}
	t.props = append(t.props, propOp{key: encodedKey, value: v})
	body := appendLenBytes(nil, encodedKey)
	body = append(body, Encode(v)...)
	t.records = append(t.records, Record{Kind: RecSetProp, Body: body})
	return nil
}

// RemoveNodeProperty stages removal of key from node internal.
func (t *WriteTxn) RemoveNodeProperty(internal InternalNodeId, key string) error {
	return t.removeProp(NodePropKey(internal, key))
}

// RemoveEdgeProperty stages removal of key from an edge.
func (t *WriteTxn) RemoveEdgeProperty(k EdgeKey, key string) error {
	return t.removeProp(EdgePropKey(k.Src, k.Rel, k.Dst, key))
}

func (t *WriteTxn) removeProp(encodedKey []byte) error {
	if t.done {
		return ErrClosed
	}
	t.props = append(t.props, propOp{key: encodedKey, removed: true})
	body := appendLenBytes(nil, encodedKey)
	t.records = append(t.records, Record{Kind: RecRemoveProp, Body: body})
	return nil
}

// SetVector stages an embedding for internal in the vector sidecar.
func (t *WriteTxn) SetVector(internal InternalNodeId, vec []float32) error {
	if t.done {
		return ErrClosed
	}
	t.vectors = append(t.vectors, vectorOp{internal: internal, vec: vec})
	body := appendBE64(nil, uint64(internal))
	body = appendBE32(body, uint32(len(vec)))
	for _, f := range vec {
		body = appendBE32(body, math.Float32bits(f))
	}
	t.records = append(t.records, Record{Kind: RecSetVector, Body: body})
	return nil
}

// Commit writes every staged record to the WAL bracketed by BeginTx/CommitTx,
// syncs, and only then applies the staged deltas to the engine's published
// state: log-before-apply is what makes the crash-consistency guarantee hold.
func (t *WriteTxn) Commit() (*Snapshot, error) {
	if t.done {
		return nil, ErrClosed
	}
	defer t.finish()

	e := t.engine
	txSeq := appendBE64(nil, e.epoch+1)

	if err := e.wal.Append(RecBeginTx, txSeq); err != nil {
		return nil, err
	}
	for _, rec := range t.records {
		if err := e.wal.Append(rec.Kind, rec.Body); err != nil {
			return nil, err
		}
	}
	if err := e.wal.Append(RecCommitTx, txSeq); err != nil {
		return nil, err
	}
	if err := e.wal.Sync(); err != nil {
		return nil, err
	}

	e.stateMu.Lock()
	for _, nc := range t.localNodes {
		e.idmap.Restore(nc.ext, nc.internal, nc.label)
	}
	for _, k := range t.createdEdges {
		e.active.StageCreateEdge(k)
	}
	for _, k := range t.tombstonedEdges {
		e.active.StageTombstoneEdge(k)
	}
	for _, id := range t.tombstonedNodes {
		e.active.StageTombstoneNode(id)
	}
	for _, p := range t.props {
		if p.removed {
			e.active.StageRemoveProp(p.key)
		} else {
			e.active.StageSetProp(p.key, p.value)
		}
	}
	for _, v := range t.vectors {
		e.vectors[v.internal] = v.vec
	}
	e.epoch++
	e.stateMu.Unlock()

	e.maybeFreezeLocked()
	e.stateMu.RLock()
	runCount := len(e.runs)
	e.stateMu.RUnlock()
	if runCount >= e.cfg.L0RunCompactTrigger {
		if err := e.compactLocked(); err != nil {
			return nil, err
		}
	}

	return e.Snapshot(), nil
}

// Abort discards every staged change; nothing durable or visible was ever
// written, so there is nothing to undo.
func (t *WriteTxn) Abort() {
	t.finish()
}

func (t *WriteTxn) finish() {
	if t.done {
		return
	}
	t.done = true
	t.engine.writeMu.Unlock()
}

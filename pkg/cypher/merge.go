package cypher

import (
	"fmt"
	"sort"

	"github.com/nervusdb/nervusdb/pkg/storage"
)

// MergeOverlayState tracks nodes and edges created or deleted earlier in
// the same statement execution but not yet visible through the Snapshot
// taken at the statement's start. Without it, a MERGE that runs once per
// row of an UNWIND would re-read the stale snapshot and create duplicates
// every time, violating MERGE's idempotence guarantee even within a single
// statement. Created entities are recorded under their MERGE key and are
// looked up only by mergeIterator; node scans and expands consult the
// overlay for deletions alone, so a later MATCH in the same statement does
// not see nodes or edges the statement created. Commit() is what makes the
// writes visible to the next statement.
type MergeOverlayState struct {
	createdByKey    map[string]Value
	tombstonedNodes map[storage.InternalNodeId]bool
	tombstonedEdges map[storage.EdgeKey]bool
}

func NewMergeOverlayState() *MergeOverlayState {
	return &MergeOverlayState{
		createdByKey:    map[string]Value{},
		tombstonedNodes: map[storage.InternalNodeId]bool{},
		tombstonedEdges: map[storage.EdgeKey]bool{},
	}
}

func (m *MergeOverlayState) isTombstonedNode(id storage.InternalNodeId) bool {
	if m == nil {
		return false
	}
	return m.tombstonedNodes[id]
}

func (m *MergeOverlayState) isTombstonedEdge(ek storage.EdgeKey) bool {
	if m == nil {
		return false
	}
	return m.tombstonedEdges[ek]
}

func (m *MergeOverlayState) recordTombstoneNode(id storage.InternalNodeId) {
	if m == nil {
		return
	}
	m.tombstonedNodes[id] = true
}

func (m *MergeOverlayState) recordTombstoneEdge(ek storage.EdgeKey) {
	if m == nil {
		return
	}
	m.tombstonedEdges[ek] = true
}

func (m *MergeOverlayState) lookup(key string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	v, ok := m.createdByKey[key]
	return v, ok
}

func (m *MergeOverlayState) record(key string, v Value) {
	if m == nil {
		return
	}
	m.createdByKey[key] = v
}

// mergeIterator implements MERGE pattern: for each input row it tries to
// find a match, applying ON MATCH SET; failing that it creates the pattern
// and applies ON CREATE SET. Only single-node MERGE patterns are supported;
// merging a relationship pattern is NotImplemented.
type mergeIterator struct {
	env    *Env
	src    RowIterator
	clause *MergeClause
}

func (it *mergeIterator) Next() (Row, bool, error) {
	row, ok, err := it.src.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	if len(it.clause.Pattern.Rels) > 0 {
		return nil, false, fmt.Errorf("%w: MERGE of a relationship pattern", ErrNotImplemented)
	}
	np := it.clause.Pattern.Nodes[0]
	key, propVals, err := mergeCanonicalKey(np, it.env.evalCtx(row))
	if err != nil {
		return nil, false, err
	}

	if cached, ok := it.env.Overlay.lookup(key); ok {
		newRow := row.clone()
		if np.Variable != "" {
			newRow[np.Variable] = cached
		}
		return it.applySetItems(newRow, it.clause.OnMatch)
	}

	found, err := it.matchExisting(np, propVals)
	if err != nil {
		return nil, false, err
	}
	if found != nil {
		it.env.Overlay.record(key, *found)
		newRow := row.clone()
		if np.Variable != "" {
			newRow[np.Variable] = *found
		}
		return it.applySetItems(newRow, it.clause.OnMatch)
	}

	created, err := it.createNode(np, propVals)
	if err != nil {
		return nil, false, err
	}
	it.env.Overlay.record(key, created)
	newRow := row.clone()
	if np.Variable != "" {
		newRow[np.Variable] = created
	}
	return it.applySetItems(newRow, it.clause.OnCreate)
}

func (it *mergeIterator) applySetItems(row Row, items []SetItem) (Row, bool, error) {
	for _, item := range items {
		if err := applySetItem(it.env, row, item); err != nil {
			return nil, false, err
		}
	}
	return row, true, nil
}

func (it *mergeIterator) matchExisting(np NodePattern, propVals map[string]Value) (*Value, error) {
	var candidates []storage.InternalNodeId
	if len(np.Labels) > 0 {
		lbl, ok := it.env.Snap.LabelID(np.Labels[0])
		if !ok {
			return nil, nil
		}
		for _, id := range it.env.Snap.Nodes() {
			if l, _ := it.env.Snap.NodeLabel(id); l == lbl {
				candidates = append(candidates, id)
			}
		}
	} else {
		candidates = it.env.Snap.Nodes()
	}
	for _, id := range candidates {
		if it.env.Overlay.isTombstonedNode(id) {
			continue
		}
		matched := true
		for k, want := range propVals {
			got, ok, err := it.env.Snap.NodeProperty(id, k)
			if err != nil {
				return nil, err
			}
			if !ok {
				matched = false
				break
			}
			eq, known := Equal(ValueFromStorage(got), want)
			if !known || !eq {
				matched = false
				break
			}
		}
		if matched {
			v, err := materializeNode(it.env.Snap, id)
			if err != nil {
				return nil, err
			}
			return &v, nil
		}
	}
	return nil, nil
}

func (it *mergeIterator) createNode(np NodePattern, propVals map[string]Value) (Value, error) {
	if it.env.Txn == nil {
		return Value{}, fmt.Errorf("%w: MERGE requires a write transaction", ErrInvalidArgument)
	}
	return createNodeFromPattern(it.env, np, propVals)
}

// mergeCanonicalKey produces a stable string key for the overlay map from a
// MERGE node pattern's labels and literal property values, so repeated
// MERGEs against the identical pattern within one statement resolve to the
// same created entity.
func mergeCanonicalKey(np NodePattern, ctx *EvalContext) (string, map[string]Value, error) {
	propVals, err := evalMapLiteral(np.Properties, ctx)
	if err != nil {
		return "", nil, err
	}
	key := fmt.Sprintf("%v|", np.Labels)
	keys := make([]string, 0, len(propVals))
	for k := range propVals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key += fmt.Sprintf("%s=%v;", k, hashKey(propVals[k]))
	}
	return key, propVals, nil
}

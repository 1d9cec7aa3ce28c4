package storage

import (
	"fmt"
	"sync"
)

// idMapEntry is the durable payload of an ExternalId -> InternalNodeId
// binding plus the node's primary label, .
type idMapEntry struct {
	Internal InternalNodeId
	Primary  LabelId
}

// IdMap maintains the bijection between caller-visible ExternalId and the
// engine's dense InternalNodeId. Internal ids are assigned from a
// monotonically increasing counter and are never reused, even after the
// external id is tombstoned.
type IdMap struct {
	mu      sync.RWMutex
	fwd     map[ExternalId]idMapEntry
	rev     map[InternalNodeId]ExternalId
	counter InternalNodeId
}

func NewIdMap() *IdMap {
	return &IdMap{fwd: make(map[ExternalId]idMapEntry), rev: make(map[InternalNodeId]ExternalId)}
}

// Assign binds a fresh InternalNodeId to ext with primary label lbl. It
// fails if ext is already bound.
func (m *IdMap) Assign(ext ExternalId, lbl LabelId) (InternalNodeId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fwd[ext]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateNode, ext)
	}
	m.counter++
	id := m.counter
	m.fwd[ext] = idMapEntry{Internal: id, Primary: lbl}
	m.rev[id] = ext
	return id, nil
}

// Restore re-binds ext<->internal during WAL replay, where internal was
// already durably assigned and the counter must advance past it.
func (m *IdMap) Restore(ext ExternalId, internal InternalNodeId, lbl LabelId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fwd[ext] = idMapEntry{Internal: internal, Primary: lbl}
	m.rev[internal] = ext
	if internal > m.counter {
		m.counter = internal
	}
}

// SetPrimaryLabel updates the primary label recorded for an already-assigned
// internal id (used by AddLabel/RemoveLabel replay when the primary label
// itself changes — rare, but the map must stay authoritative).
func (m *IdMap) SetPrimaryLabel(internal InternalNodeId, lbl LabelId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ext, ok := m.rev[internal]; ok {
		e := m.fwd[ext]
		e.Primary = lbl
		m.fwd[ext] = e
	}
}

// Resolve returns the internal id bound to ext.
func (m *IdMap) Resolve(ext ExternalId) (InternalNodeId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.fwd[ext]
	return e.Internal, ok
}

// ResolveExternal returns the external id bound to internal.
func (m *IdMap) ResolveExternal(internal InternalNodeId) (ExternalId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rev[internal]
	return e, ok
}

// PrimaryLabel returns the primary label recorded at assignment time.
func (m *IdMap) PrimaryLabel(internal InternalNodeId) (LabelId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ext, ok := m.rev[internal]
	if !ok {
		return 0, false
	}
	return m.fwd[ext].Primary, true
}

// NextID returns the next internal id that Assign would hand out.
func (m *IdMap) NextID() InternalNodeId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counter + 1
}

// Snapshot returns an immutable-for-the-caller copy of the current bindings.
// Copying is (ids are small and cheap); a production-scale implementation
// would instead share a persistent/COW map, but this is sufficient for the
// snapshot-isolation contract a reader needs.
func (m *IdMap) Snapshot() *IdMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := &IdMap{
		fwd:     make(map[ExternalId]idMapEntry, len(m.fwd)),
		rev:     make(map[InternalNodeId]ExternalId, len(m.rev)),
		counter: m.counter,
	}
	for k, v := range m.fwd {
		out.fwd[k] = v
	}
	for k, v := range m.rev {
		out.rev[k] = v
	}
	return out
}

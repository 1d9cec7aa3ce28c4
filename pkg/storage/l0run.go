package storage

import "sync/atomic"

// L0Run is a frozen, read-only former MemTable awaiting compaction.
// Freezing atomically swaps the active MemTable for a fresh empty
// one; the frozen copy becomes the newest L0Run and is the unit readers
// merge until compaction folds it into a CSR segment.
type L0Run struct {
	data *MemTable
	seq  uint64 // freeze order; runs are read newest-first

	refs atomic.Int32 // live Snapshot references; compaction may only
	// retire a run after the last snapshot observing it drops.
}

func freezeMemTable(m *MemTable, seq uint64) *L0Run {
	return &L0Run{data: m.snapshotCopy(), seq: seq}
}

func (r *L0Run) Acquire() { r.refs.Add(1) }
func (r *L0Run) Release() { r.refs.Add(-1) }
func (r *L0Run) RefCount() int32 { return r.refs.Load() }

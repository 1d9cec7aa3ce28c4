package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"github.com/nervusdb/nervusdb/pkg/logging"
)

// EngineConfig holds the tunables exposed when opening a database.
type EngineConfig struct {
	PageSize            int
	MemTableFreezeOps   int // flush the active MemTable to an L0 run after this many staged ops
	L0RunCompactTrigger int // compact once this many frozen runs have piled up
	CachePages          int // ristretto page-cache capacity

	// WALGroupCommitWindowUS is the group-commit coalescing window. With a
	// single writer there is never more than one in-flight commit to
	// coalesce, so this is parsed and validated but does not change
	// Commit's always-sync-immediately behavior; it is kept for parity with
	// the recognized-at-open option set and for a future multi-writer mode.
	WALGroupCommitWindowUS int
}

// DefaultEngineConfig returns the engine's out-of-the-box tunables.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PageSize:               4096,
		MemTableFreezeOps:      4096,
		L0RunCompactTrigger:    4,
		CachePages:             16384,
		WALGroupCommitWindowUS: 0,
	}
}

// GraphEngine is the single-writer, many-reader orchestrator over a
// <db>.ndb/<db>.wal pair. Exactly one WriteTxn may be open at a
// time; BeginWrite blocks until any prior writer commits or aborts. Readers
// call Snapshot at any time and never block on a writer, since a writer's
// mutations are only published into the read-visible state at Commit.
type GraphEngine struct {
	cfg EngineConfig
	log *logging.Logger

	pager     *Pager
	wal       *WAL
	blobStore *BlobStore
	btree     *BTree

	writeMu sync.Mutex // held for the lifetime of one open WriteTxn

	stateMu   sync.RWMutex // guards everything below
	idmap     *IdMap
	labels    *LabelInterner
	relTypes  *RelTypeInterner
	active    *MemTable
	runs      []*L0Run // newest first
	segments  []*Segment // newest first
	propsRoot PageId
	nextSeq   uint64
	epoch     uint64
	vectors   map[InternalNodeId][]float32
}

// Open opens or creates the database rooted at dir/name.ndb + dir/name.wal,
// replaying the WAL to reconstruct the in-memory write buffer on top of the
// last published manifest.
func Open(dir, name string, cfg EngineConfig) (*GraphEngine, error) {
	if cfg.PageSize == 0 {
		cfg = DefaultEngineConfig()
	}
	ndbPath := filepath.Join(dir, name+".ndb")
	walPath := filepath.Join(dir, name+".wal")

	pager, err := OpenPagerWithCache(ndbPath, cfg.PageSize, cfg.CachePages)
	if err != nil {
		return nil, err
	}
	blobStore, err := NewBlobStore(pager)
	if err != nil {
		pager.Close()
		return nil, err
	}
	btreeIdx := NewBTree(pager)

	e := &GraphEngine{
		cfg:       cfg,
		log:       logging.Default(),
		pager:     pager,
		blobStore: blobStore,
		btree:     btreeIdx,
		idmap:     NewIdMap(),
		labels:    NewLabelInterner(),
		relTypes:  NewRelTypeInterner(),
		active:    NewMemTable(),
		propsRoot: pager.Header().BTreeRootHint,
		vectors:   make(map[InternalNodeId][]float32),
	}
	if e.propsRoot == 0 {
		root, err := btreeIdx.EmptyRoot()
		if err != nil {
			pager.Close()
			return nil, err
		}
		e.propsRoot = root
	}

	replay, err := ReplayWAL(walPath)
	if err != nil {
		pager.Close()
		return nil, err
	}
	if err := e.applyReplay(replay.Records); err != nil {
		pager.Close()
		return nil, err
	}

	wal, err := OpenWAL(walPath)
	if err != nil {
		pager.Close()
		return nil, err
	}
	e.wal = wal
	e.log.Info("engine", "opened", logging.Fields("db", ndbPath, "replayed_records", len(replay.Records), "torn", replay.Torn))
	return e, nil
}

// SetLogger replaces the engine's logger. Must be called before any
// concurrent use begins.
func (e *GraphEngine) SetLogger(l *logging.Logger) {
	e.log = l
}

func (e *GraphEngine) applyReplay(recs []Record) error {
	for _, rec := range recs {
		switch rec.Kind {
		case RecBeginTx, RecCommitTx, RecAbortTx:
			// Tx framing markers carry no state of their own.
		case RecCreateLabel:
			name, _, err := readLenBytes(rec.Body)
			if err != nil {
				return err
			}
			if len(rec.Body) < 4+len(name) {
				return fmt.Errorf("%w: truncated CreateLabel record", ErrCorruption)
			}
			id := LabelId(binary.BigEndian.Uint32(rec.Body[4+len(name):]))
			e.labels.Restore(string(name), id)
		case RecCreateRelType:
			name, _, err := readLenBytes(rec.Body)
			if err != nil {
				return err
			}
			if len(rec.Body) < 4+len(name) {
				return fmt.Errorf("%w: truncated CreateRelType record", ErrCorruption)
			}
			id := RelTypeId(binary.BigEndian.Uint32(rec.Body[4+len(name):]))
			e.relTypes.Restore(string(name), id)
		case RecCreateNode:
			ext, rest, err := readLenBytes(rec.Body)
			if err != nil {
				return err
			}
			if len(rest) < 12 {
				return fmt.Errorf("%w: truncated CreateNode record", ErrCorruption)
			}
			internal := InternalNodeId(binary.BigEndian.Uint64(rest[0:8]))
			label := LabelId(binary.BigEndian.Uint32(rest[8:12]))
			e.idmap.Restore(ExternalId(ext), internal, label)
		case RecAddLabel, RecRemoveLabel:
			if len(rec.Body) < 12 {
				return fmt.Errorf("%w: truncated label-edit record", ErrCorruption)
			}
			internal := InternalNodeId(binary.BigEndian.Uint64(rec.Body[0:8]))
			label := LabelId(binary.BigEndian.Uint32(rec.Body[8:12]))
			if rec.Kind == RecAddLabel {
				e.idmap.SetPrimaryLabel(internal, label)
			}
		case RecTombstoneNode:
			if len(rec.Body) < 8 {
				return fmt.Errorf("%w: truncated TombstoneNode record", ErrCorruption)
			}
			e.active.StageTombstoneNode(InternalNodeId(binary.BigEndian.Uint64(rec.Body[0:8])))
		case RecCreateEdge, RecTombstoneEdge:
			k, err := decodeEdgeKeyBody(rec.Body)
			if err != nil {
				return err
			}
			if rec.Kind == RecCreateEdge {
				e.active.StageCreateEdge(k)
			} else {
				e.active.StageTombstoneEdge(k)
			}
		case RecSetProp:
			key, rest, err := readLenBytes(rec.Body)
			if err != nil {
				return err
			}
			v, err := Decode(rest)
			if err != nil {
				return err
			}
			e.active.StageSetProp(key, v)
		case RecRemoveProp:
			key, _, err := readLenBytes(rec.Body)
			if err != nil {
				return err
			}
			e.active.StageRemoveProp(key)
		case RecSetVector:
			if len(rec.Body) < 12 {
				return fmt.Errorf("%w: truncated SetVector record", ErrCorruption)
			}
			internal := InternalNodeId(binary.BigEndian.Uint64(rec.Body[0:8]))
			n := binary.BigEndian.Uint32(rec.Body[8:12])
			rest := rec.Body[12:]
			if len(rest) < int(n)*4 {
				return fmt.Errorf("%w: truncated SetVector payload", ErrCorruption)
			}
			vec := make([]float32, n)
			for i := uint32(0); i < n; i++ {
				vec[i] = math.Float32frombits(binary.BigEndian.Uint32(rest[i*4 : i*4+4]))
			}
			e.vectors[internal] = vec
		case RecManifestSwitch:
			m, err := DecodeManifest(rec.Body)
			if err != nil {
				return err
			}
			segs := make([]*Segment, 0, len(m.SegmentMetas))
			for i := len(m.SegmentMetas) - 1; i >= 0; i-- { // oldest-first on disk -> newest-first in memory
				seg, err := LoadSegment(e.pager, m.SegmentMetas[i])
				if err != nil {
					return err
				}
				segs = append(segs, seg)
			}
			e.segments = segs
			e.propsRoot = m.PropsRoot
			e.active = NewMemTable()
			e.runs = nil
			e.epoch = m.Epoch
		case RecCheckpoint:
			// Marks a fsync boundary only; no state change on replay.
		default:
			return fmt.Errorf("%w: unknown WAL record kind %d", ErrWALProtocol, rec.Kind)
		}
	}
	return nil
}

func decodeEdgeKeyBody(body []byte) (EdgeKey, error) {
	if len(body) < 20 {
		return EdgeKey{}, fmt.Errorf("%w: truncated edge record", ErrCorruption)
	}
	return EdgeKey{
		Src: InternalNodeId(binary.BigEndian.Uint64(body[0:8])),
		Rel: RelTypeId(binary.BigEndian.Uint32(body[8:12])),
		Dst: InternalNodeId(binary.BigEndian.Uint64(body[12:20])),
	}, nil
}

func encodeEdgeKeyBody(k EdgeKey) []byte {
	buf := make([]byte, 0, 20)
	buf = appendBE64(buf, uint64(k.Src))
	buf = appendBE32(buf, uint32(k.Rel))
	buf = appendBE64(buf, uint64(k.Dst))
	return buf
}

// Snapshot pins the current published state for MVCC reads.
func (e *GraphEngine) Snapshot() *Snapshot {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	runs := append([]*L0Run(nil), e.runs...)
	if len(e.active.outEdges) > 0 || len(e.active.inEdges) > 0 || len(e.active.props) > 0 || e.active.tombstonedNodes.GetCardinality() > 0 {
		runs = append([]*L0Run{freezeMemTable(e.active, e.nextSeq+1)}, runs...)
	}
	for _, r := range runs {
		r.Acquire()
	}
	segs := append([]*Segment(nil), e.segments...)
	vectors := make(map[InternalNodeId][]float32, len(e.vectors))
	for id, v := range e.vectors {
		vectors[id] = v
	}

	return &Snapshot{
		runs:      runs,
		segments:  segs,
		idmap:     e.idmap.Snapshot(),
		labels:    e.labels.Snapshot(),
		relTypes:  e.relTypes.Snapshot(),
		propsRoot: e.propsRoot,
		vectors:   vectors,
		btree:     e.btree,
		blobStore: e.blobStore,
	}
}

// EnsureLabel interns name, durably recording a fresh assignment before
// returning. Label/rel-type assignment is always durable, independent of
// any open write transaction.
func (e *GraphEngine) EnsureLabel(name string) (LabelId, error) {
	e.stateMu.Lock()
	id, created := e.labels.Intern(name)
	e.stateMu.Unlock()
	if !created {
		return id, nil
	}
	body := appendLenBytes(nil, []byte(name))
	body = appendBE32(body, uint32(id))
	if err := e.wal.Append(RecCreateLabel, body); err != nil {
		return 0, err
	}
	return id, e.wal.Sync()
}

// EnsureRelType is EnsureLabel's twin for relationship type names.
func (e *GraphEngine) EnsureRelType(name string) (RelTypeId, error) {
	e.stateMu.Lock()
	id, created := e.relTypes.Intern(name)
	e.stateMu.Unlock()
	if !created {
		return id, nil
	}
	body := appendLenBytes(nil, []byte(name))
	body = appendBE32(body, uint32(id))
	if err := e.wal.Append(RecCreateRelType, body); err != nil {
		return 0, err
	}
	return id, e.wal.Sync()
}

// Close appends a Checkpoint record to the WAL and closes the WAL and the
// pager. The active MemTable is not flushed; its deltas are rebuilt by the
// next open's replay.
func (e *GraphEngine) Close() error {
	if err := e.CheckpointOnClose(); err != nil {
		return err
	}
	if err := e.wal.Close(); err != nil {
		return err
	}
	err := e.pager.Close()
	e.log.Info("engine", "closed", nil)
	return err
}

// CheckpointOnClose appends a Checkpoint record marking the WAL offset a
// future open can trust as a backup start point without replaying the
// entire log (see DESIGN.md's open-question notes on backup offsets).
func (e *GraphEngine) CheckpointOnClose() error {
	e.stateMu.RLock()
	epoch := e.epoch
	e.stateMu.RUnlock()
	body := appendBE64(nil, epoch)
	if err := e.wal.Append(RecCheckpoint, body); err != nil {
		return err
	}
	return e.wal.Sync()
}

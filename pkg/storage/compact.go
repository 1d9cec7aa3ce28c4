package storage

import "github.com/nervusdb/nervusdb/pkg/logging"

// maybeFreezeLocked freezes the active MemTable into a new newest L0Run once
// it has accumulated enough staged operations. Caller must hold
// writeMu; acquires stateMu itself.
func (e *GraphEngine) maybeFreezeLocked() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	ops := 0
	for _, edges := range e.active.outEdges {
		ops += len(edges)
	}
	ops += len(e.active.tombstonedEdges)
	ops += len(e.active.props)
	ops += int(e.active.tombstonedNodes.GetCardinality())
	if ops < e.cfg.MemTableFreezeOps {
		return
	}

	e.nextSeq++
	run := freezeMemTable(e.active, e.nextSeq)
	e.runs = append([]*L0Run{run}, e.runs...)
	e.active = NewMemTable()
}

// Compact acquires the writer slot and folds every frozen L0 run, plus the
// existing segments, into a single new CSR segment and a refreshed property
// B-tree. It is safe to call at any time; readers holding an older Snapshot
// keep their pinned runs/segments alive via refcounting and are unaffected.
func (e *GraphEngine) Compact() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.compactLocked()
}

func (e *GraphEngine) compactLocked() error {
	e.stateMu.Lock()
	if len(e.active.outEdges) > 0 || len(e.active.inEdges) > 0 || len(e.active.props) > 0 || e.active.tombstonedNodes.GetCardinality() > 0 || len(e.active.tombstonedEdges) > 0 {
		e.nextSeq++
		e.runs = append([]*L0Run{freezeMemTable(e.active, e.nextSeq)}, e.runs...)
		e.active = NewMemTable()
	}
	runsToMerge := append([]*L0Run(nil), e.runs...)
	oldSegments := append([]*Segment(nil), e.segments...)
	propsRoot := e.propsRoot
	e.stateMu.Unlock()

	if len(runsToMerge) == 0 {
		return nil
	}
	e.log.Info("compact", "starting", logging.Fields("runs", len(runsToMerge), "segments", len(oldSegments)))

	// Flush property deltas into the durable B-tree, oldest run first so a
	// newer run's delta for the same key wins.
	for i := len(runsToMerge) - 1; i >= 0; i-- {
		r := runsToMerge[i]
		r.data.mu.Lock()
		for keyStr, delta := range r.data.props {
			key := []byte(keyStr)
			if delta.removed {
				root, _, _, err := e.btree.Delete(propsRoot, key)
				if err != nil {
					r.data.mu.Unlock()
					return err
				}
				propsRoot = root
				continue
			}
			raw := Encode(delta.value)
			blobID, err := e.blobStore.PutOverflow(raw)
			if err != nil {
				r.data.mu.Unlock()
				return err
			}
			root, _, _, err := e.btree.Insert(propsRoot, key, blobID)
			if err != nil {
				r.data.mu.Unlock()
				return err
			}
			propsRoot = root
		}
		r.data.mu.Unlock()
	}

	e.stateMu.Lock()
	e.nextSeq++
	seq := e.nextSeq
	e.stateMu.Unlock()

	// Every existing segment is folded into merged, so none survives to
	// reintroduce a tombstoned key.
	merged := BuildSegment(runsToMerge, oldSegments, seq, nil)
	for _, seg := range oldSegments {
		if seg.TombstonedNodes != nil {
			merged.TombstonedNodes.Or(seg.TombstonedNodes)
		}
	}
	if err := merged.Persist(e.pager); err != nil {
		return err
	}

	newSegments := []*Segment{merged}
	metas := make([]PageId, 0, len(newSegments))
	for i := len(newSegments) - 1; i >= 0; i-- { // persist oldest-first on disk
		metas = append(metas, newSegments[i].MetaPageID)
	}

	e.stateMu.RLock()
	nextID := e.idmap.NextID()
	e.stateMu.RUnlock()

	manifest := &Manifest{
		Epoch:        e.epoch + 1,
		SegmentMetas: metas,
		PropsRoot:    propsRoot,
		NextNodeID:   nextID,
	}
	if err := e.wal.Append(RecManifestSwitch, manifest.Encode()); err != nil {
		return err
	}
	if err := e.wal.Sync(); err != nil {
		return err
	}
	e.pager.SetBTreeRoot(propsRoot)
	if err := e.pager.Sync(); err != nil {
		return err
	}

	e.stateMu.Lock()
	e.segments = newSegments
	e.runs = nil
	e.propsRoot = propsRoot
	e.epoch = manifest.Epoch
	e.stateMu.Unlock()
	e.log.Info("compact", "finished", logging.Fields("epoch", manifest.Epoch, "segments", len(newSegments)))
	return nil
}

// segmentContainsEdge reports whether seg's forward CSR still holds k,
// independent of seg's own tombstone set.
func segmentContainsEdge(seg *Segment, k EdgeKey) bool {
	for _, e := range seg.Outgoing(k.Src, k.Rel) {
		if e == k {
			return true
		}
	}
	return false
}

package storage

import (
	"fmt"
	"os"

	"github.com/nervusdb/nervusdb/pkg/logging"
	"github.com/pierrec/lz4/v4"
)

// Vacuum compacts every outstanding run into a segment, then rewrites the
// WAL to a compact baseline: just enough CreateLabel/CreateRelType/CreateNode
// records to reconstruct the interners and id-map on the next open, followed
// by the current ManifestSwitch. This "rebases" the WAL, swapping years of
// incremental WAL growth for one small baseline. If archiveOldWAL is set, the WAL being replaced is first
// lz4-compressed next to it as "<name>.wal.lz4" rather than discarded.
func (e *GraphEngine) Vacuum(archiveOldWAL bool) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.compactLocked(); err != nil {
		return err
	}

	walPath := e.wal.file.Name()

	if archiveOldWAL {
		if err := archiveWAL(walPath); err != nil {
			return err
		}
	}

	if err := e.wal.Close(); err != nil {
		return err
	}

	tmpPath := walPath + ".rebase"
	tmpWAL, err := OpenWAL(tmpPath)
	if err != nil {
		return err
	}

	e.stateMu.RLock()
	labelSnap := e.labels.Snapshot()
	relSnap := e.relTypes.Snapshot()
	idSnap := e.idmap.Snapshot()
	segMetas := make([]PageId, 0, len(e.segments))
	for i := len(e.segments) - 1; i >= 0; i-- {
		segMetas = append(segMetas, e.segments[i].MetaPageID)
	}
	propsRoot := e.propsRoot
	epoch := e.epoch
	e.stateMu.RUnlock()

	for id, n := range labelSnap {
		body := appendLenBytes(nil, []byte(n))
		body = appendBE32(body, uint32(id))
		if err := tmpWAL.Append(RecCreateLabel, body); err != nil {
			return err
		}
	}
	for id, n := range relSnap {
		body := appendLenBytes(nil, []byte(n))
		body = appendBE32(body, uint32(id))
		if err := tmpWAL.Append(RecCreateRelType, body); err != nil {
			return err
		}
	}
	for internal, ext := range idSnap.rev {
		lbl := idSnap.fwd[ext].Primary
		body := appendLenBytes(nil, []byte(ext))
		body = appendBE64(body, uint64(internal))
		body = appendBE32(body, uint32(lbl))
		if err := tmpWAL.Append(RecCreateNode, body); err != nil {
			return err
		}
	}

	manifest := &Manifest{Epoch: epoch, SegmentMetas: segMetas, PropsRoot: propsRoot, NextNodeID: idSnap.NextID()}
	if err := tmpWAL.Append(RecManifestSwitch, manifest.Encode()); err != nil {
		return err
	}
	if err := tmpWAL.Sync(); err != nil {
		return err
	}
	if err := tmpWAL.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, walPath); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	newWAL, err := OpenWAL(walPath)
	if err != nil {
		return err
	}
	e.wal = newWAL
	e.log.Info("vacuum", "rebased wal", logging.Fields("labels", len(labelSnap), "rel_types", len(relSnap), "nodes", len(idSnap.rev), "archived", archiveOldWAL))
	return nil
}

func archiveWAL(walPath string) error {
	raw, err := os.ReadFile(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, compressed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.WriteFile(walPath+".lz4", compressed[:n], 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

package storage

import (
	"encoding/binary"
	"fmt"
)

// Manifest is the durable record of what a consistent database state is
// made of: the page ids of every live CSR segment (oldest first), the
// property B-tree root, the id-map/interner watermark, and the WAL offset
// at which replay may stop trusting segments and must start replaying
// records. A ManifestSwitch WAL record carries exactly this
// payload; applying it atomically retires the previous manifest.
type Manifest struct {
	Epoch        uint64
	SegmentMetas []PageId // oldest first
	PropsRoot    PageId
	NextNodeID   InternalNodeId
	WALOffset    int64
}

// Encode serializes a manifest for embedding in a RecManifestSwitch body.
func (m *Manifest) Encode() []byte {
	buf := make([]byte, 0, 32+len(m.SegmentMetas)*8)
	buf = appendBE64(buf, m.Epoch)
	buf = appendBE32(buf, uint32(len(m.SegmentMetas)))
	for _, p := range m.SegmentMetas {
		buf = appendBE64(buf, uint64(p))
	}
	buf = appendBE64(buf, uint64(m.PropsRoot))
	buf = appendBE64(buf, uint64(m.NextNodeID))
	buf = appendBE64(buf, uint64(m.WALOffset))
	return buf
}

// DecodeManifest parses a RecManifestSwitch body back into a Manifest.
func DecodeManifest(raw []byte) (*Manifest, error) {
	if len(raw) < 12 {
		return nil, fmt.Errorf("%w: truncated manifest", ErrCorruption)
	}
	epoch := binary.BigEndian.Uint64(raw[0:8])
	n := binary.BigEndian.Uint32(raw[8:12])
	raw = raw[12:]
	metas := make([]PageId, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(raw) < 8 {
			return nil, fmt.Errorf("%w: truncated manifest segment list", ErrCorruption)
		}
		metas = append(metas, PageId(binary.BigEndian.Uint64(raw[0:8])))
		raw = raw[8:]
	}
	if len(raw) < 24 {
		return nil, fmt.Errorf("%w: truncated manifest tail", ErrCorruption)
	}
	propsRoot := PageId(binary.BigEndian.Uint64(raw[0:8]))
	nextID := InternalNodeId(binary.BigEndian.Uint64(raw[8:16]))
	walOffset := int64(binary.BigEndian.Uint64(raw[16:24]))
	return &Manifest{
		Epoch:        epoch,
		SegmentMetas: metas,
		PropsRoot:    propsRoot,
		NextNodeID:   nextID,
		WALOffset:    walOffset,
	}, nil
}

package storage

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/klauspost/compress/zstd"
)

// Segment is an immutable on-disk edge index in Compressed Sparse Row form
//: a contiguous source-id range [MinSrc, MaxSrc], a forward CSR
// index sorted by (src, rel, dst), and a symmetric reverse index sorted by
// (dst, rel, src) for incoming traversal.
type Segment struct {
	MinSrc, MaxSrc InternalNodeId

	Offsets []uint64 // length MaxSrc-MinSrc+2, last entry is a sentinel
	Edges   []EdgeKey

	InOffsets []uint64
	InEdges   []EdgeKey

	// Tombstones dropped during a prior compaction are gone; those that
	// survive because an older segment in the manifest could still
	// reintroduce the key stay here.
	TombstonedEdges map[EdgeKey]int32
	TombstonedNodes *roaring64.Bitmap

	MetaPageID PageId
	Seq        uint64

	inMinDst InternalNodeId // base of the InOffsets index range
	refs     refCounter
}

type refCounter struct{ n int32 }

func (r *refCounter) Acquire() { r.n++ }
func (r *refCounter) Release() { r.n-- }

// BuildSegment merges one or more L0 runs (newest-first) and an optional
// set of existing segments into a new CSR segment.
// A tombstone is kept in the new segment only when tombstoneMayReappear
// reports that a segment outside the compaction set could reintroduce its
// key; with a nil tombstoneMayReappear every tombstone is dropped.
func BuildSegment(runs []*L0Run, olderKeptSegments []*Segment, seq uint64, tombstoneMayReappear func(EdgeKey) bool) *Segment {
	type acc struct {
		mult int32
	}
	out := make(map[EdgeKey]*acc)
	tombMult := make(map[EdgeKey]int32)
	liveNodes := roaring64.New()
	tombNodes := roaring64.New()

	// Runs are merged newest-first so a newer run's tombstone masks an
	// older run's create, per read-merge order.
	for _, r := range runs {
		r.data.mu.Lock()
		for src, edges := range r.data.outEdges {
			for k, mult := range edges {
				if _, ok := out[k]; !ok {
					out[k] = &acc{}
				}
				out[k].mult += mult
			}
			_ = src
		}
		for k, mult := range r.data.tombstonedEdges {
			tombMult[k] += mult
		}
		iter := r.data.tombstonedNodes.Iterator()
		for iter.HasNext() {
			tombNodes.Add(iter.Next())
		}
		r.data.mu.Unlock()
	}

	for _, seg := range olderKeptSegments {
		for _, k := range seg.Edges {
			if _, ok := out[k]; !ok {
				out[k] = &acc{}
			}
			out[k].mult++
		}
	}

	var keys []EdgeKey
	for k, a := range out {
		net := a.mult - tombMult[k]
		if net <= 0 {
			continue
		}
		for i := int32(0); i < net; i++ {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	survivingTombstones := make(map[EdgeKey]int32)
	for k, mult := range tombMult {
		if tombstoneMayReappear != nil && tombstoneMayReappear(k) {
			survivingTombstones[k] = mult
		}
	}

	var minSrc, maxSrc InternalNodeId
	if len(keys) > 0 {
		minSrc, maxSrc = keys[0].Src, keys[len(keys)-1].Src
	}

	seg := &Segment{
		MinSrc:          minSrc,
		MaxSrc:          maxSrc,
		Edges:           keys,
		TombstonedEdges: survivingTombstones,
		TombstonedNodes: tombNodes,
		Seq:             seq,
	}
	seg.buildOffsets()

	inKeys := append([]EdgeKey(nil), keys...)
	sort.Slice(inKeys, func(i, j int) bool { return LessIncoming(inKeys[i], inKeys[j]) })
	seg.InEdges = inKeys
	seg.buildInOffsets()

	return seg
}

func (s *Segment) buildOffsets() {
	if len(s.Edges) == 0 {
		s.Offsets = []uint64{0, 0}
		return
	}
	n := int(s.MaxSrc-s.MinSrc) + 2
	offsets := make([]uint64, n)
	ei := 0
	for i := 0; i < n-1; i++ {
		src := s.MinSrc + InternalNodeId(i)
		offsets[i] = uint64(ei)
		for ei < len(s.Edges) && s.Edges[ei].Src == src {
			ei++
		}
	}
	offsets[n-1] = uint64(len(s.Edges))
	s.Offsets = offsets
}

func (s *Segment) buildInOffsets() {
	if len(s.InEdges) == 0 {
		s.InOffsets = []uint64{0, 0}
		return
	}
	minDst, maxDst := s.InEdges[0].Dst, s.InEdges[len(s.InEdges)-1].Dst
	n := int(maxDst-minDst) + 2
	offsets := make([]uint64, n)
	ei := 0
	for i := 0; i < n-1; i++ {
		dst := minDst + InternalNodeId(i)
		offsets[i] = uint64(ei)
		for ei < len(s.InEdges) && s.InEdges[ei].Dst == dst {
			ei++
		}
	}
	offsets[n-1] = uint64(len(s.InEdges))
	s.InOffsets = offsets
	s.inMinDst = minDst
}

// Outgoing returns the slice of s.Edges for src (and optionally rel).
func (s *Segment) Outgoing(src InternalNodeId, rel RelTypeId) []EdgeKey {
	if src < s.MinSrc || src > s.MaxSrc || len(s.Offsets) < 2 {
		return nil
	}
	i := int(src - s.MinSrc)
	start, end := s.Offsets[i], s.Offsets[i+1]
	all := s.Edges[start:end]
	if rel == 0 {
		return all
	}
	lo := sort.Search(len(all), func(j int) bool { return all[j].Rel >= rel })
	hi := sort.Search(len(all), func(j int) bool { return all[j].Rel > rel })
	return all[lo:hi]
}

// Incoming returns the slice of s.InEdges for dst (and optionally rel).
func (s *Segment) Incoming(dst InternalNodeId, rel RelTypeId) []EdgeKey {
	if len(s.InEdges) == 0 {
		return nil
	}
	if dst < s.inMinDst || len(s.InOffsets) < 2 {
		return nil
	}
	i := int(dst - s.inMinDst)
	if i+1 >= len(s.InOffsets) {
		return nil
	}
	start, end := s.InOffsets[i], s.InOffsets[i+1]
	all := s.InEdges[start:end]
	if rel == 0 {
		return all
	}
	lo := sort.Search(len(all), func(j int) bool { return all[j].Rel >= rel })
	hi := sort.Search(len(all), func(j int) bool { return all[j].Rel > rel })
	return all[lo:hi]
}

// Persist serializes the segment to a zstd-compressed page chain and
// records MetaPageID; the caller publishes MetaPageID via the next
// ManifestSwitch.
func (s *Segment) Persist(p *Pager) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	raw := encodeSegment(s)
	compressed := enc.EncodeAll(raw, nil)
	root, err := writePageChain(p, compressed)
	if err != nil {
		return err
	}
	s.MetaPageID = root
	return nil
}

// LoadSegment reads and decompresses a segment previously written by
// Persist.
func LoadSegment(p *Pager, meta PageId) (*Segment, error) {
	compressed, err := readPageChain(p, meta)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: segment decompress: %v", ErrCorruption, err)
	}
	seg, err := decodeSegment(raw)
	if err != nil {
		return nil, err
	}
	seg.MetaPageID = meta
	return seg, nil
}

func encodeSegment(s *Segment) []byte {
	buf := make([]byte, 0, 64+len(s.Edges)*24)
	buf = appendBE64(buf, uint64(s.MinSrc))
	buf = appendBE64(buf, uint64(s.MaxSrc))
	buf = appendBE64(buf, s.Seq)
	buf = appendBE32(buf, uint32(len(s.Edges)))
	for _, e := range s.Edges {
		buf = appendBE64(buf, uint64(e.Src))
		buf = appendBE32(buf, uint32(e.Rel))
		buf = appendBE64(buf, uint64(e.Dst))
	}
	buf = appendBE32(buf, uint32(len(s.TombstonedEdges)))
	for k, m := range s.TombstonedEdges {
		buf = appendBE64(buf, uint64(k.Src))
		buf = appendBE32(buf, uint32(k.Rel))
		buf = appendBE64(buf, uint64(k.Dst))
		buf = appendBE32(buf, uint32(m))
	}
	var tombNodeBytes []byte
	if s.TombstonedNodes != nil {
		tombNodeBytes, _ = s.TombstonedNodes.ToBytes()
	}
	buf = appendLenBytes(buf, tombNodeBytes)
	return buf
}

func decodeSegment(raw []byte) (*Segment, error) {
	if len(raw) < 28 {
		return nil, fmt.Errorf("%w: truncated segment header", ErrCorruption)
	}
	minSrc := InternalNodeId(binary.BigEndian.Uint64(raw[0:8]))
	maxSrc := InternalNodeId(binary.BigEndian.Uint64(raw[8:16]))
	seq := binary.BigEndian.Uint64(raw[16:24])
	n := binary.BigEndian.Uint32(raw[24:28])
	raw = raw[28:]

	edges := make([]EdgeKey, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(raw) < 20 {
			return nil, fmt.Errorf("%w: truncated segment edge", ErrCorruption)
		}
		src := InternalNodeId(binary.BigEndian.Uint64(raw[0:8]))
		rel := RelTypeId(binary.BigEndian.Uint32(raw[8:12]))
		dst := InternalNodeId(binary.BigEndian.Uint64(raw[12:20]))
		edges = append(edges, EdgeKey{Src: src, Rel: rel, Dst: dst})
		raw = raw[20:]
	}

	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: truncated tombstone count", ErrCorruption)
	}
	tn := binary.BigEndian.Uint32(raw[0:4])
	raw = raw[4:]
	tombs := make(map[EdgeKey]int32, tn)
	for i := uint32(0); i < tn; i++ {
		if len(raw) < 24 {
			return nil, fmt.Errorf("%w: truncated tombstone entry", ErrCorruption)
		}
		src := InternalNodeId(binary.BigEndian.Uint64(raw[0:8]))
		rel := RelTypeId(binary.BigEndian.Uint32(raw[8:12]))
		dst := InternalNodeId(binary.BigEndian.Uint64(raw[12:20]))
		mult := int32(binary.BigEndian.Uint32(raw[20:24]))
		tombs[EdgeKey{Src: src, Rel: rel, Dst: dst}] = mult
		raw = raw[24:]
	}

	tombNodeBytes, rest, err := readLenBytes(raw)
	if err != nil {
		return nil, err
	}
	_ = rest
	tombNodes := roaring64.New()
	if len(tombNodeBytes) > 0 {
		if _, err := tombNodes.FromBuffer(tombNodeBytes); err != nil {
			return nil, fmt.Errorf("%w: tombstone bitmap: %v", ErrCorruption, err)
		}
	}

	seg := &Segment{
		MinSrc:          minSrc,
		MaxSrc:          maxSrc,
		Seq:             seq,
		Edges:           edges,
		TombstonedEdges: tombs,
		TombstonedNodes: tombNodes,
	}
	seg.buildOffsets()
	inKeys := append([]EdgeKey(nil), edges...)
	sort.Slice(inKeys, func(i, j int) bool { return LessIncoming(inKeys[i], inKeys[j]) })
	seg.InEdges = inKeys
	seg.buildInOffsets()
	return seg, nil
}

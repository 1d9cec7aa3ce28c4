package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// BlobID addresses a value written through the BlobStore: the PageId at
// which the value's overflow page chain is rooted.
type BlobID uint64

const (
	inlineThreshold = 256 // size boundary between short and long values; no
	// writer consults it, and short values get a page chain like long ones.
	blobChainHeaderSz = 16 // next PageId (u64) + payload length in this page (u32) + pad
)

// BlobStore writes encoded byte sequences to a chain of one or more pages
// and returns a BlobID the caller can later resolve back to bytes. No value
// is stored inline: a B-tree leaf (see btree.go) holds only the BlobID.
type BlobStore struct {
	pager   *Pager
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewBlobStore(p *Pager) (*BlobStore, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return &BlobStore{pager: p, encoder: enc, decoder: dec}, nil
}

// PutOverflow compresses data and writes it to a freshly allocated page
// chain, returning the chain's root page id as a BlobID. Compaction uses it
// for every property value, whatever its size.
func (b *BlobStore) PutOverflow(data []byte) (BlobID, error) {
	compressed := b.encoder.EncodeAll(data, nil)
	root, err := writePageChain(b.pager, compressed)
	if err != nil {
		return 0, err
	}
	return BlobID(root), nil
}

// GetOverflow reads and decompresses the page chain rooted at id.
func (b *BlobStore) GetOverflow(id BlobID) ([]byte, error) {
	compressed, err := readPageChain(b.pager, PageId(id))
	if err != nil {
		return nil, err
	}
	out, err := b.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: overflow chain decompress: %v", ErrCorruption, err)
	}
	return out, nil
}

// FreeOverflow releases every page in the chain rooted at id.
func (b *BlobStore) FreeOverflow(id BlobID) error {
	return freePageChain(b.pager, PageId(id))
}

// writePageChain splits data across as many pages as needed, each carrying a
// small header (next pointer, payload length) before its data, and returns
// the id of the first page. Used by both BlobStore overflow values and
// btree.go node persistence — both need "serialize an arbitrary-length blob
// across fixed-size pages", so the chain writer lives here once.
func writePageChain(p *Pager, data []byte) (PageId, error) {
	pageSize := p.PageSize()
	capacity := pageSize - blobChainHeaderSz
	if capacity <= 0 {
		return 0, fmt.Errorf("%w: page_size too small for chain header", ErrInvalidArgument)
	}

	if len(data) == 0 {
		data = []byte{}
	}

	nPages := (len(data) + capacity - 1) / capacity
	if nPages == 0 {
		nPages = 1
	}
	ids := make([]PageId, nPages)
	for i := range ids {
		ids[i] = p.Allocate()
	}

	for i := 0; i < nPages; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]

		page := make([]byte, pageSize)
		var next PageId
		if i+1 < nPages {
			next = ids[i+1]
		}
		binary.BigEndian.PutUint64(page[0:8], uint64(next))
		binary.BigEndian.PutUint32(page[8:12], uint32(len(chunk)))
		copy(page[blobChainHeaderSz:], chunk)

		if err := p.Write(ids[i], page); err != nil {
			return 0, err
		}
	}
	return ids[0], nil
}

func readPageChain(p *Pager, root PageId) ([]byte, error) {
	var out []byte
	id := root
	seen := map[PageId]bool{}
	for {
		if seen[id] {
			return nil, fmt.Errorf("%w: cyclic page chain at %d", ErrCorruption, id)
		}
		seen[id] = true
		page, err := p.Read(id)
		if err != nil {
			return nil, err
		}
		if len(page) < blobChainHeaderSz {
			return nil, fmt.Errorf("%w: truncated chain page", ErrCorruption)
		}
		next := PageId(binary.BigEndian.Uint64(page[0:8]))
		n := binary.BigEndian.Uint32(page[8:12])
		if int(n) > len(page)-blobChainHeaderSz {
			return nil, fmt.Errorf("%w: chain page length exceeds page capacity", ErrCorruption)
		}
		out = append(out, page[blobChainHeaderSz:blobChainHeaderSz+int(n)]...)
		if next == 0 {
			break
		}
		id = next
	}
	return out, nil
}

func freePageChain(p *Pager, root PageId) error {
	id := root
	seen := map[PageId]bool{}
	for {
		if seen[id] {
			return fmt.Errorf("%w: cyclic page chain at %d", ErrCorruption, id)
		}
		seen[id] = true
		page, err := p.Read(id)
		if err != nil {
			return err
		}
		next := PageId(binary.BigEndian.Uint64(page[0:8]))
		p.Free(id)
		if next == 0 {
			break
		}
		id = next
	}
	return nil
}

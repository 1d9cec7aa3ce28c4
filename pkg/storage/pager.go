package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/btree"
)

// PageId identifies a fixed-size page within the .ndb file.
type PageId uint64

const (
	magicNDB     = uint32(0x4e45_5256) // "NERV"
	pageHeaderSz = 32
	trailerSz    = 8 // xxhash64 trailer appended to every page on disk
)

// Header is the fixed-layout page-0 header.
type Header struct {
	Magic         uint32
	VersionMajor  uint16
	VersionMinor  uint16
	PageSize      uint32
	FreeListHead  PageId
	BTreeRootHint PageId
}

func (h Header) encode(pageSize int) []byte {
	buf := make([]byte, pageSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.VersionMajor)
	binary.BigEndian.PutUint16(buf[6:8], h.VersionMinor)
	binary.BigEndian.PutUint32(buf[8:12], h.PageSize)
	binary.BigEndian.PutUint64(buf[12:20], uint64(h.FreeListHead))
	binary.BigEndian.PutUint64(buf[20:28], uint64(h.BTreeRootHint))
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < pageHeaderSz {
		return Header{}, fmt.Errorf("%w: truncated header page", ErrCorruption)
	}
	h := Header{
		Magic:         binary.BigEndian.Uint32(buf[0:4]),
		VersionMajor:  binary.BigEndian.Uint16(buf[4:6]),
		VersionMinor:  binary.BigEndian.Uint16(buf[6:8]),
		PageSize:      binary.BigEndian.Uint32(buf[8:12]),
		FreeListHead:  PageId(binary.BigEndian.Uint64(buf[12:20])),
		BTreeRootHint: PageId(binary.BigEndian.Uint64(buf[20:28])),
	}
	if h.Magic != magicNDB {
		return Header{}, fmt.Errorf("%w: bad magic in header page", ErrCorruption)
	}
	return h, nil
}

// pageIdItem adapts PageId to btree.Item ordering for the in-memory free list.
type pageIdItem PageId

func (a pageIdItem) Less(than btree.Item) bool { return a < than.(pageIdItem) }

// Pager is a fixed-size page cache and allocator over the .ndb file.
// Dirty pages are buffered in memory and only hit disk on Sync, which
// writes them and then fdatasyncs the file. Page reads are checksummed with
// an xxhash64 trailer; a mismatch is fatal corruption and the caller must
// refuse to open the database.
type Pager struct {
	mu sync.Mutex

	file     *os.File
	pageSize int
	nextPage PageId // one past the highest page ever allocated

	header Header

	dirty map[PageId][]byte
	cache *ristretto.Cache[PageId, []byte]

	freeList *btree.BTree // free page ids available for reuse
}

// defaultCachePages is used when OpenPager's caller has no cache_pages
// opinion (treats it as an open-time tunable, but most callers just
// want a sane default).
const defaultCachePages = 16384

// OpenPager opens (or creates) path as a paged file with the given page
// size, sizing the page cache for defaultCachePages entries. If the file
// already exists its header's page size must match pageSize.
func OpenPager(path string, pageSize int) (*Pager, error) {
	return OpenPagerWithCache(path, pageSize, defaultCachePages)
}

// OpenPagerWithCache is OpenPager with an explicit page-cache capacity, the
// cache_pages knob from .
func OpenPagerWithCache(path string, pageSize, cachePages int) (*Pager, error) {
	if pageSize != 4096 && pageSize != 8192 && pageSize != 16384 {
		return nil, fmt.Errorf("%w: page_size must be 4096, 8192 or 16384", ErrInvalidArgument)
	}
	if cachePages <= 0 {
		cachePages = defaultCachePages
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[PageId, []byte]{
		NumCounters: int64(cachePages) * 10,
		MaxCost:     int64(cachePages) * int64(pageSize),
		BufferItems: 64,
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	p := &Pager{
		file:     f,
		pageSize: pageSize,
		dirty:    make(map[PageId][]byte),
		cache:    cache,
		freeList: btree.New(32),
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	if fi.Size() == 0 {
		p.header = Header{Magic: magicNDB, VersionMajor: 2, VersionMinor: 0, PageSize: uint32(pageSize)}
		p.nextPage = 1
		if err := p.writeHeaderPage(); err != nil {
			f.Close()
			return nil, err
		}
		if err := p.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		return p, nil
	}

	raw, err := p.readPageRaw(0)
	if err != nil {
		f.Close()
		return nil, err
	}
	h, err := decodeHeader(raw)
	if err != nil {
		f.Close()
		return nil, err
	}
	if int(h.PageSize) != pageSize {
		f.Close()
		return nil, fmt.Errorf("%w: page_size %d does not match existing file's %d", ErrInvalidArgument, pageSize, h.PageSize)
	}
	p.header = h
	p.nextPage = PageId(fi.Size() / int64(pageSize+trailerSz))
	if err := p.loadFreeList(); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pager) writeHeaderPage() error {
	p.dirty[0] = p.header.encode(p.pageSize)
	return nil
}

// Header returns the current page-0 header.
func (p *Pager) Header() Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header
}

// SetBTreeRoot records the current property B-tree root for the next
// durable header write. Called by ManifestSwitch application.
func (p *Pager) SetBTreeRoot(root PageId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header.BTreeRootHint = root
	p.writeHeaderPage()
}

func (p *Pager) diskOffset(id PageId) int64 {
	return int64(id) * int64(p.pageSize+trailerSz)
}

func (p *Pager) readPageRaw(id PageId) ([]byte, error) {
	buf := make([]byte, p.pageSize+trailerSz)
	_, err := p.file.ReadAt(buf, p.diskOffset(id))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	page := buf[:p.pageSize]
	trailer := binary.BigEndian.Uint64(buf[p.pageSize:])
	if id != 0 || trailer != 0 { // page 0's first-ever write precedes a trailer
		sum := xxhash.Sum64(page)
		if trailer != 0 && sum != trailer {
			return nil, fmt.Errorf("%w: page %d checksum mismatch", ErrCorruption, id)
		}
	}
	return page, nil
}

// Read returns the contents of page id, preferring the dirty buffer, then the
// cache, then disk.
func (p *Pager) Read(id PageId) ([]byte, error) {
	p.mu.Lock()
	if buf, ok := p.dirty[id]; ok {
		out := make([]byte, len(buf))
		copy(out, buf)
		p.mu.Unlock()
		return out, nil
	}
	p.mu.Unlock()

	if buf, ok := p.cache.Get(id); ok {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	}

	buf, err := p.readPageRaw(id)
	if err != nil {
		return nil, err
	}
	p.cache.Set(id, buf, int64(len(buf)))
	return buf, nil
}

// Write stages page into the dirty buffer; it is not durable until Sync.
func (p *Pager) Write(id PageId, page []byte) error {
	if len(page) != p.pageSize {
		return fmt.Errorf("%w: page payload must be exactly page_size bytes", ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, len(page))
	copy(buf, page)
	p.dirty[id] = buf
	p.cache.Del(id)
	return nil
}

// Allocate returns a fresh page id, preferring a free-list entry over
// extending the file.
func (p *Pager) Allocate() PageId {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item := p.freeList.Min(); item != nil {
		p.freeList.Delete(item)
		return PageId(item.(pageIdItem))
	}
	id := p.nextPage
	p.nextPage++
	return id
}

// Free returns id to the in-memory free list for future reuse. The next
// Allocate may hand it out at once, before a Sync persists the updated
// chain.
func (p *Pager) Free(id PageId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeList.ReplaceOrInsert(pageIdItem(id))
	delete(p.dirty, id)
	p.cache.Del(id)
}

// Sync writes all dirty pages (with their xxhash64 trailers) and the free
// list, then fdatasyncs the file.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.persistFreeListLocked(); err != nil {
		return err
	}

	for id, page := range p.dirty {
		trailer := make([]byte, trailerSz)
		binary.BigEndian.PutUint64(trailer, xxhash.Sum64(page))
		if _, err := p.file.WriteAt(append(append([]byte{}, page...), trailer...), p.diskOffset(id)); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		p.cache.Set(id, page, int64(len(page)))
	}
	p.dirty = make(map[PageId][]byte)

	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// persistFreeListLocked serializes the in-memory free-page set into a page
// chain rooted at header.FreeListHead and stages the updated chain as dirty.
// Must be called with p.mu held.
func (p *Pager) persistFreeListLocked() error {
	ids := make([]PageId, 0, p.freeList.Len())
	p.freeList.Ascend(func(it btree.Item) bool {
		ids = append(ids, PageId(it.(pageIdItem)))
		return true
	})

	perPage := (p.pageSize - 16) / 8
	var chainPages []PageId
	for off := 0; off < len(ids) || off == 0; off += perPage {
		chainPages = append(chainPages, p.allocateChainPageLocked())
		if off+perPage >= len(ids) {
			break
		}
	}

	for i, pageID := range chainPages {
		buf := make([]byte, p.pageSize)
		start := i * perPage
		end := start + perPage
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		binary.BigEndian.PutUint32(buf[0:4], uint32(len(chunk)))
		if i+1 < len(chainPages) {
			binary.BigEndian.PutUint64(buf[8:16], uint64(chainPages[i+1]))
		}
		for j, id := range chunk {
			binary.BigEndian.PutUint64(buf[16+j*8:24+j*8], uint64(id))
		}
		p.dirty[pageID] = buf
	}

	if len(chainPages) > 0 {
		p.header.FreeListHead = chainPages[0]
	}
	p.dirty[0] = p.header.encode(p.pageSize)
	return nil
}

// allocateChainPageLocked allocates a page id for free-list bookkeeping
// without recursing into Allocate's locking.
func (p *Pager) allocateChainPageLocked() PageId {
	if item := p.freeList.Min(); item != nil {
		// Free-list bookkeeping pages are themselves drawn from the tail of
		// the id space to avoid racing with the set being serialized.
	}
	id := p.nextPage
	p.nextPage++
	return id
}

func (p *Pager) loadFreeList() error {
	head := p.header.FreeListHead
	perPage := (p.pageSize - 16) / 8
	for head != 0 {
		buf, err := p.readPageRaw(head)
		if err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(buf[0:4])
		if int(n) > perPage {
			return fmt.Errorf("%w: free list page count exceeds capacity", ErrCorruption)
		}
		next := PageId(binary.BigEndian.Uint64(buf[8:16]))
		for j := uint32(0); j < n; j++ {
			id := PageId(binary.BigEndian.Uint64(buf[16+j*8 : 24+j*8]))
			p.freeList.ReplaceOrInsert(pageIdItem(id))
		}
		head = next
	}
	return nil
}

// PageSize returns the configured page size in bytes.
func (p *Pager) PageSize() int { return p.pageSize }

// Close flushes dirty pages and closes the underlying file.
func (p *Pager) Close() error {
	if err := p.Sync(); err != nil {
		return err
	}
	return p.file.Close()
}

package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// btreeOrder bounds leaf/internal node fanout. Not derived from page_size
// (a production layout would pack nodes tightly into single pages); fixed
// here for a predictable, testable tree shape.
const btreeOrder = 32

// btreeNode is the in-memory form of one B-tree node. Leaves carry sorted
// (key, blob id) pairs; internal nodes carry separator keys and child page
// ids. Mutation never touches a node in place — every Insert/Delete builds
// new nodes along the search path and returns a new root, leaving any
// unvisited sibling subtree shared with the previous version.
type btreeNode struct {
	leaf     bool
	keys     [][]byte
	values   []BlobID // leaf only, parallel to keys
	children []PageId // internal only, len(children) == len(keys)+1
}

// BTree is the copy-on-write ordered index over (tag, ids…, key) -> BlobID
// used for properties and secondary indexes. Every mutation
// returns a new root PageId; the caller (GraphEngine) is responsible for
// publishing it via the next ManifestSwitch.
type BTree struct {
	pager *Pager

	// lastOverwritten/lastHadPrevious carry the prior value out of the
	// recursive insert helper back to the top-level Insert call. BTree is
	// never called concurrently against the same instance (the GraphEngine
	// serializes all writers), so this scratch state is safe.
	lastOverwritten BlobID
	lastHadPrevious bool
}

func NewBTree(p *Pager) *BTree {
	return &BTree{pager: p}
}

// EmptyRoot allocates and persists an empty leaf, returning its page id —
// the root of a brand-new, empty tree.
func (t *BTree) EmptyRoot() (PageId, error) {
	return t.persist(&btreeNode{leaf: true})
}

func (t *BTree) load(id PageId) (*btreeNode, error) {
	raw, err := readPageChain(t.pager, id)
	if err != nil {
		return nil, err
	}
	return decodeBTreeNode(raw)
}

func (t *BTree) persist(n *btreeNode) (PageId, error) {
	raw := encodeBTreeNode(n)
	root, err := writePageChain(t.pager, raw)
	if err != nil {
		return 0, err
	}
	return root, nil
}

func encodeBTreeNode(n *btreeNode) []byte {
	var buf bytes.Buffer
	if n.leaf {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
	}
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(n.keys)))
	buf.Write(tmp[:4])
	for i, k := range n.keys {
		binary.BigEndian.PutUint32(tmp[:4], uint32(len(k)))
		buf.Write(tmp[:4])
		buf.Write(k)
		if n.leaf {
			binary.BigEndian.PutUint64(tmp[:8], uint64(n.values[i]))
			buf.Write(tmp[:8])
		}
	}
	if !n.leaf {
		for _, c := range n.children {
			binary.BigEndian.PutUint64(tmp[:8], uint64(c))
			buf.Write(tmp[:8])
		}
	}
	return buf.Bytes()
}

func decodeBTreeNode(raw []byte) (*btreeNode, error) {
	if len(raw) < 5 {
		return nil, fmt.Errorf("%w: truncated btree node", ErrCorruption)
	}
	leaf := raw[0] == 0
	n := binary.BigEndian.Uint32(raw[1:5])
	raw = raw[5:]
	node := &btreeNode{leaf: leaf}
	for i := uint32(0); i < n; i++ {
		if len(raw) < 4 {
			return nil, fmt.Errorf("%w: truncated btree key length", ErrCorruption)
		}
		klen := binary.BigEndian.Uint32(raw[:4])
		raw = raw[4:]
		if uint64(klen) > uint64(len(raw)) {
			return nil, fmt.Errorf("%w: btree key length exceeds buffer", ErrCorruption)
		}
		key := append([]byte(nil), raw[:klen]...)
		raw = raw[klen:]
		node.keys = append(node.keys, key)
		if leaf {
			if len(raw) < 8 {
				return nil, fmt.Errorf("%w: truncated btree blob id", ErrCorruption)
			}
			node.values = append(node.values, BlobID(binary.BigEndian.Uint64(raw[:8])))
			raw = raw[8:]
		}
	}
	if !leaf {
		for i := uint32(0); i <= n; i++ {
			if len(raw) < 8 {
				return nil, fmt.Errorf("%w: truncated btree child pointer", ErrCorruption)
			}
			node.children = append(node.children, PageId(binary.BigEndian.Uint64(raw[:8])))
			raw = raw[8:]
		}
	}
	return node, nil
}

// Get performs a point lookup for key starting at root.
func (t *BTree) Get(root PageId, key []byte) (BlobID, bool, error) {
	n, err := t.load(root)
	if err != nil {
		return 0, false, err
	}
	for !n.leaf {
		i := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(key, n.keys[i]) < 0 })
		child := n.children[i]
		n, err = t.load(child)
		if err != nil {
			return 0, false, err
		}
	}
	i := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) >= 0 })
	if i < len(n.keys) && bytes.Equal(n.keys[i], key) {
		return n.values[i], true, nil
	}
	return 0, false, nil
}

// RangeScan calls fn for every (key, value) with key in [lo, hi) in
// ascending order (hi == nil means unbounded). fn returning false stops
// the scan early.
func (t *BTree) RangeScan(root PageId, lo, hi []byte, fn func(key []byte, val BlobID) bool) error {
	stopped := false
	err := t.rangeScan(root, lo, hi, func(k []byte, v BlobID) bool {
		if stopped || !fn(k, v) {
			stopped = true
			return false
		}
		return true
	})
	if err == errStopScan {
		return nil
	}
	return err
}

func (t *BTree) rangeScan(id PageId, lo, hi []byte, fn func([]byte, BlobID) bool) error {
	n, err := t.load(id)
	if err != nil {
		return err
	}
	if n.leaf {
		for i, k := range n.keys {
			if lo != nil && bytes.Compare(k, lo) < 0 {
				continue
			}
			if hi != nil && bytes.Compare(k, hi) >= 0 {
				return nil
			}
			if !fn(k, n.values[i]) {
				return errStopScan
			}
		}
		return nil
	}
	start := 0
	if lo != nil {
		start = sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(lo, n.keys[i]) < 0 })
	}
	for i := start; i < len(n.children); i++ {
		if hi != nil && i > 0 && bytes.Compare(n.keys[i-1], hi) >= 0 {
			break
		}
		if err := t.rangeScan(n.children[i], lo, hi, fn); err != nil {
			if err == errStopScan {
				return nil
			}
			return err
		}
	}
	return nil
}

var errStopScan = fmt.Errorf("btree: scan stopped")

// Insert writes key->val, overwriting and returning the previous BlobID (so
// the caller can free it) if key was already present, and returns the new
// root. Duplicate keys are never permitted.
func (t *BTree) Insert(root PageId, key []byte, val BlobID) (newRoot PageId, previous BlobID, hadPrevious bool, err error) {
	newChild, split, err := t.insert(root, key, val)
	if err != nil {
		return 0, 0, false, err
	}
	previous, hadPrevious = t.lastOverwritten, t.lastHadPrevious

	if split == nil {
		newRoot, err = t.persist(newChild)
		return newRoot, previous, hadPrevious, err
	}

	rootNode := &btreeNode{
		leaf:     false,
		keys:     [][]byte{split.sepKey},
		children: []PageId{split.left, split.right},
	}
	newRoot, err = t.persist(rootNode)
	return newRoot, previous, hadPrevious, err
}

type splitResult struct {
	sepKey []byte
	left   PageId
	right  PageId
}

func (t *BTree) insert(id PageId, key []byte, val BlobID) (*btreeNode, *splitResult, error) {
	n, err := t.load(id)
	if err != nil {
		return nil, nil, err
	}

	if n.leaf {
		i := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) >= 0 })
		newKeys := append([][]byte(nil), n.keys...)
		newVals := append([]BlobID(nil), n.values...)
		if i < len(newKeys) && bytes.Equal(newKeys[i], key) {
			t.lastOverwritten = newVals[i]
			t.lastHadPrevious = true
			newVals[i] = val
		} else {
			t.lastHadPrevious = false
			newKeys = append(newKeys, nil)
			copy(newKeys[i+1:], newKeys[i:])
			newKeys[i] = key
			newVals = append(newVals, 0)
			copy(newVals[i+1:], newVals[i:])
			newVals[i] = val
		}
		leaf := &btreeNode{leaf: true, keys: newKeys, values: newVals}
		if len(leaf.keys) <= btreeOrder {
			return leaf, nil, nil
		}
		mid := len(leaf.keys) / 2
		left := &btreeNode{leaf: true, keys: leaf.keys[:mid], values: leaf.values[:mid]}
		right := &btreeNode{leaf: true, keys: leaf.keys[mid:], values: leaf.values[mid:]}
		leftID, err := t.persist(left)
		if err != nil {
			return nil, nil, err
		}
		rightID, err := t.persist(right)
		if err != nil {
			return nil, nil, err
		}
		return left, &splitResult{sepKey: right.keys[0], left: leftID, right: rightID}, nil
	}

	i := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(key, n.keys[i]) < 0 })
	childNode, split, err := t.insert(n.children[i], key, val)
	if err != nil {
		return nil, nil, err
	}

	newKeys := append([][]byte(nil), n.keys...)
	newChildren := append([]PageId(nil), n.children...)

	if split == nil {
		childID, err := t.persist(childNode)
		if err != nil {
			return nil, nil, err
		}
		newChildren[i] = childID
		return &btreeNode{leaf: false, keys: newKeys, children: newChildren}, nil, nil
	}

	newKeys = append(newKeys, nil)
	copy(newKeys[i+1:], newKeys[i:])
	newKeys[i] = split.sepKey
	newChildren[i] = split.left
	newChildren = append(newChildren, 0)
	copy(newChildren[i+2:], newChildren[i+1:])
	newChildren[i+1] = split.right

	internal := &btreeNode{leaf: false, keys: newKeys, children: newChildren}
	if len(internal.keys) <= btreeOrder {
		return internal, nil, nil
	}
	mid := len(internal.keys) / 2
	sep := internal.keys[mid]
	left := &btreeNode{leaf: false, keys: internal.keys[:mid], children: internal.children[:mid+1]}
	right := &btreeNode{leaf: false, keys: internal.keys[mid+1:], children: internal.children[mid+1:]}
	leftID, err := t.persist(left)
	if err != nil {
		return nil, nil, err
	}
	rightID, err := t.persist(right)
	if err != nil {
		return nil, nil, err
	}
	return left, &splitResult{sepKey: sep, left: leftID, right: rightID}, nil
}

// Delete removes key if present, returning the new root and the deleted
// BlobID (so the caller can free it). Underflow is tolerated (no
// rebalancing/merging) — a simplification noted in DESIGN.md; correctness
// of lookup and range scan is unaffected, only fanout degrades slowly.
func (t *BTree) Delete(root PageId, key []byte) (newRoot PageId, removed BlobID, existed bool, err error) {
	newNode, rv, ok, err := t.delete(root, key)
	if err != nil {
		return 0, 0, false, err
	}
	newRoot, err = t.persist(newNode)
	return newRoot, rv, ok, err
}

func (t *BTree) delete(id PageId, key []byte) (*btreeNode, BlobID, bool, error) {
	n, err := t.load(id)
	if err != nil {
		return nil, 0, false, err
	}
	if n.leaf {
		i := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) >= 0 })
		if i >= len(n.keys) || !bytes.Equal(n.keys[i], key) {
			return n, 0, false, nil
		}
		removed := n.values[i]
		newKeys := append(append([][]byte(nil), n.keys[:i]...), n.keys[i+1:]...)
		newVals := append(append([]BlobID(nil), n.values[:i]...), n.values[i+1:]...)
		return &btreeNode{leaf: true, keys: newKeys, values: newVals}, removed, true, nil
	}
	i := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(key, n.keys[i]) < 0 })
	childNode, removed, ok, err := t.delete(n.children[i], key)
	if err != nil {
		return nil, 0, false, err
	}
	if !ok {
		return n, 0, false, nil
	}
	childID, err := t.persist(childNode)
	if err != nil {
		return nil, 0, false, err
	}
	newChildren := append([]PageId(nil), n.children...)
	newChildren[i] = childID
	return &btreeNode{leaf: false, keys: append([][]byte(nil), n.keys...), children: newChildren}, removed, true, nil
}

// Key encoding helpers.

func NodePropKey(internal InternalNodeId, key string) []byte {
	buf := make([]byte, 0, 1+8+4+len(key))
	buf = append(buf, 0x00)
	buf = appendBE64(buf, uint64(internal))
	buf = appendBE32(buf, uint32(len(key)))
	return append(buf, key...)
}

func EdgePropKey(src InternalNodeId, rel RelTypeId, dst InternalNodeId, key string) []byte {
	buf := make([]byte, 0, 1+8+4+8+4+len(key))
	buf = append(buf, 0x01)
	buf = appendBE64(buf, uint64(src))
	buf = appendBE32(buf, uint32(rel))
	buf = appendBE64(buf, uint64(dst))
	buf = appendBE32(buf, uint32(len(key)))
	return append(buf, key...)
}

func IndexEntryKey(label LabelId, field string, valueEncoding []byte, internal InternalNodeId) []byte {
	buf := make([]byte, 0, 1+4+4+len(field)+len(valueEncoding)+8)
	buf = append(buf, 0x02)
	buf = appendBE32(buf, uint32(label))
	buf = appendBE32(buf, uint32(len(field)))
	buf = append(buf, field...)
	buf = append(buf, valueEncoding...)
	buf = appendBE64(buf, uint64(internal))
	return buf
}

func appendBE64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBE32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

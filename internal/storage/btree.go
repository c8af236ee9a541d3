package storage

import (
	"bytes"
	"encoding/binary"
	"sync"
)

// KeySize is K from spec §3: B+ tree keys are NUL-terminated byte strings
// truncated to KeySize-1 significant bytes plus the terminator.
const KeySize = 40

const (
	ptrSize      = 8
	nodeHeader   = 1 + 4 + 8 + 8 // isLeaf + keyCount + parentPage + nextLeafPage
	noPage int64 = -1
)

// Order is how many keys fit in one page alongside its header and
// Order+1 children pointers, per spec §4.5: ORDER = floor((P-header)/(K+8)).
func Order(pageSize int) int {
	return (pageSize - nodeHeader) / (KeySize + ptrSize)
}

// bnode is one B+ tree node, always marshaled to exactly one page.
type bnode struct {
	isLeaf       bool
	keyCount     int
	parentPage   int64
	nextLeafPage int64
	keys         [][]byte // len == order+1, each KeySize bytes, NUL-padded; the last slot only holds the overflow key before a split and is never marshaled
	children     []int64  // len == order+2 (order+1 marshaled); record offsets in a leaf, child page numbers otherwise
	selfPage     uint32
}

func newNode(order int, leaf bool) *bnode {
	n := &bnode{
		isLeaf:       leaf,
		parentPage:   noPage,
		nextLeafPage: noPage,
		keys:         make([][]byte, order+1),
		children:     make([]int64, order+2),
	}
	for i := range n.keys {
		n.keys[i] = make([]byte, KeySize)
	}
	for i := range n.children {
		n.children[i] = noPage
	}
	return n
}

func truncateKey(key string) []byte {
	buf := make([]byte, KeySize)
	n := len(key)
	if n > KeySize-1 {
		n = KeySize - 1
	}
	copy(buf, key[:n])
	return buf
}

func keyString(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

func marshalNode(n *bnode, buf []byte) {
	clear(buf)
	if n.isLeaf {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[1:5], uint32(n.keyCount))
	binary.LittleEndian.PutUint64(buf[5:13], uint64(n.parentPage))
	binary.LittleEndian.PutUint64(buf[13:21], uint64(n.nextLeafPage))

	order := len(n.keys) - 1
	off := nodeHeader
	for i := 0; i < order; i++ {
		copy(buf[off+i*KeySize:off+(i+1)*KeySize], n.keys[i])
	}
	off += order * KeySize
	for i := 0; i < order+1; i++ {
		binary.LittleEndian.PutUint64(buf[off+i*ptrSize:off+(i+1)*ptrSize], uint64(n.children[i]))
	}
}

func unmarshalNode(buf []byte, order uint32, selfPage uint32) *bnode {
	n := newNode(int(order), buf[0] == 1)
	n.selfPage = selfPage
	n.keyCount = int(binary.LittleEndian.Uint32(buf[1:5]))
	n.parentPage = int64(binary.LittleEndian.Uint64(buf[5:13]))
	n.nextLeafPage = int64(binary.LittleEndian.Uint64(buf[13:21]))

	off := nodeHeader
	for i := 0; i < int(order); i++ {
		copy(n.keys[i], buf[off+i*KeySize:off+(i+1)*KeySize])
	}
	off += int(order) * KeySize
	for i := 0; i < int(order)+1; i++ {
		n.children[i] = int64(binary.LittleEndian.Uint64(buf[off+i*ptrSize : off+(i+1)*ptrSize]))
	}
	return n
}

// BTree is a disk-resident, ordered string->offset index: one file per
// indexed field, node-per-page, persisted through the buffer pool's INDEX
// partition. Page 0 of the file is a small header holding the current
// root page number; real nodes occupy pages 1..N. Keeping an explicit
// root pointer (rather than always restarting descent at page 0) is this
// implementation's resolution of the spec's "root page after split" open
// question — see DESIGN.md.
type BTree struct {
	path      string
	pool      *BufferPool
	order     int
	pageCount uint32 // total pages in the file, including the header page

	// mu serializes structural mutations (Insert/Delete may cascade splits
	// or merges across several pages); Search/Range only ever pin one leaf
	// chain link at a time and do not need it.
	mu sync.Mutex
}

// NewBTree opens (or prepares to create) the index file at path.
func NewBTree(path string, pool *BufferPool) (*BTree, error) {
	total, err := totalPages(path, pool.pageSize)
	if err != nil {
		return nil, err
	}
	return &BTree{
		path:      path,
		pool:      pool,
		order:     Order(pool.pageSize),
		pageCount: total,
	}, nil
}

func (t *BTree) getRoot() (uint32, error) {
	buf, err := t.pool.Pin(t.path, 0, Index)
	if err != nil {
		return 0, err
	}
	defer t.pool.Unpin(t.path, 0, Index, false)
	return binary.LittleEndian.Uint32(buf[0:4]), nil
}

func (t *BTree) setRoot(page uint32) error {
	buf, err := t.pool.Pin(t.path, 0, Index)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[0:4], page)
	t.pool.Unpin(t.path, 0, Index, true)
	return nil
}

func (t *BTree) allocateNode(leaf bool) (*bnode, error) {
	var page uint32
	if t.pageCount == 0 {
		page = 1
		t.pageCount = 2
	} else {
		page = t.pageCount
		t.pageCount++
	}
	n := newNode(t.order, leaf)
	n.selfPage = page
	if err := t.writeNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (t *BTree) writeNode(n *bnode) error {
	buf, err := t.pool.Pin(t.path, n.selfPage, Index)
	if err != nil {
		return err
	}
	marshalNode(n, buf)
	t.pool.Unpin(t.path, n.selfPage, Index, true)
	return nil
}

func (t *BTree) readNode(page int64) (*bnode, error) {
	buf, err := t.pool.Pin(t.path, uint32(page), Index)
	if err != nil {
		return nil, err
	}
	n := unmarshalNode(buf, uint32(t.order), uint32(page))
	t.pool.Unpin(t.path, uint32(page), Index, false)
	return n, nil
}

// Search returns the offset stored under key, if any.
func (t *BTree) Search(key string) (int64, bool, error) {
	root, err := t.getRoot()
	if err != nil {
		return 0, false, err
	}
	if root == 0 {
		return 0, false, nil
	}

	target := truncateKey(key)
	page := int64(root)
	for {
		node, err := t.readNode(page)
		if err != nil {
			return 0, false, err
		}
		i := 0
		for i < node.keyCount && bytes.Compare(target, node.keys[i]) > 0 {
			i++
		}
		if node.isLeaf {
			if i < node.keyCount && bytes.Equal(target, node.keys[i]) {
				return node.children[i], true, nil
			}
			return 0, false, nil
		}
		// Insert sends a key equal to a separator to the right child, so
		// follow it the same way here.
		if i < node.keyCount && bytes.Equal(target, node.keys[i]) {
			i++
		}
		page = node.children[i]
	}
}

// Insert adds (key, offset) to the tree, splitting overflowing nodes and
// promoting separators up to a new root as needed.
func (t *BTree) Insert(key string, offset int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	root, err := t.getRoot()
	if err != nil {
		return err
	}
	if root == 0 {
		leaf, err := t.allocateNode(true)
		if err != nil {
			return err
		}
		if err := t.setRoot(leaf.selfPage); err != nil {
			return err
		}
		root = leaf.selfPage
	}

	node, err := t.readNode(int64(root))
	if err != nil {
		return err
	}
	return t.insertRecursive(node, key, offset)
}

func (t *BTree) insertRecursive(node *bnode, key string, offset int64) error {
	target := truncateKey(key)

	if node.isLeaf {
		pos := 0
		for pos < node.keyCount && bytes.Compare(node.keys[pos], target) < 0 {
			pos++
		}
		for j := node.keyCount; j > pos; j-- {
			copy(node.keys[j], node.keys[j-1])
			node.children[j] = node.children[j-1]
		}
		copy(node.keys[pos], target)
		node.children[pos] = offset
		node.keyCount++

		if err := t.writeNode(node); err != nil {
			return err
		}
	} else {
		pos := 0
		for pos < node.keyCount && bytes.Compare(target, node.keys[pos]) >= 0 {
			pos++
		}
		child, err := t.readNode(node.children[pos])
		if err != nil {
			return err
		}
		if err := t.insertRecursive(child, key, offset); err != nil {
			return err
		}
	}

	if node.keyCount > t.order {
		return t.splitNode(node)
	}
	return nil
}

func (t *BTree) splitNode(node *bnode) error {
	right, err := t.allocateNode(node.isLeaf)
	if err != nil {
		return err
	}
	right.parentPage = node.parentPage

	mid := node.keyCount / 2
	childShift := 0
	if !node.isLeaf {
		childShift = 1
	}
	for i := mid; i < node.keyCount; i++ {
		copy(right.keys[i-mid], node.keys[i])
		right.children[i-mid+childShift] = node.children[i+childShift]
	}
	if !node.isLeaf {
		// children[mid] stays with the left half; repeating it here keeps
		// right.children[0] a real page. Insert, Search and Delete send keys
		// at or above right.keys[0] through children[1..].
		right.children[0] = node.children[mid]
	}
	right.keyCount = node.keyCount - mid
	node.keyCount = mid
	for i := mid; i < len(node.keys); i++ {
		clear(node.keys[i])
	}

	if node.isLeaf {
		right.nextLeafPage = node.nextLeafPage
		node.nextLeafPage = int64(right.selfPage)
	}

	if err := t.writeNode(node); err != nil {
		return err
	}
	if err := t.writeNode(right); err != nil {
		return err
	}
	if !node.isLeaf {
		for i := 1; i <= right.keyCount; i++ {
			child, err := t.readNode(right.children[i])
			if err != nil {
				return err
			}
			child.parentPage = int64(right.selfPage)
			if err := t.writeNode(child); err != nil {
				return err
			}
		}
	}

	promoteKey := keyString(right.keys[0])

	root, err := t.getRoot()
	if err != nil {
		return err
	}
	if node.selfPage == root {
		newRoot, err := t.allocateNode(false)
		if err != nil {
			return err
		}
		newRoot.children[0] = int64(node.selfPage)
		newRoot.children[1] = int64(right.selfPage)
		copy(newRoot.keys[0], truncateKey(promoteKey))
		newRoot.keyCount = 1

		node.parentPage = int64(newRoot.selfPage)
		right.parentPage = int64(newRoot.selfPage)

		if err := t.writeNode(node); err != nil {
			return err
		}
		if err := t.writeNode(right); err != nil {
			return err
		}
		if err := t.writeNode(newRoot); err != nil {
			return err
		}
		return t.setRoot(newRoot.selfPage)
	}

	return t.insertInParent(node, promoteKey, right)
}

func (t *BTree) insertInParent(left *bnode, key string, right *bnode) error {
	parent, err := t.readNode(left.parentPage)
	if err != nil {
		return err
	}

	pos := 0
	for pos <= parent.keyCount && parent.children[pos] != int64(left.selfPage) {
		pos++
	}

	for i := parent.keyCount; i > pos; i-- {
		copy(parent.keys[i], parent.keys[i-1])
		parent.children[i+1] = parent.children[i]
	}
	copy(parent.keys[pos], truncateKey(key))
	parent.children[pos+1] = int64(right.selfPage)
	parent.keyCount++

	right.parentPage = int64(parent.selfPage)

	if err := t.writeNode(parent); err != nil {
		return err
	}
	if err := t.writeNode(right); err != nil {
		return err
	}

	if parent.keyCount > t.order {
		return t.splitNode(parent)
	}
	return nil
}

// minKeys is the merge threshold from spec §4.5: a child falling below
// ceil((ORDER+1)/2) keys after a delete triggers a merge with its right
// neighbor.
func (t *BTree) minKeys() int {
	return (t.order + 1 + 1) / 2
}

// Delete removes key from the tree, if present.
func (t *BTree) Delete(key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	root, err := t.getRoot()
	if err != nil {
		return false, err
	}
	if root == 0 {
		return false, nil
	}
	node, err := t.readNode(int64(root))
	if err != nil {
		return false, err
	}
	return t.removeRecursive(node, truncateKey(key))
}

func (t *BTree) removeRecursive(node *bnode, target []byte) (bool, error) {
	if node.isLeaf {
		pos := 0
		for pos < node.keyCount && !bytes.Equal(node.keys[pos], target) {
			pos++
		}
		if pos == node.keyCount {
			return false, nil
		}
		for i := pos; i < node.keyCount-1; i++ {
			copy(node.keys[i], node.keys[i+1])
			node.children[i] = node.children[i+1]
		}
		node.keyCount--
		clear(node.keys[node.keyCount])
		return true, t.writeNode(node)
	}

	pos := 0
	for pos < node.keyCount && bytes.Compare(target, node.keys[pos]) >= 0 {
		pos++
	}
	child, err := t.readNode(node.children[pos])
	if err != nil {
		return false, err
	}
	found, err := t.removeRecursive(child, target)
	if err != nil || !found {
		return found, err
	}

	child, err = t.readNode(node.children[pos])
	if err != nil {
		return true, err
	}
	if child.keyCount < t.minKeys() && pos+1 <= node.keyCount {
		if err := t.mergeNodes(node, pos); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (t *BTree) mergeNodes(parent *bnode, index int) error {
	left, err := t.readNode(parent.children[index])
	if err != nil {
		return err
	}
	right, err := t.readNode(parent.children[index+1])
	if err != nil {
		return err
	}

	childShift := 0
	if !left.isLeaf {
		childShift = 1
	}
	start := left.keyCount
	for i := 0; i < right.keyCount; i++ {
		copy(left.keys[start+i], right.keys[i])
		left.children[start+i+childShift] = right.children[i+childShift]
	}
	left.keyCount += right.keyCount

	if left.isLeaf {
		left.nextLeafPage = right.nextLeafPage
	}
	if err := t.writeNode(left); err != nil {
		return err
	}

	for i := index; i < parent.keyCount-1; i++ {
		copy(parent.keys[i], parent.keys[i+1])
		parent.children[i+1] = parent.children[i+2]
	}
	parent.keyCount--
	return t.writeNode(parent)
}

// Range collects offsets for keys in [low, high] inclusive, walking the
// leaf chain via nextLeafPage. An empty low descends to the leftmost leaf;
// an empty high is treated as +infinity.
func (t *BTree) Range(low, high string) ([]int64, error) {
	root, err := t.getRoot()
	if err != nil {
		return nil, err
	}
	if root == 0 {
		return nil, nil
	}

	page := int64(root)
	if low != "" {
		target := truncateKey(low)
		for {
			node, err := t.readNode(page)
			if err != nil {
				return nil, err
			}
			if node.isLeaf {
				page = int64(node.selfPage)
				break
			}
			i := 0
			for i < node.keyCount && bytes.Compare(target, node.keys[i]) > 0 {
				i++
			}
			page = node.children[i]
		}
	} else {
		for {
			node, err := t.readNode(page)
			if err != nil {
				return nil, err
			}
			if node.isLeaf {
				break
			}
			page = node.children[0]
		}
	}

	var out []int64
	lowKey := truncateKey(low)
	highKey := truncateKey(high)
	for page != noPage {
		leaf, err := t.readNode(page)
		if err != nil {
			return nil, err
		}
		i := 0
		if low != "" {
			for i < leaf.keyCount && bytes.Compare(lowKey, leaf.keys[i]) > 0 {
				i++
			}
		}
		for ; i < leaf.keyCount; i++ {
			if high != "" && bytes.Compare(leaf.keys[i], highKey) > 0 {
				return out, nil
			}
			out = append(out, leaf.children[i])
		}
		page = leaf.nextLeafPage
	}
	return out, nil
}

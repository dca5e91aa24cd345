package btree

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/kvgo/internal/cache"
	"github.com/hupe1980/kvgo/model"
)

const (
	// MinOrder is the smallest supported order.
	MinOrder = 3
	// DefaultOrder is the default maximum number of children per node.
	DefaultOrder = 64
	// DefaultCacheSize is the default number of cached locations.
	DefaultCacheSize = 10000
)

// ErrInvalid is returned by Check and UnmarshalBinary for a malformed tree.
var ErrInvalid = errors.New("btree: invalid tree")

type nodeID int32

const nilNode nodeID = -1

type node struct {
	leaf     bool
	free     bool
	parent   nodeID
	keys     []model.Key
	locs     []model.ValueLocation
	children []nodeID // internal nodes only, len(keys)+1
}

// Options configures a BTree.
type Options struct {
	// Order is the maximum number of children of an internal node.
	Order int
	// CacheSize bounds the lookup cache. Zero disables it.
	CacheSize int
}

// DefaultOptions returns the default tree options.
func DefaultOptions() Options {
	return Options{Order: DefaultOrder, CacheSize: DefaultCacheSize}
}

// BTree is an in-memory B-Tree from keys to value locations.
// It is safe for concurrent use.
type BTree struct {
	mu       sync.RWMutex
	order    int
	nodes    []node
	freeList []nodeID
	root     nodeID
	count    int

	cache *cache.LRU[string, model.ValueLocation]
}

// New creates an empty tree.
func New(opts Options) (*BTree, error) {
	if opts.Order == 0 {
		opts.Order = DefaultOrder
	}
	if opts.Order < MinOrder || opts.Order > 1<<15 {
		return nil, fmt.Errorf("btree: order %d out of range", opts.Order)
	}
	t := &BTree{
		order: opts.Order,
		cache: cache.NewLRU[string, model.ValueLocation](opts.CacheSize),
	}
	t.reset()
	return t, nil
}

func (t *BTree) reset() {
	t.nodes = t.nodes[:0]
	t.freeList = t.freeList[:0]
	t.count = 0
	t.root = t.alloc(true)
	t.cache.Purge()
}

// Order returns the maximum number of children of an internal node.
func (t *BTree) Order() int { return t.order }

func (t *BTree) maxKeys() int { return t.order - 1 }

func (t *BTree) minKeys() int { return (t.order+1)/2 - 1 }

func (t *BTree) n(id nodeID) *node { return &t.nodes[id] }

// alloc returns a fresh node. It may grow the arena, so pointers obtained
// from n before the call must be fetched again.
func (t *BTree) alloc(leaf bool) nodeID {
	if k := len(t.freeList); k > 0 {
		id := t.freeList[k-1]
		t.freeList = t.freeList[:k-1]
		t.nodes[id] = node{leaf: leaf, parent: nilNode}
		return id
	}
	t.nodes = append(t.nodes, node{leaf: leaf, parent: nilNode})
	return nodeID(len(t.nodes) - 1)
}

func (t *BTree) release(id nodeID) {
	t.nodes[id] = node{free: true, parent: nilNode}
	t.freeList = append(t.freeList, id)
}

func search(keys []model.Key, key model.Key) (int, bool) {
	return slices.BinarySearchFunc(keys, key, func(a, b model.Key) int { return a.Compare(b) })
}

// find returns the node and index holding key.
func (t *BTree) find(key model.Key) (nodeID, int, bool) {
	id := t.root
	for {
		nd := t.n(id)
		i, ok := search(nd.keys, key)
		if ok {
			return id, i, true
		}
		if nd.leaf {
			return id, i, false
		}
		id = nd.children[i]
	}
}

// Len returns the number of keys.
func (t *BTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Height returns the number of levels.
func (t *BTree) Height() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := 1
	for id := t.root; !t.n(id).leaf; id = t.n(id).children[0] {
		h++
	}
	return h
}

// Lookup returns the location stored for key.
func (t *BTree) Lookup(key model.Key) (model.ValueLocation, bool) {
	ident := key.Ident()
	if loc, ok := t.cache.Get(ident); ok {
		return loc, true
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	id, i, ok := t.find(key)
	if !ok {
		return model.ValueLocation{}, false
	}
	loc := t.n(id).locs[i]
	// Filled under the read lock so a concurrent writer cannot invalidate
	// the key between the walk and the fill.
	t.cache.Add(ident, loc)
	return loc, true
}

// Insert sets the location of key. It reports whether the key already existed.
func (t *BTree) Insert(key model.Key, loc model.ValueLocation) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Remove(key.Ident())

	id, i, ok := t.find(key)
	nd := t.n(id)
	if ok {
		nd.locs[i] = loc
		return true
	}
	nd.keys = slices.Insert(nd.keys, i, key)
	nd.locs = slices.Insert(nd.locs, i, loc)
	t.count++
	if len(nd.keys) > t.maxKeys() {
		t.split(id)
	}
	return false
}

// split divides an overflowing node around its median and pushes the median
// into the parent, splitting upwards as needed.
func (t *BTree) split(id nodeID) {
	for id != nilNode && len(t.n(id).keys) > t.maxKeys() {
		rightID := t.alloc(t.n(id).leaf)
		nd, right := t.n(id), t.n(rightID)
		mid := len(nd.keys) / 2
		medKey, medLoc := nd.keys[mid], nd.locs[mid]

		right.keys = slices.Clone(nd.keys[mid+1:])
		right.locs = slices.Clone(nd.locs[mid+1:])
		nd.keys = slices.Clip(nd.keys[:mid])
		nd.locs = slices.Clip(nd.locs[:mid])
		if !nd.leaf {
			right.children = slices.Clone(nd.children[mid+1:])
			nd.children = slices.Clip(nd.children[:mid+1])
			for _, c := range right.children {
				t.n(c).parent = rightID
			}
		}

		parentID := nd.parent
		if parentID == nilNode {
			parentID = t.alloc(false)
			p := t.n(parentID)
			p.keys = []model.Key{medKey}
			p.locs = []model.ValueLocation{medLoc}
			p.children = []nodeID{id, rightID}
			t.n(id).parent = parentID
			t.n(rightID).parent = parentID
			t.root = parentID
			return
		}

		right.parent = parentID
		p := t.n(parentID)
		i := childIndex(p.children, id)
		p.keys = slices.Insert(p.keys, i, medKey)
		p.locs = slices.Insert(p.locs, i, medLoc)
		p.children = slices.Insert(p.children, i+1, rightID)
		id = parentID
	}
}

// Delete removes key and reports whether it was present.
func (t *BTree) Delete(key model.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Remove(key.Ident())

	id, i, ok := t.find(key)
	if !ok {
		return false
	}
	nd := t.n(id)
	if !nd.leaf {
		// Replace with the predecessor, which always sits in a leaf.
		leafID := nd.children[i]
		for !t.n(leafID).leaf {
			c := t.n(leafID).children
			leafID = c[len(c)-1]
		}
		leaf := t.n(leafID)
		last := len(leaf.keys) - 1
		nd.keys[i], nd.locs[i] = leaf.keys[last], leaf.locs[last]
		id, i = leafID, last
		nd = leaf
	}
	nd.keys = slices.Delete(nd.keys, i, i+1)
	nd.locs = slices.Delete(nd.locs, i, i+1)
	t.count--
	t.rebalance(id)
	return true
}

// rebalance restores the minimum fill of id by borrowing from a sibling or
// merging with one, then continues with the parent.
func (t *BTree) rebalance(id nodeID) {
	for {
		nd := t.n(id)
		if id == t.root {
			if len(nd.keys) == 0 && !nd.leaf {
				t.root = nd.children[0]
				t.n(t.root).parent = nilNode
				t.release(id)
			}
			return
		}
		if len(nd.keys) >= t.minKeys() {
			return
		}

		parentID := nd.parent
		p := t.n(parentID)
		i := childIndex(p.children, id)

		if i > 0 {
			if left := p.children[i-1]; len(t.n(left).keys) > t.minKeys() {
				t.rotateRight(parentID, i-1)
				return
			}
		}
		if i < len(p.children)-1 {
			if right := p.children[i+1]; len(t.n(right).keys) > t.minKeys() {
				t.rotateLeft(parentID, i)
				return
			}
		}
		if i > 0 {
			t.merge(parentID, i-1)
		} else {
			t.merge(parentID, i)
		}
		id = parentID
	}
}

// rotateRight moves the separator at sep down into the right child and the
// last entry of the left child up.
func (t *BTree) rotateRight(parentID nodeID, sep int) {
	p := t.n(parentID)
	leftID, rightID := p.children[sep], p.children[sep+1]
	left, right := t.n(leftID), t.n(rightID)

	right.keys = slices.Insert(right.keys, 0, p.keys[sep])
	right.locs = slices.Insert(right.locs, 0, p.locs[sep])
	last := len(left.keys) - 1
	p.keys[sep], p.locs[sep] = left.keys[last], left.locs[last]
	left.keys = left.keys[:last]
	left.locs = left.locs[:last]

	if !left.leaf {
		c := left.children[len(left.children)-1]
		left.children = left.children[:len(left.children)-1]
		right.children = slices.Insert(right.children, 0, c)
		t.n(c).parent = rightID
	}
}

// rotateLeft moves the separator at sep down into the left child and the
// first entry of the right child up.
func (t *BTree) rotateLeft(parentID nodeID, sep int) {
	p := t.n(parentID)
	leftID, rightID := p.children[sep], p.children[sep+1]
	left, right := t.n(leftID), t.n(rightID)

	left.keys = append(left.keys, p.keys[sep])
	left.locs = append(left.locs, p.locs[sep])
	p.keys[sep], p.locs[sep] = right.keys[0], right.locs[0]
	right.keys = slices.Delete(right.keys, 0, 1)
	right.locs = slices.Delete(right.locs, 0, 1)

	if !right.leaf {
		c := right.children[0]
		right.children = slices.Delete(right.children, 0, 1)
		left.children = append(left.children, c)
		t.n(c).parent = leftID
	}
}

// merge folds child sep+1 and the separator at sep into child sep.
func (t *BTree) merge(parentID nodeID, sep int) {
	p := t.n(parentID)
	leftID, rightID := p.children[sep], p.children[sep+1]
	left, right := t.n(leftID), t.n(rightID)

	left.keys = append(append(left.keys, p.keys[sep]), right.keys...)
	left.locs = append(append(left.locs, p.locs[sep]), right.locs...)
	if !left.leaf {
		for _, c := range right.children {
			t.n(c).parent = leftID
		}
		left.children = append(left.children, right.children...)
	}

	p.keys = slices.Delete(p.keys, sep, sep+1)
	p.locs = slices.Delete(p.locs, sep, sep+1)
	p.children = slices.Delete(p.children, sep+1, sep+2)
	t.release(rightID)
}

// Relocate replaces the location of key with newLoc if it still points at
// oldLoc. It reports whether the entry was updated.
func (t *BTree) Relocate(key model.Key, oldLoc, newLoc model.ValueLocation) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, i, ok := t.find(key)
	if !ok || t.n(id).locs[i] != oldLoc {
		return false
	}
	t.cache.Remove(key.Ident())
	t.n(id).locs[i] = newLoc
	return true
}

// Clear removes every key.
func (t *BTree) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

// CacheStats returns the lookup cache counters.
func (t *BTree) CacheStats() cache.Stats {
	return t.cache.Stats()
}

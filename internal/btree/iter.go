package btree

import (
	"iter"

	"github.com/hupe1980/kvgo/model"
)

// scanBatch is the number of entries collected per read-lock acquisition.
const scanBatch = 128

// Range yields the entries with start <= key < end in ascending order.
//
// The scan is lazy. Entries are collected in small batches under the read
// lock, and each batch resumes after the last key yielded, so writers are
// never blocked for the whole scan. Keys inserted behind the cursor during
// a scan are not seen.
func (t *BTree) Range(start, end model.Key) iter.Seq2[model.Key, model.ValueLocation] {
	return t.scan(&start, &end)
}

// All yields every entry in ascending order.
func (t *BTree) All() iter.Seq2[model.Key, model.ValueLocation] {
	return t.scan(nil, nil)
}

// From yields the entries with key >= start in ascending order.
func (t *BTree) From(start model.Key) iter.Seq2[model.Key, model.ValueLocation] {
	return t.scan(&start, nil)
}

type entry struct {
	key model.Key
	loc model.ValueLocation
}

func (t *BTree) scan(start, end *model.Key) iter.Seq2[model.Key, model.ValueLocation] {
	return func(yield func(model.Key, model.ValueLocation) bool) {
		var (
			batch  = make([]entry, 0, scanBatch)
			after  model.Key
			resume bool
		)
		for {
			batch = t.collect(batch[:0], start, end, after, resume)
			for _, e := range batch {
				if !yield(e.key, e.loc) {
					return
				}
			}
			if len(batch) < scanBatch {
				return
			}
			after, resume = batch[len(batch)-1].key, true
		}
	}
}

// collect appends up to scanBatch entries in order. With resume set it
// starts strictly after the given key, otherwise at start.
func (t *BTree) collect(dst []entry, start, end *model.Key, after model.Key, resume bool) []entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var c cursor
	switch {
	case resume:
		c = t.seek(after)
		if c.valid() && t.n(c.id).keys[c.idx].Equal(after) {
			t.advance(&c)
		}
	case start != nil:
		c = t.seek(*start)
	default:
		c = t.first()
	}

	for ; c.valid() && len(dst) < scanBatch; t.advance(&c) {
		nd := t.n(c.id)
		k := nd.keys[c.idx]
		if end != nil && k.Compare(*end) >= 0 {
			break
		}
		dst = append(dst, entry{key: k, loc: nd.locs[c.idx]})
	}
	return dst
}

// cursor addresses one entry. id is nilNode once the scan is exhausted.
type cursor struct {
	id  nodeID
	idx int
}

func (c cursor) valid() bool { return c.id != nilNode }

func (t *BTree) first() cursor {
	id := t.root
	for !t.n(id).leaf {
		id = t.n(id).children[0]
	}
	c := cursor{id: id}
	t.climb(&c)
	return c
}

// seek positions at the first entry >= key.
func (t *BTree) seek(key model.Key) cursor {
	id := t.root
	for {
		nd := t.n(id)
		i, ok := search(nd.keys, key)
		if ok || nd.leaf {
			c := cursor{id: id, idx: i}
			t.climb(&c)
			return c
		}
		id = nd.children[i]
	}
}

// advance moves to the in-order successor.
func (t *BTree) advance(c *cursor) {
	nd := t.n(c.id)
	if nd.leaf {
		c.idx++
		t.climb(c)
		return
	}
	id := nd.children[c.idx+1]
	for !t.n(id).leaf {
		id = t.n(id).children[0]
	}
	c.id, c.idx = id, 0
	t.climb(c)
}

// climb walks up through parents while the cursor is past the end of its
// node. Returning from child i, the next entry is the parent's key i.
func (t *BTree) climb(c *cursor) {
	for c.id != nilNode && c.idx >= len(t.n(c.id).keys) {
		parent := t.n(c.id).parent
		if parent == nilNode {
			c.id = nilNode
			return
		}
		c.idx = childIndex(t.n(parent).children, c.id)
		c.id = parent
	}
}

func childIndex(children []nodeID, id nodeID) int {
	for i, c := range children {
		if c == id {
			return i
		}
	}
	return len(children)
}

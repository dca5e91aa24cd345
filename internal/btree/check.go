package btree

import (
	"fmt"

	"github.com/hupe1980/kvgo/model"
)

// Check validates the structural invariants of the tree: key order, fill
// bounds, uniform leaf depth, parent links, and the key count.
func (t *BTree) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.check()
}

func (t *BTree) check() error {
	if t.root == nilNode || int(t.root) >= len(t.nodes) {
		return fmt.Errorf("%w: bad root", ErrInvalid)
	}
	if p := t.n(t.root).parent; p != nilNode {
		return fmt.Errorf("%w: root has parent %d", ErrInvalid, p)
	}
	c := &checker{t: t, leafDepth: -1}
	if err := c.walk(t.root, 0, nil, nil); err != nil {
		return err
	}
	if c.count != t.count {
		return fmt.Errorf("%w: counted %d keys, recorded %d", ErrInvalid, c.count, t.count)
	}
	return nil
}

type checker struct {
	t         *BTree
	leafDepth int
	count     int
}

func (c *checker) walk(id nodeID, depth int, lo, hi *model.Key) error {
	t := c.t
	nd := t.n(id)
	if nd.free {
		return fmt.Errorf("%w: node %d is free but reachable", ErrInvalid, id)
	}
	if len(nd.keys) != len(nd.locs) {
		return fmt.Errorf("%w: node %d has %d keys and %d locations", ErrInvalid, id, len(nd.keys), len(nd.locs))
	}
	if len(nd.keys) > t.maxKeys() {
		return fmt.Errorf("%w: node %d overflows with %d keys", ErrInvalid, id, len(nd.keys))
	}
	if id != t.root && len(nd.keys) < t.minKeys() {
		return fmt.Errorf("%w: node %d underflows with %d keys", ErrInvalid, id, len(nd.keys))
	}
	for i, k := range nd.keys {
		if i > 0 && nd.keys[i-1].Compare(k) >= 0 {
			return fmt.Errorf("%w: node %d keys out of order at %d", ErrInvalid, id, i)
		}
		if (lo != nil && k.Compare(*lo) <= 0) || (hi != nil && k.Compare(*hi) >= 0) {
			return fmt.Errorf("%w: node %d key %s outside separator range", ErrInvalid, id, k)
		}
	}
	c.count += len(nd.keys)

	if nd.leaf {
		if len(nd.children) != 0 {
			return fmt.Errorf("%w: leaf %d has children", ErrInvalid, id)
		}
		if c.leafDepth == -1 {
			c.leafDepth = depth
		} else if c.leafDepth != depth {
			return fmt.Errorf("%w: leaf %d at depth %d, expected %d", ErrInvalid, id, depth, c.leafDepth)
		}
		return nil
	}

	if len(nd.children) != len(nd.keys)+1 {
		return fmt.Errorf("%w: node %d has %d children for %d keys", ErrInvalid, id, len(nd.children), len(nd.keys))
	}
	for i, child := range nd.children {
		if child < 0 || int(child) >= len(t.nodes) {
			return fmt.Errorf("%w: node %d child %d out of range", ErrInvalid, id, child)
		}
		if p := t.n(child).parent; p != id {
			return fmt.Errorf("%w: node %d parent is %d, expected %d", ErrInvalid, child, p, id)
		}
		clo, chi := lo, hi
		if i > 0 {
			clo = &nd.keys[i-1]
		}
		if i < len(nd.keys) {
			chi = &nd.keys[i]
		}
		if err := c.walk(child, depth+1, clo, chi); err != nil {
			return err
		}
	}
	return nil
}

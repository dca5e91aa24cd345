package btree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/hupe1980/kvgo/model"
)

const (
	snapshotMagic   = "KVBT"
	snapshotVersion = 1

	kindLeaf     = 0
	kindInternal = 1

	// maxDepth bounds recursion while decoding untrusted input.
	maxDepth = 64
)

// MarshalBinary encodes the tree in pre-order.
//
// Layout: magic(4) | version(1) | order(2) | count(8) | nodes | crc32(4).
// Each node is kind(1) | nkeys(2) | keys | locations, and internal nodes
// append nchildren(2) followed by their children. Parent links are implied
// by position.
func (t *BTree) MarshalBinary() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b := make([]byte, 0, 64+t.count*48)
	b = append(b, snapshotMagic...)
	b = append(b, snapshotVersion)
	b = binary.LittleEndian.AppendUint16(b, uint16(t.order))
	b = binary.LittleEndian.AppendUint64(b, uint64(t.count))
	b = t.appendNode(b, t.root)
	return binary.LittleEndian.AppendUint32(b, crc32.ChecksumIEEE(b)), nil
}

func (t *BTree) appendNode(b []byte, id nodeID) []byte {
	nd := t.n(id)
	kind := byte(kindInternal)
	if nd.leaf {
		kind = kindLeaf
	}
	b = append(b, kind)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(nd.keys)))
	for _, k := range nd.keys {
		b = k.AppendEncoded(b)
	}
	for _, l := range nd.locs {
		b = append(b, byte(len(l.SegmentID)))
		b = append(b, l.SegmentID...)
		b = binary.LittleEndian.AppendUint64(b, l.Offset)
		b = binary.LittleEndian.AppendUint32(b, l.Size)
	}
	if !nd.leaf {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(nd.children)))
		for _, c := range nd.children {
			b = t.appendNode(b, c)
		}
	}
	return b
}

// UnmarshalBinary replaces the tree with the encoded one and validates it.
// The order of the encoded tree is adopted; callers that need a specific
// order compare Order afterwards. On error the tree is unchanged.
func (t *BTree) UnmarshalBinary(data []byte) error {
	const fixed = len(snapshotMagic) + 1 + 2 + 8
	if len(data) < fixed+4 {
		return fmt.Errorf("%w: short snapshot", ErrInvalid)
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalid)
	}
	if string(body[:4]) != snapshotMagic {
		return fmt.Errorf("%w: bad magic", ErrInvalid)
	}
	if body[4] != snapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalid, body[4])
	}

	d := &decoder{
		order: int(binary.LittleEndian.Uint16(body[5:])),
		buf:   body[fixed:],
	}
	count := binary.LittleEndian.Uint64(body[7:])
	if d.order < MinOrder {
		return fmt.Errorf("%w: order %d", ErrInvalid, d.order)
	}
	root, err := d.node(nilNode, 0)
	if err != nil {
		return err
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalid, len(d.buf))
	}

	tmp := &BTree{order: d.order, nodes: d.nodes, root: root, count: int(count)}
	if err := tmp.check(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = tmp.order
	t.nodes = tmp.nodes
	t.freeList = nil
	t.root = tmp.root
	t.count = tmp.count
	t.cache.Purge()
	return nil
}

type decoder struct {
	order int
	buf   []byte
	nodes []node
}

func (d *decoder) errShort() error { return fmt.Errorf("%w: truncated node", ErrInvalid) }

func (d *decoder) node(parent nodeID, depth int) (nodeID, error) {
	if depth > maxDepth {
		return nilNode, fmt.Errorf("%w: too deep", ErrInvalid)
	}
	if len(d.buf) < 3 {
		return nilNode, d.errShort()
	}
	kind := d.buf[0]
	if kind != kindLeaf && kind != kindInternal {
		return nilNode, fmt.Errorf("%w: node kind %d", ErrInvalid, kind)
	}
	nkeys := int(binary.LittleEndian.Uint16(d.buf[1:]))
	d.buf = d.buf[3:]
	if nkeys > d.order-1 {
		return nilNode, fmt.Errorf("%w: %d keys exceed order %d", ErrInvalid, nkeys, d.order)
	}

	id := nodeID(len(d.nodes))
	d.nodes = append(d.nodes, node{leaf: kind == kindLeaf, parent: parent})

	keys := make([]model.Key, nkeys)
	for i := range keys {
		k, rest, err := model.ReadKey(d.buf)
		if err != nil {
			return nilNode, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		keys[i], d.buf = k, rest
	}
	locs := make([]model.ValueLocation, nkeys)
	for i := range locs {
		if len(d.buf) < 1 {
			return nilNode, d.errShort()
		}
		n := int(d.buf[0])
		if len(d.buf) < 1+n+12 {
			return nilNode, d.errShort()
		}
		locs[i] = model.ValueLocation{
			SegmentID: model.SegmentID(d.buf[1 : 1+n]),
			Offset:    binary.LittleEndian.Uint64(d.buf[1+n:]),
			Size:      binary.LittleEndian.Uint32(d.buf[9+n:]),
		}
		d.buf = d.buf[1+n+12:]
	}

	var children []nodeID
	if kind == kindInternal {
		if len(d.buf) < 2 {
			return nilNode, d.errShort()
		}
		nc := int(binary.LittleEndian.Uint16(d.buf))
		d.buf = d.buf[2:]
		if nc != nkeys+1 {
			return nilNode, fmt.Errorf("%w: %d children for %d keys", ErrInvalid, nc, nkeys)
		}
		children = make([]nodeID, nc)
		for i := range children {
			c, err := d.node(id, depth+1)
			if err != nil {
				return nilNode, err
			}
			children[i] = c
		}
	}

	nd := &d.nodes[id]
	nd.keys, nd.locs, nd.children = keys, locs, children
	return id, nil
}

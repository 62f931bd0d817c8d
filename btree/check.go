package btree

import (
	"fmt"

	"github.com/pkg/errors"
)

// Check validates the structural invariants of the tree: key order,
// separator bounds, node fill, uniform leaf depth and the leaf chain.
func (t *Tree) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.root == 0 {
		if t.entries != 0 {
			return fmt.Errorf("btree: empty tree reports %d entries", t.entries)
		}
		return nil
	}

	c := &checker{t: t, leafDepth: -1}
	if err := c.walk(t.root, 0, nil, nil); err != nil {
		return err
	}
	if c.count != t.entries {
		return fmt.Errorf("btree: found %d entries, header reports %d", c.count, t.entries)
	}
	return c.chain()
}

type checker struct {
	t         *Tree
	leafDepth int
	count     uint64
	first     PageID
}

func (c *checker) walk(id PageID, depth int, lo, hi *string) error {
	n, err := c.t.load(id)
	if err != nil {
		return err
	}

	if id != c.t.root && len(n.keys) < c.t.order.MinKeys() {
		return fmt.Errorf("btree: page %d underflows with %d keys", id, len(n.keys))
	}
	if len(n.keys) > c.t.order.MaxKeys() {
		return fmt.Errorf("btree: page %d overflows with %d keys", id, len(n.keys))
	}
	for i, key := range n.keys {
		if i > 0 && n.keys[i-1] >= key {
			return fmt.Errorf("btree: page %d keys out of order at %d", id, i)
		}
		if (lo != nil && key < *lo) || (hi != nil && key >= *hi) {
			return fmt.Errorf("btree: page %d key %q outside separator bounds", id, key)
		}
	}

	if n.leaf {
		if c.leafDepth < 0 {
			c.leafDepth, c.first = depth, id
		} else if c.leafDepth != depth {
			return fmt.Errorf("btree: leaf %d at depth %d, expected %d", id, depth, c.leafDepth)
		}
		if len(n.vals) != len(n.keys) {
			return fmt.Errorf("btree: leaf %d has %d keys but %d values", id, len(n.keys), len(n.vals))
		}
		c.count += uint64(len(n.keys))
		return nil
	}

	if len(n.kids) != len(n.keys)+1 {
		return fmt.Errorf("btree: page %d has %d keys but %d children", id, len(n.keys), len(n.kids))
	}
	for i, kid := range n.kids {
		clo, chi := lo, hi
		if i > 0 {
			clo = &n.keys[i-1]
		}
		if i < len(n.keys) {
			chi = &n.keys[i]
		}
		if err := c.walk(kid, depth+1, clo, chi); err != nil {
			return errors.WithMessagef(err, "child %d of page %d", i, id)
		}
	}
	return nil
}

func (c *checker) chain() error {
	var prev *string
	var count uint64

	for id := c.first; id != 0; {
		n, err := c.t.load(id)
		if err != nil {
			return err
		}
		if !n.leaf {
			return fmt.Errorf("btree: leaf chain reaches internal page %d", id)
		}
		for i := range n.keys {
			if prev != nil && *prev >= n.keys[i] {
				return fmt.Errorf("btree: leaf chain out of order at page %d", id)
			}
			prev = &n.keys[i]
		}
		count += uint64(len(n.keys))
		id = n.next
	}

	if count != c.count {
		return fmt.Errorf("btree: leaf chain holds %d entries, tree holds %d", count, c.count)
	}
	return nil
}

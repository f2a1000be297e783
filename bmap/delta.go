/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 13 11:27:02 2019 mstenber
 * Last modified: Mon Apr 29 14:31:46 2019 mstenber
 * Edit time:     166 min
 *
 */

package bmap

import (
	"fmt"
	"sort"
)

// Diff describes one block offset that maps differently in two
// versions: Ptr1 is the source version's pointer, Ptr2 the target
// version's, InvalidPtr standing for 'no block in this version'.
type Diff struct {
	Key  uint64
	Ptr1 uint64
	Ptr2 uint64
}

// cursor keeps the stack of nodes on the path from the root to the
// current child, one tree version at a time.
type cursor struct {
	nodes   [maximumTreeDepth]*Node
	indexes [maximumTreeDepth]int
	top     int
}

func (self *cursor) node() *Node {
	return self.nodes[self.top]
}

func (self *cursor) child() *Child {
	cl := self.node().Children
	idx := self.indexes[self.top]
	if idx < 0 || idx >= len(cl) {
		return nil
	}
	return cl[idx]
}

func (self *cursor) nextIndex() {
	self.indexes[self.top]++
}

func (self *cursor) popNode() {
	self.top--
}

func (self *cursor) pushCurrentIndex() error {
	if self.top+1 >= maximumTreeDepth {
		return fmt.Errorf("bmap compare: depth exceeded")
	}
	n, err := self.node().childNode(self.indexes[self.top])
	if err != nil {
		return err
	}
	self.top++
	self.nodes[self.top] = n
	self.indexes[self.top] = 0
	return nil
}

// seek positions the cursor at the first leaf entry with Key >=
// key.
func (self *cursor) seek(root *Node, key uint64) error {
	self.top = 0
	self.nodes[0] = root
	for !self.node().Leafy {
		n := self.node()
		self.indexes[self.top] = interiorIndex(n.Children, key)
		if err := self.pushCurrentIndex(); err != nil {
			return err
		}
	}
	n := self.node()
	self.indexes[self.top] = sort.Search(len(n.Children), func(i int) bool {
		return n.Children[i].Key >= key
	})
	return nil
}

// Compare walks two versions of the mapping and returns up to
// maxDiffs differing keys at or after startKey, in strictly
// increasing key order. A result shorter than maxDiffs means there
// are no further differences. Identical committed subtrees are
// skipped without loading them.
func Compare(source, target *Node, startKey uint64, maxDiffs int) ([]Diff, error) {
	var st1, st2 cursor
	if err := st1.seek(source, startKey); err != nil {
		return nil, err
	}
	if err := st2.seek(target, startKey); err != nil {
		return nil, err
	}

	ret := make([]Diff, 0, maxDiffs)
	for {
		c1 := st1.child()
		if c1 == nil && st1.top > 0 {
			st1.popNode()
			st1.nextIndex()
			continue
		}
		c2 := st2.child()
		if c2 == nil && st2.top > 0 {
			st2.popNode()
			st2.nextIndex()
			continue
		}
		if c1 == nil && c2 == nil {
			return ret, nil
		}

		n1 := st1.node()
		n2 := st2.node()

		// Best case first - same content exactly; skip without
		// recursing (for interior children, equal ids pin equal
		// subtrees).
		if c1 != nil && c2 != nil && n1.Leafy == n2.Leafy && c1.Key == c2.Key {
			same := false
			if n1.Leafy {
				same = c1.Ptr == c2.Ptr
			} else {
				same = c1.Id != "" && c1.Id == c2.Id
			}
			if same {
				st1.nextIndex()
				st2.nextIndex()
				continue
			}
		}

		// Look harder at the side with the lower key
		if c1 == nil || c2 == nil || c1.Key != c2.Key {
			cst := &st2
			if c2 == nil || (c1 != nil && c2.Key > c1.Key) {
				cst = &st1
			}
			if !cst.node().Leafy {
				if err := cst.pushCurrentIndex(); err != nil {
					return nil, err
				}
				continue
			}
			c := cst.child()
			if cst == &st1 {
				ret = append(ret, Diff{Key: c.Key, Ptr1: c.Ptr, Ptr2: InvalidPtr})
			} else {
				ret = append(ret, Diff{Key: c.Key, Ptr1: InvalidPtr, Ptr2: c.Ptr})
			}
			if len(ret) == maxDiffs {
				return ret, nil
			}
			cst.nextIndex()
			continue
		}

		// Keys are the same; go deeper on whichever side still
		// has tree below it.
		push1 := !n1.Leafy
		push2 := !n2.Leafy
		if push1 || push2 {
			if push1 {
				if err := st1.pushCurrentIndex(); err != nil {
					return nil, err
				}
			}
			if push2 {
				if err := st2.pushCurrentIndex(); err != nil {
					return nil, err
				}
			}
			continue
		}

		// Same key in both leaves; emit only if the pointers
		// differ.
		if c1.Ptr != c2.Ptr {
			ret = append(ret, Diff{Key: c1.Key, Ptr1: c1.Ptr, Ptr2: c2.Ptr})
			if len(ret) == maxDiffs {
				return ret, nil
			}
		}
		st1.nextIndex()
		st2.nextIndex()
	}
}

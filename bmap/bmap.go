/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 09:12:40 2019 mstenber
 * Last modified: Mon Apr 29 13:55:14 2019 mstenber
 * Edit time:     211 min
 *
 */

// bmap package provides a persistent, copy-on-write B+ tree that
// maps logical block offsets of one file to block pointers. Nodes
// are immutable once committed; a committed root id therefore pins
// one whole version of the mapping, and two versions share every
// subtree that did not change between them. Compare (see delta.go)
// exploits exactly that.
//
// Node identity is the sha256 of the encoded node, so equal ids mean
// equal subtree contents regardless of which version they came from.
package bmap

import (
	"fmt"
	"sort"

	"github.com/bluele/gcache"
	sha256 "github.com/minio/sha256-simd"
	ucodec "github.com/ugorji/go/codec"

	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
)

// InvalidPtr is the 'no such block' sentinel; real pointers start
// from 1.
const InvalidPtr uint64 = 0

const maximumTreeDepth = 16

// Child is one entry of a node: in a leaf, Key maps to the block
// pointer Ptr; in an interior node, Key is the smallest key of the
// subtree identified by Id (or held in memory as childNode while
// dirty).
type Child struct {
	_struct bool `codec:",toarray"`

	Key uint64
	Ptr uint64
	Id  string

	childNode *Node
}

// NodeData is the persisted content of a node.
type NodeData struct {
	_struct bool `codec:",toarray"`

	Leafy    bool
	Children []*Child
}

// Tree is the static configuration shared by all versions of one
// mapping.
type Tree struct {
	// MaximumChildren per node; at most this many entries before
	// a split.
	MaximumChildren int

	st    *storage.Storage
	cache gcache.Cache
}

const defaultMaximumChildren = 128

func (self Tree) Init(st *storage.Storage, cacheSize int) *Tree {
	if self.MaximumChildren < 4 {
		self.MaximumChildren = defaultMaximumChildren
	}
	self.st = st
	if cacheSize > 0 {
		self.cache = gcache.New(cacheSize).ARC().Build()
	}
	return &self
}

// NewRoot starts an empty mapping (a fresh tree version).
func (self *Tree) NewRoot() *Node {
	return &Node{tree: self, NodeData: NodeData{Leafy: true}}
}

// LoadRoot returns the root node of a committed version.
func (self *Tree) LoadRoot(id string) (*Node, error) {
	nd, err := self.loadNode(id)
	if err != nil {
		return nil, err
	}
	return &Node{tree: self, NodeData: *nd, id: id}, nil
}

func (self *Tree) loadNode(id string) (*NodeData, error) {
	if self.cache != nil {
		if v, err := self.cache.Get(id); err == nil {
			return v.(*NodeData), nil
		}
	}
	data, err := self.st.ReadBlob(id)
	if err != nil {
		return nil, fmt.Errorf("bmap node %x: %w", id, err)
	}
	var nd NodeData
	if err = ucodec.NewDecoderBytes(data, &cborHandle).Decode(&nd); err != nil {
		return nil, fmt.Errorf("bmap node %x decode: %w", id, err)
	}
	mlog.Printf2("bmap/bmap", "t.loadNode %x (%d children)", id, len(nd.Children))
	if self.cache != nil {
		self.cache.Set(id, &nd)
	}
	return &nd, nil
}

func (self *Tree) saveNode(nd *NodeData) (string, error) {
	var data []byte
	if err := ucodec.NewEncoderBytes(&data, &cborHandle).Encode(nd); err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	id := string(h[:])
	if err := self.st.WriteBlob(id, data); err != nil {
		return "", err
	}
	if self.cache != nil {
		self.cache.Set(id, nd)
	}
	mlog.Printf2("bmap/bmap", "t.saveNode => %x", id)
	return id, nil
}

var cborHandle ucodec.CborHandle

// Node is a single node of a single tree version. A node with a
// non-empty id is committed and immutable.
type Node struct {
	NodeData
	id   string
	tree *Tree
}

func (self *Node) childNode(idx int) (*Node, error) {
	c := self.Children[idx]
	if c.childNode != nil {
		return c.childNode, nil
	}
	nd, err := self.tree.loadNode(c.Id)
	if err != nil {
		return nil, err
	}
	return &Node{tree: self.tree, NodeData: *nd, id: c.Id}, nil
}

// Get returns the pointer the key maps to, or InvalidPtr.
func (self *Node) Get(key uint64) (uint64, error) {
	n := self
	for depth := 0; ; depth++ {
		if depth > maximumTreeDepth {
			return InvalidPtr, fmt.Errorf("bmap depth exceeded at key %d", key)
		}
		if n.Leafy {
			idx := sort.Search(len(n.Children), func(i int) bool {
				return n.Children[i].Key >= key
			})
			if idx < len(n.Children) && n.Children[idx].Key == key {
				return n.Children[idx].Ptr, nil
			}
			return InvalidPtr, nil
		}
		idx := interiorIndex(n.Children, key)
		cn, err := n.childNode(idx)
		if err != nil {
			return InvalidPtr, err
		}
		n = cn
	}
}

// interiorIndex returns the index of the subtree responsible for key:
// the last child whose Key is <= key (clamped to the first child).
func interiorIndex(cl []*Child, key uint64) int {
	idx := sort.Search(len(cl), func(i int) bool {
		return cl[i].Key > key
	}) - 1
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Set maps key to ptr, returning the new root; the old root remains
// valid (copy-on-write).
func (self *Node) Set(key, ptr uint64) (*Node, error) {
	mlog.Printf2("bmap/bmap", "n.Set %d => %d", key, ptr)
	l, r, err := self.set(key, ptr, 0)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return l, nil
	}
	// Root split; tree grows by one level.
	cl := []*Child{
		{Key: l.Children[0].Key, childNode: l},
		{Key: r.Children[0].Key, childNode: r},
	}
	return &Node{tree: self.tree, NodeData: NodeData{Children: cl}}, nil
}

func (self *Node) set(key, ptr uint64, depth int) (left, right *Node, err error) {
	if depth > maximumTreeDepth {
		return nil, nil, fmt.Errorf("bmap depth exceeded at key %d", key)
	}
	if self.Leafy {
		idx := sort.Search(len(self.Children), func(i int) bool {
			return self.Children[i].Key >= key
		})
		replace := idx < len(self.Children) && self.Children[idx].Key == key
		if replace && self.Children[idx].Ptr == ptr {
			return self, nil, nil
		}
		cl := insertChild(self.Children, idx, replace, &Child{Key: key, Ptr: ptr})
		return self.splitIfNeeded(cl, true)
	}
	idx := interiorIndex(self.Children, key)
	cn, err := self.childNode(idx)
	if err != nil {
		return nil, nil, err
	}
	l, r, err := cn.set(key, ptr, depth+1)
	if err != nil {
		return nil, nil, err
	}
	if l == cn && r == nil {
		// No-op set deep down
		return self, nil, nil
	}
	cl := make([]*Child, 0, len(self.Children)+1)
	cl = append(cl, self.Children[:idx]...)
	cl = append(cl, &Child{Key: l.Children[0].Key, childNode: l})
	if r != nil {
		cl = append(cl, &Child{Key: r.Children[0].Key, childNode: r})
	}
	cl = append(cl, self.Children[idx+1:]...)
	return self.splitIfNeeded(cl, false)
}

func insertChild(cl []*Child, idx int, replace bool, c *Child) []*Child {
	nl := len(cl) + 1
	oidx := idx
	if replace {
		nl--
		oidx++
	}
	ncl := make([]*Child, nl)
	copy(ncl, cl[:idx])
	ncl[idx] = c
	copy(ncl[idx+1:], cl[oidx:])
	return ncl
}

func (self *Node) splitIfNeeded(cl []*Child, leafy bool) (left, right *Node, err error) {
	if len(cl) <= self.tree.MaximumChildren {
		return &Node{tree: self.tree, NodeData: NodeData{Leafy: leafy, Children: cl}}, nil, nil
	}
	mid := len(cl) / 2
	left = &Node{tree: self.tree, NodeData: NodeData{Leafy: leafy, Children: cl[:mid]}}
	right = &Node{tree: self.tree, NodeData: NodeData{Leafy: leafy, Children: cl[mid:]}}
	return left, right, nil
}

// Commit persists every dirty node bottom-up and returns the root
// id. Committing an already committed node is a no-op.
func (self *Node) Commit() (string, error) {
	if self.id != "" {
		return self.id, nil
	}
	if !self.Leafy {
		for _, c := range self.Children {
			if c.childNode == nil {
				continue
			}
			id, err := c.childNode.Commit()
			if err != nil {
				return "", err
			}
			c.Id = id
			c.childNode = nil
		}
	}
	id, err := self.tree.saveNode(&self.NodeData)
	if err != nil {
		return "", err
	}
	self.id = id
	return id, nil
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 21 11:05:17 2019 mstenber
 * Last modified: Thu May  2 15:40:28 2019 mstenber
 * Edit time:     83 min
 *
 */

package ifile

import (
	"fmt"

	"github.com/fingon/go-lsfs/alloc"
	"github.com/fingon/go-lsfs/bmap"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
	"github.com/fingon/go-lsfs/util"
)

// TableConfig is what a freshly formatted table is created with.
// Opening an existing table ignores it; layout comes from the stored
// header.
type TableConfig struct {
	EntrySize   int
	BlockSize   int
	ReservedIno uint64
	Capacity    uint64
}

const (
	DefaultEntrySize   = 128
	DefaultBlockSize   = 4096
	DefaultReservedIno = 11
	DefaultCapacity    = 1 << 20
)

func (self TableConfig) withDefaults() TableConfig {
	if self.EntrySize == 0 {
		self.EntrySize = DefaultEntrySize
	}
	if self.BlockSize == 0 {
		self.BlockSize = DefaultBlockSize
	}
	if self.ReservedIno == 0 {
		self.ReservedIno = DefaultReservedIno
	}
	if self.Capacity == 0 {
		self.Capacity = DefaultCapacity
	}
	return self
}

type tableEntry struct {
	table *Table
	err   error
	done  chan struct{}
}

// Registry hands out tables by name over shared storage. Attaching
// the same name twice yields the same *Table; concurrent attachers
// of a name block until the first one finishes. One bmap node cache
// is shared by all tables of the registry.
type Registry struct {
	st   *storage.Storage
	tree *bmap.Tree

	lock   util.MutexLocked
	tables map[string]*tableEntry
}

// nodeCacheSize is the shared bmap node cache capacity.
const nodeCacheSize = 1024

func NewRegistry(st *storage.Storage) *Registry {
	return &Registry{
		st:     st,
		tree:   bmap.Tree{}.Init(st, nodeCacheSize),
		tables: make(map[string]*tableEntry),
	}
}

// Attach opens (or formats, if absent) the named table. Safe for
// concurrent use.
func (self *Registry) Attach(name string, config TableConfig) (*Table, error) {
	unlock := self.lock.Locked()
	if e, ok := self.tables[name]; ok {
		unlock()
		<-e.done
		return e.table, e.err
	}
	e := &tableEntry{done: make(chan struct{})}
	self.tables[name] = e
	unlock()

	e.table, e.err = self.open(name, config.withDefaults())
	if e.err != nil {
		defer self.lock.Locked()()
		delete(self.tables, name)
	}
	close(e.done)
	return e.table, e.err
}

// Detach flushes the named table and forgets it; a later Attach
// reopens from storage.
func (self *Registry) Detach(name string) error {
	unlock := self.lock.Locked()
	e, ok := self.tables[name]
	if !ok {
		unlock()
		return nil
	}
	delete(self.tables, name)
	unlock()
	<-e.done
	if e.table == nil {
		return nil
	}
	return e.table.Flush()
}

func (self *Registry) open(name string, config TableConfig) (*Table, error) {
	st := self.st
	id, err := st.GetBlockIdByName(name)
	if err != nil {
		return nil, err
	}
	t := &Table{Name: name, st: st, tree: self.tree}
	if id == "" {
		return self.format(t, config)
	}
	if err := t.readHeader(id, &t.hdr); err != nil {
		return nil, err
	}
	if t.hdr.EntrySize < MinimumEntrySize || t.hdr.BlockSize <= 0 {
		return nil, fmt.Errorf("%w: bad header of %s", ErrCorrupt, name)
	}
	if t.hdr.Root == "" {
		t.root = self.tree.NewRoot()
	} else if t.root, err = self.tree.LoadRoot(t.hdr.Root); err != nil {
		return nil, err
	}
	t.layout = alloc.Layout{BlockSize: t.hdr.BlockSize, EntrySize: t.hdr.EntrySize}
	t.alloc = alloc.Allocator{Layout: t.layout, Capacity: t.hdr.Capacity}.Init(t)
	t.alloc.SetupCache()
	mlog.Printf2("ifile/attach", "r.open %s (existing)", name)
	return t, nil
}

func (self *Registry) format(t *Table, config TableConfig) (*Table, error) {
	if config.EntrySize < MinimumEntrySize {
		return nil, fmt.Errorf("entry size %d below minimum %d", config.EntrySize, MinimumEntrySize)
	}
	t.hdr = tableHeader{
		EntrySize:   config.EntrySize,
		BlockSize:   config.BlockSize,
		ReservedIno: config.ReservedIno,
		Capacity:    config.Capacity,
		// Pointer 0 is InvalidPtr; never hand it out.
		NextPtr: 1,
	}
	t.layout = alloc.Layout{BlockSize: t.hdr.BlockSize, EntrySize: t.hdr.EntrySize}
	t.root = self.tree.NewRoot()
	t.alloc = alloc.Allocator{Layout: t.layout, Capacity: t.hdr.Capacity}.Init(t)
	if err := t.alloc.ReserveBelow(t.hdr.ReservedIno); err != nil {
		return nil, err
	}
	t.alloc.SetupCache()
	t.markDirty()
	if err := t.Flush(); err != nil {
		return nil, err
	}
	mlog.Printf2("ifile/attach", "r.format %s", t.Name)
	return t, nil
}

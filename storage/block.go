/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar  6 10:02:44 2019 mstenber
 * Last modified: Tue Apr 16 10:52:39 2019 mstenber
 * Edit time:     58 min
 *
 */

package storage

import (
	"fmt"
	"log"

	"github.com/fingon/go-lsfs/mlog"
)

// Block is the in-memory representation of a single block. It is
// internal to the storage package; the outside world deals in
// BlockHandles. The data slice is shared by every handle of the same
// id, so in-place mutation through one handle is visible to all of
// them.
type Block struct {
	Id string

	storage *Storage
	data    []byte
	refcnt  int
	dirty   bool
}

func (self *Block) String() string {
	return fmt.Sprintf("block{%x rc:%d dirty:%v}", self.Id, self.refcnt, self.dirty)
}

// BlockHandle is the public, ownership-counted view of a Block. Each
// handle must be Closed exactly once; the last Close of a clean block
// drops it from memory.
type BlockHandle struct {
	block  *Block
	closed bool
}

func newBlockHandle(b *Block) *BlockHandle {
	b.refcnt++
	return &BlockHandle{block: b}
}

// Open produces another handle for the same block (= the pin count of
// the block grows by one).
func (self *BlockHandle) Open() *BlockHandle {
	if self.closed {
		log.Panic("Open of closed ", self)
	}
	mlog.Printf2("storage/block", "bh.Open %v", self.block)
	return newBlockHandle(self.block)
}

// Close releases the handle. Double close is a programming error.
func (self *BlockHandle) Close() {
	if self.closed {
		log.Panic("double Close of ", self)
	}
	self.closed = true
	b := self.block
	b.refcnt--
	if b.refcnt < 0 {
		log.Panic("negative refcnt of ", b)
	}
	mlog.Printf2("storage/block", "bh.Close %v", b)
	if b.refcnt == 0 && !b.dirty {
		b.storage.forgetBlock(b)
	}
}

func (self *BlockHandle) Id() string {
	return self.block.Id
}

// Data returns the block payload. The slice is shared; writes to it
// must be followed by MarkDirty.
func (self *BlockHandle) Data() []byte {
	if self.closed {
		log.Panic("Data of closed ", self)
	}
	return self.block.data
}

// MarkDirty queues the block to be written out on next Flush.
func (self *BlockHandle) MarkDirty() {
	if self.closed {
		log.Panic("MarkDirty of closed ", self)
	}
	b := self.block
	if b.dirty {
		return
	}
	b.dirty = true
	b.storage.dirtyBlocks[b.Id] = b
}

func (self *BlockHandle) String() string {
	return fmt.Sprintf("bh{%v}", self.block)
}

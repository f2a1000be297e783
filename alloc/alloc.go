/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 18 10:05:33 2019 mstenber
 * Last modified: Tue Apr 30 11:18:27 2019 mstenber
 * Edit time:     147 min
 *
 */

// alloc package manages allocation of fixed-size entries inside a
// block-mapped metadata file. The file is split into block groups;
// each group starts with one bitmap block whose bits track the
// entries of the group, followed by the entry blocks themselves.
//
// Allocation and freeing follow a three-phase protocol: a request is
// first prepared (the entry number is reserved), and then either
// committed or aborted. A caller must never hold on to a prepared
// request across a call boundary.
package alloc

import (
	"errors"
	"fmt"
	"log"

	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
)

var ErrNoSpace = errors.New("no free entries")
var ErrNotAllocated = errors.New("entry not allocated")

// File is the owning metadata file; blkoff is a logical block offset
// within it. With create set, a missing block comes back zero-filled
// instead of as an error.
type File interface {
	Block(blkoff uint64, create bool) (*storage.BlockHandle, error)
}

type BlockType int

const (
	BlockTypeBitmap BlockType = iota
	BlockTypeEntry
)

// Layout derives the block group geometry from the block and entry
// sizes. One bitmap block worth of bits (8 * BlockSize entries) makes
// up one group.
type Layout struct {
	BlockSize int
	EntrySize int
}

func (self Layout) EntriesPerBlock() int {
	return self.BlockSize / self.EntrySize
}

func (self Layout) EntriesPerGroup() uint64 {
	return uint64(8 * self.BlockSize)
}

func (self Layout) BlocksPerGroup() uint64 {
	epb := uint64(self.EntriesPerBlock())
	return 1 + (self.EntriesPerGroup()+epb-1)/epb
}

// EntryBlkoff maps an entry number to the block offset of its
// containing entry block.
func (self Layout) EntryBlkoff(nr uint64) uint64 {
	group := nr / self.EntriesPerGroup()
	within := nr % self.EntriesPerGroup()
	return group*self.BlocksPerGroup() + 1 + within/uint64(self.EntriesPerBlock())
}

// EntryOffset is the byte offset of the entry within its block.
func (self Layout) EntryOffset(nr uint64) int {
	return int(nr%uint64(self.EntriesPerBlock())) * self.EntrySize
}

func (self Layout) bitmapBlkoff(group uint64) uint64 {
	return group * self.BlocksPerGroup()
}

// BlockType resolves what a block offset holds. For entry blocks the
// second return value is the entry number of the block's first slot.
func (self Layout) BlockType(blkoff uint64) (BlockType, uint64) {
	group := blkoff / self.BlocksPerGroup()
	ofs := blkoff % self.BlocksPerGroup()
	if ofs == 0 {
		return BlockTypeBitmap, 0
	}
	nr := group*self.EntriesPerGroup() + (ofs-1)*uint64(self.EntriesPerBlock())
	return BlockTypeEntry, nr
}

// Allocator tracks the entry bitmap of one file.
type Allocator struct {
	Layout

	// Capacity is the total number of entry slots; entry numbers
	// are always below it.
	Capacity uint64

	file File

	// Optional per-group free count cache (see SetupCache).
	freeCount map[uint64]int
}

func (self Allocator) Init(file File) *Allocator {
	if self.EntriesPerBlock() < 1 {
		log.Panic("entry size larger than block size")
	}
	self.file = file
	return &self
}

// SetupCache installs the per-group free count lookup cache. Without
// it every prepare scans the group bitmaps.
func (self *Allocator) SetupCache() {
	self.freeCount = make(map[uint64]int)
}

type requestState int

const (
	requestIdle requestState = iota
	requestPrepared
	requestCommitted
	requestAborted
)

// Request threads one allocate (or free) through its prepare and
// commit/abort phases. The zero value is ready for PrepareAlloc; for
// the free path, set Nr first.
type Request struct {
	Nr uint64

	bitmap *storage.BlockHandle
	state  requestState
}

func (self *Request) assertState(s requestState) {
	if self.state != s {
		log.Panic("request in wrong state: ", self.state)
	}
}

// PrepareAlloc reserves the lowest free entry number, starting from
// the beginning of the file. ErrNoSpace when every slot below
// Capacity is taken.
func (self *Allocator) PrepareAlloc(req *Request) error {
	req.assertState(requestIdle)
	epg := self.EntriesPerGroup()
	for base := uint64(0); base < self.Capacity; base += epg {
		group := base / epg
		if n, ok := self.freeCount[group]; ok && n == 0 {
			continue
		}
		bh, err := self.file.Block(self.bitmapBlkoff(group), true)
		if err != nil {
			return err
		}
		limit := self.Capacity - base
		if limit > epg {
			limit = epg
		}
		nr, found := findZeroBit(bh.Data(), limit)
		if !found {
			if self.freeCount != nil {
				self.freeCount[group] = 0
			}
			bh.Close()
			continue
		}
		if self.freeCount != nil {
			if _, ok := self.freeCount[group]; !ok {
				self.freeCount[group] = countZeroBits(bh.Data(), limit)
			}
			self.freeCount[group]--
		}
		setBit(bh.Data(), nr)
		req.Nr = base + nr
		req.bitmap = bh
		req.state = requestPrepared
		mlog.Printf2("alloc/alloc", "a.PrepareAlloc => %d", req.Nr)
		return nil
	}
	return ErrNoSpace
}

// CommitAlloc finishes a prepared allocation.
func (self *Allocator) CommitAlloc(req *Request) {
	req.assertState(requestPrepared)
	req.bitmap.MarkDirty()
	req.bitmap.Close()
	req.bitmap = nil
	req.state = requestCommitted
	mlog.Printf2("alloc/alloc", "a.CommitAlloc %d", req.Nr)
}

// AbortAlloc rolls back a prepared allocation.
func (self *Allocator) AbortAlloc(req *Request) {
	req.assertState(requestPrepared)
	clearBit(req.bitmap.Data(), req.Nr%self.EntriesPerGroup())
	if _, ok := self.freeCount[req.Nr/self.EntriesPerGroup()]; ok {
		self.freeCount[req.Nr/self.EntriesPerGroup()]++
	}
	req.bitmap.Close()
	req.bitmap = nil
	req.state = requestAborted
	mlog.Printf2("alloc/alloc", "a.AbortAlloc %d", req.Nr)
}

// PrepareFree checks that req.Nr is allocated and reserves it for
// freeing; the bit is cleared only at CommitFree.
func (self *Allocator) PrepareFree(req *Request) error {
	req.assertState(requestIdle)
	if req.Nr >= self.Capacity {
		return fmt.Errorf("%w: %d", ErrNotAllocated, req.Nr)
	}
	group := req.Nr / self.EntriesPerGroup()
	bh, err := self.file.Block(self.bitmapBlkoff(group), false)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrNotAllocated, req.Nr)
		}
		return err
	}
	if !testBit(bh.Data(), req.Nr%self.EntriesPerGroup()) {
		bh.Close()
		return fmt.Errorf("%w: %d", ErrNotAllocated, req.Nr)
	}
	req.bitmap = bh
	req.state = requestPrepared
	mlog.Printf2("alloc/alloc", "a.PrepareFree %d", req.Nr)
	return nil
}

// CommitFree clears the bit of a prepared free.
func (self *Allocator) CommitFree(req *Request) {
	req.assertState(requestPrepared)
	clearBit(req.bitmap.Data(), req.Nr%self.EntriesPerGroup())
	req.bitmap.MarkDirty()
	if _, ok := self.freeCount[req.Nr/self.EntriesPerGroup()]; ok {
		self.freeCount[req.Nr/self.EntriesPerGroup()]++
	}
	req.bitmap.Close()
	req.bitmap = nil
	req.state = requestCommitted
	mlog.Printf2("alloc/alloc", "a.CommitFree %d", req.Nr)
}

// AbortFree releases a prepared free without freeing anything.
func (self *Allocator) AbortFree(req *Request) {
	req.assertState(requestPrepared)
	req.bitmap.Close()
	req.bitmap = nil
	req.state = requestAborted
	mlog.Printf2("alloc/alloc", "a.AbortFree %d", req.Nr)
}

// ReserveBelow marks every entry number below nr as allocated; used
// once at format time for the reserved range.
func (self *Allocator) ReserveBelow(nr uint64) error {
	if nr == 0 {
		return nil
	}
	if nr > self.EntriesPerGroup() {
		return fmt.Errorf("reserved range %d exceeds first group", nr)
	}
	bh, err := self.file.Block(self.bitmapBlkoff(0), true)
	if err != nil {
		return err
	}
	for i := uint64(0); i < nr; i++ {
		setBit(bh.Data(), i)
	}
	bh.MarkDirty()
	bh.Close()
	if self.freeCount != nil {
		delete(self.freeCount, 0)
	}
	return nil
}

func testBit(data []byte, i uint64) bool {
	return data[i/8]&(1<<(i%8)) != 0
}

func setBit(data []byte, i uint64) {
	data[i/8] |= 1 << (i % 8)
}

func clearBit(data []byte, i uint64) {
	data[i/8] &^= 1 << (i % 8)
}

func findZeroBit(data []byte, limit uint64) (uint64, bool) {
	for i := uint64(0); i < limit; i++ {
		if !testBit(data, i) {
			return i, true
		}
	}
	return 0, false
}

func countZeroBits(data []byte, limit uint64) (n int) {
	for i := uint64(0); i < limit; i++ {
		if !testBit(data, i) {
			n++
		}
	}
	return n
}

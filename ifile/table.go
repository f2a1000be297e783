/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 19 10:30:55 2019 mstenber
 * Last modified: Thu May  2 14:18:36 2019 mstenber
 * Edit time:     248 min
 *
 */

// ifile package implements the inode table of the filesystem: a
// block-mapped metadata file holding one fixed-size record per inode
// number, with the entry allocator's bitmap blocks interleaved in the
// same file. Physical blocks are never overwritten once a checkpoint
// has frozen them; writes go to freshly allocated pointers instead
// (copy-on-write), which is what makes historical table versions
// cheap and Compare possible.
package ifile

import (
	"errors"
	"fmt"

	ucodec "github.com/ugorji/go/codec"

	"github.com/fingon/go-lsfs/alloc"
	"github.com/fingon/go-lsfs/bmap"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
	"github.com/fingon/go-lsfs/util"
)

var ErrInvalidIno = errors.New("invalid inode number")
var ErrCorrupt = errors.New("inode table corrupt")
var ErrReadOnly = errors.New("read-only table version")

// Re-exported allocator errors so callers need not know where they
// come from.
var ErrNoSpace = alloc.ErrNoSpace
var ErrNotAllocated = alloc.ErrNotAllocated

// tableHeader is the persisted per-version state of the table.
type tableHeader struct {
	_struct bool `codec:",toarray"`

	EntrySize   int
	BlockSize   int
	ReservedIno uint64
	Capacity    uint64

	// NextPtr is the next unused physical block pointer;
	// Watermark freezes everything below it (allocated before the
	// latest checkpoint).
	NextPtr   uint64
	Watermark uint64

	// Root is the committed bmap root id ("" for an empty
	// mapping).
	Root string
}

var cborHandle ucodec.CborHandle

// Table is one version of the inode table: the current mutable one,
// or a read-only checkpoint opened for comparison.
type Table struct {
	Name string

	st     *storage.Storage
	tree   *bmap.Tree
	root   *bmap.Node
	layout alloc.Layout
	alloc  *alloc.Allocator

	hdr      tableHeader
	hdrDirty bool
	readonly bool
}

func (self *Table) String() string {
	return fmt.Sprintf("table{%s ro:%v}", self.Name, self.readonly)
}

func (self *Table) EntrySize() int {
	return self.hdr.EntrySize
}

func (self *Table) Capacity() uint64 {
	return self.hdr.Capacity
}

func (self *Table) ReservedIno() uint64 {
	return self.hdr.ReservedIno
}

func blockId(ptr uint64) string {
	return "d" + string(util.Uint64Bytes(ptr))
}

// markDirty notes that the table's own metadata has changed and needs
// a Flush.
func (self *Table) markDirty() {
	self.hdrDirty = true
}

// Block implements the alloc.File API: a write-intent fetch of a
// logical block, copy-on-write when the block is frozen by a
// checkpoint.
func (self *Table) Block(blkoff uint64, create bool) (*storage.BlockHandle, error) {
	if self.readonly {
		return nil, ErrReadOnly
	}
	ptr, err := self.root.Get(blkoff)
	if err != nil {
		return nil, err
	}
	if ptr == bmap.InvalidPtr {
		if !create {
			return nil, fmt.Errorf("block %d: %w", blkoff, storage.ErrNotFound)
		}
		return self.newBlock(blkoff, nil)
	}
	if ptr < self.hdr.Watermark {
		// Frozen by a checkpoint; give out a private copy
		// under a fresh pointer.
		old, err := self.st.GetBlock(blockId(ptr))
		if err != nil {
			return nil, err
		}
		bh, err := self.newBlock(blkoff, old.Data())
		old.Close()
		return bh, err
	}
	return self.st.GetBlock(blockId(ptr))
}

func (self *Table) newBlock(blkoff uint64, content []byte) (*storage.BlockHandle, error) {
	ptr := self.hdr.NextPtr
	self.hdr.NextPtr++
	self.markDirty()
	bh, err := self.st.CreateBlock(blockId(ptr), self.hdr.BlockSize)
	if err != nil {
		return nil, err
	}
	copy(bh.Data(), content)
	root, err := self.root.Set(blkoff, ptr)
	if err != nil {
		bh.Close()
		return nil, err
	}
	self.root = root
	mlog.Printf2("ifile/table", "t.newBlock %d => ptr %d", blkoff, ptr)
	return bh, nil
}

// readBlock fetches a logical block without any write intent; it
// never creates and never copies.
func (self *Table) readBlock(blkoff uint64) (*storage.BlockHandle, error) {
	ptr, err := self.root.Get(blkoff)
	if err != nil {
		return nil, err
	}
	if ptr == bmap.InvalidPtr {
		return nil, fmt.Errorf("block %d: %w", blkoff, storage.ErrNotFound)
	}
	return self.st.GetBlock(blockId(ptr))
}

// CreateInode allocates the lowest free inode number and returns it
// together with a pinned handle of its containing block. The record
// bytes are not initialized here; that is the inode layer's job. The
// caller owns the handle.
func (self *Table) CreateInode() (ino uint64, bh *storage.BlockHandle, err error) {
	if self.readonly {
		return 0, nil, ErrReadOnly
	}
	var req alloc.Request
	if err = self.alloc.PrepareAlloc(&req); err != nil {
		return
	}
	bh, err = self.Block(self.layout.EntryBlkoff(req.Nr), true)
	if err != nil {
		self.alloc.AbortAlloc(&req)
		return
	}
	self.alloc.CommitAlloc(&req)
	bh.MarkDirty()
	self.markDirty()
	ino = req.Nr
	mlog.Printf2("ifile/table", "t.CreateInode => %d", ino)
	return
}

// DeleteInode frees the inode number. Only the record's flags are
// cleared in place; the rest of the record is left as it was.
func (self *Table) DeleteInode(ino uint64) error {
	if self.readonly {
		return ErrReadOnly
	}
	req := alloc.Request{Nr: ino}
	if err := self.alloc.PrepareFree(&req); err != nil {
		return err
	}
	bh, err := self.Block(self.layout.EntryBlkoff(ino), false)
	if err != nil {
		self.alloc.AbortFree(&req)
		return err
	}
	self.MapRecord(ino, bh).SetFlags(0)
	bh.MarkDirty()
	bh.Close()
	self.alloc.CommitFree(&req)
	self.markDirty()
	mlog.Printf2("ifile/table", "t.DeleteInode %d", ino)
	return nil
}

// GetInodeBlock returns a pinned handle of the block holding the
// inode's record. Out-of-range numbers are rejected before any I/O.
// A missing block is the caller's problem to recover from, not a
// table-wide failure; it is logged and returned as an error.
func (self *Table) GetInodeBlock(ino uint64) (*storage.BlockHandle, error) {
	if ino < self.hdr.ReservedIno || ino >= self.hdr.Capacity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIno, ino)
	}
	bh, err := self.readBlock(self.layout.EntryBlkoff(ino))
	if err != nil {
		mlog.Printf2("ifile/table", "t.GetInodeBlock: unable to read inode %d: %s", ino, err)
		return nil, err
	}
	return bh, nil
}

// DirtyInodeBlock is GetInodeBlock with write intent: the returned
// block may be mutated and must be marked dirty afterwards. A block
// frozen by a checkpoint is replaced with a writable copy first.
func (self *Table) DirtyInodeBlock(ino uint64) (*storage.BlockHandle, error) {
	if self.readonly {
		return nil, ErrReadOnly
	}
	if ino < self.hdr.ReservedIno || ino >= self.hdr.Capacity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIno, ino)
	}
	return self.Block(self.layout.EntryBlkoff(ino), false)
}

// Flush commits the block mapping and writes the header and all
// dirty blocks out.
func (self *Table) Flush() error {
	if self.readonly {
		return nil
	}
	rootId, err := self.root.Commit()
	if err != nil {
		return err
	}
	if rootId != self.hdr.Root {
		self.hdr.Root = rootId
		self.hdrDirty = true
	}
	if err := self.st.Flush(); err != nil {
		return err
	}
	if !self.hdrDirty {
		return nil
	}
	if err := self.writeHeader(headerBlobId(self.Name), &self.hdr); err != nil {
		return err
	}
	if err := self.st.SetNameToBlockId(self.Name, headerBlobId(self.Name)); err != nil {
		return err
	}
	self.hdrDirty = false
	mlog.Printf2("ifile/table", "t.Flush %v done", self)
	return nil
}

// Checkpoint persists the current state of the table under the given
// checkpoint name and freezes the blocks it covers; later writes go
// to fresh pointers. The checkpoint can be opened read-only with
// OpenCheckpoint and compared against with Compare.
func (self *Table) Checkpoint(cpName string) error {
	if self.readonly {
		return ErrReadOnly
	}
	if err := self.Flush(); err != nil {
		return err
	}
	hdr := self.hdr
	id := checkpointBlobId(self.Name, cpName)
	if err := self.writeHeader(id, &hdr); err != nil {
		return err
	}
	if err := self.st.SetNameToBlockId(checkpointName(self.Name, cpName), id); err != nil {
		return err
	}
	self.hdr.Watermark = self.hdr.NextPtr
	self.markDirty()
	mlog.Printf2("ifile/table", "t.Checkpoint %s@%s", self.Name, cpName)
	return self.Flush()
}

// OpenCheckpoint opens a previously made checkpoint as a read-only
// table sharing this table's storage and node cache.
func (self *Table) OpenCheckpoint(cpName string) (*Table, error) {
	var hdr tableHeader
	if err := self.readHeader(checkpointBlobId(self.Name, cpName), &hdr); err != nil {
		return nil, err
	}
	var root *bmap.Node
	if hdr.Root == "" {
		root = self.tree.NewRoot()
	} else {
		var err error
		if root, err = self.tree.LoadRoot(hdr.Root); err != nil {
			return nil, err
		}
	}
	t := &Table{
		Name:     checkpointName(self.Name, cpName),
		st:       self.st,
		tree:     self.tree,
		root:     root,
		layout:   alloc.Layout{BlockSize: hdr.BlockSize, EntrySize: hdr.EntrySize},
		hdr:      hdr,
		readonly: true,
	}
	return t, nil
}

func headerBlobId(name string) string {
	return "T:" + name
}

func checkpointName(name, cpName string) string {
	return name + "@" + cpName
}

func checkpointBlobId(name, cpName string) string {
	return "T:" + checkpointName(name, cpName)
}

func (self *Table) writeHeader(id string, hdr *tableHeader) error {
	var data []byte
	if err := ucodec.NewEncoderBytes(&data, &cborHandle).Encode(hdr); err != nil {
		return err
	}
	return self.st.WriteBlob(id, data)
}

func (self *Table) readHeader(id string, hdr *tableHeader) error {
	data, err := self.st.ReadBlob(id)
	if err != nil {
		return err
	}
	return ucodec.NewDecoderBytes(data, &cborHandle).Decode(hdr)
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar  6 10:40:12 2019 mstenber
 * Last modified: Thu Apr 18 12:09:55 2019 mstenber
 * Edit time:     104 min
 *
 */

// storage package provides an ownership-counted block cache on top of
// pluggable storage backends. Blocks are pinned with BlockHandles;
// pinned blocks stay in memory and their payload is shared between
// all handles of the same id. Dirty blocks are written out (through
// the optional Codec) on Flush.
//
// The package performs no locking of its own; callers are expected to
// serialize access the same way they serialize the rest of their
// metadata mutation.
package storage

import (
	"fmt"

	"github.com/fingon/go-lsfs/codec"
	"github.com/fingon/go-lsfs/mlog"
)

type Storage struct {
	// Backend is where the blocks actually live. Mandatory.
	Backend Backend

	// Codec, if set, is applied to block payloads on their way to
	// and from the Backend (block id acts as additional data).
	Codec codec.Codec

	// All blocks currently in memory (pinned and/or dirty).
	blocks map[string]*Block

	// Subset of blocks that need writing out.
	dirtyBlocks map[string]*Block

	reads, writes int
}

// Init sets up the default values to be usable.
func (self Storage) Init() *Storage {
	self.blocks = make(map[string]*Block)
	self.dirtyBlocks = make(map[string]*Block)
	return &self
}

func (self *Storage) Close() {
	self.Backend.Close()
}

// GetBlock pins the block with the given id, reading it from the
// backend if it is not in memory. ErrNotFound (wrapped) comes back
// for ids the backend does not have.
func (self *Storage) GetBlock(id string) (*BlockHandle, error) {
	b, ok := self.blocks[id]
	if !ok {
		data, err := self.readData(id)
		if err != nil {
			return nil, err
		}
		b = &Block{Id: id, storage: self, data: data}
		self.blocks[id] = b
	}
	mlog.Printf2("storage/storage", "st.GetBlock %x => %v", id, b)
	return newBlockHandle(b), nil
}

// CreateBlock pins a new zero-filled block of the given size. The
// block starts out dirty; it reaches the backend on Flush. The id
// must not be in use.
func (self *Storage) CreateBlock(id string, size int) (*BlockHandle, error) {
	if _, ok := self.blocks[id]; ok {
		return nil, fmt.Errorf("CreateBlock: id %x already in memory", id)
	}
	b := &Block{Id: id, storage: self, data: make([]byte, size)}
	self.blocks[id] = b
	h := newBlockHandle(b)
	h.MarkDirty()
	mlog.Printf2("storage/storage", "st.CreateBlock %x (%d bytes)", id, size)
	return h, nil
}

// ReadBlob reads a block payload without pinning it. The caller owns
// the returned slice.
func (self *Storage) ReadBlob(id string) ([]byte, error) {
	if b, ok := self.blocks[id]; ok {
		data := make([]byte, len(b.data))
		copy(data, b.data)
		return data, nil
	}
	return self.readData(id)
}

// WriteBlob writes a block payload straight through to the backend.
// Meant for immutable, content-addressed data (e.g. tree nodes).
func (self *Storage) WriteBlob(id string, data []byte) error {
	mlog.Printf2("storage/storage", "st.WriteBlob %x (%d bytes)", id, len(data))
	return self.writeData(id, data)
}

// Flush writes all dirty blocks to the backend and drops the
// unpinned ones from memory.
func (self *Storage) Flush() error {
	mlog.Printf2("storage/storage", "st.Flush (%d dirty)", len(self.dirtyBlocks))
	for id, b := range self.dirtyBlocks {
		if err := self.writeData(id, b.data); err != nil {
			return err
		}
		b.dirty = false
		delete(self.dirtyBlocks, id)
		if b.refcnt == 0 {
			self.forgetBlock(b)
		}
	}
	return nil
}

// SetNameToBlockId persists the name => block id mapping.
func (self *Storage) SetNameToBlockId(name, id string) error {
	return self.Backend.SetNameToBlockId(name, id)
}

// GetBlockIdByName returns the persisted mapping, or "".
func (self *Storage) GetBlockIdByName(name string) (string, error) {
	return self.Backend.GetBlockIdByName(name)
}

// Pinned returns the total number of live handles. Zero outside
// calls means nothing is leaking.
func (self *Storage) Pinned() int {
	n := 0
	for _, b := range self.blocks {
		n += b.refcnt
	}
	return n
}

// Reads returns the number of backend data reads so far.
func (self *Storage) Reads() int {
	return self.reads
}

// Writes returns the number of backend data writes so far.
func (self *Storage) Writes() int {
	return self.writes
}

func (self *Storage) readData(id string) ([]byte, error) {
	data, err := self.Backend.GetBlockData(id)
	if err != nil {
		return nil, err
	}
	self.reads++
	if self.Codec != nil {
		data, err = self.Codec.DecodeBytes(data, []byte(id))
		if err != nil {
			return nil, fmt.Errorf("decoding block %x: %w", id, err)
		}
	}
	return data, nil
}

func (self *Storage) writeData(id string, data []byte) error {
	if self.Codec != nil {
		var err error
		data, err = self.Codec.EncodeBytes(data, []byte(id))
		if err != nil {
			return fmt.Errorf("encoding block %x: %w", id, err)
		}
	}
	if err := self.Backend.StoreBlock(id, data); err != nil {
		return err
	}
	self.writes++
	return nil
}

func (self *Storage) forgetBlock(b *Block) {
	mlog.Printf2("storage/storage", "st.forgetBlock %v", b)
	delete(self.blocks, b.Id)
}

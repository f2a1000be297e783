/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 18 16:40:10 2019 mstenber
 * Last modified: Thu May  2 18:05:12 2019 mstenber
 * Edit time:     58 min
 *
 */

package alloc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stvp/assert"

	"github.com/fingon/go-lsfs/storage"
	"github.com/fingon/go-lsfs/storage/inmemory"
)

type memFile struct {
	st        *storage.Storage
	blockSize int
}

func newMemFile(blockSize int) *memFile {
	be := inmemory.NewInMemoryBackend()
	be.Init(storage.BackendConfiguration{})
	return &memFile{st: storage.Storage{Backend: be}.Init(), blockSize: blockSize}
}

func (self *memFile) Block(blkoff uint64, create bool) (*storage.BlockHandle, error) {
	id := fmt.Sprintf("b%d", blkoff)
	bh, err := self.st.GetBlock(id)
	if err == nil {
		return bh, nil
	}
	if !errors.Is(err, storage.ErrNotFound) || !create {
		return nil, err
	}
	return self.st.CreateBlock(id, self.blockSize)
}

func newTestAllocator(capacity uint64) (*Allocator, *memFile) {
	layout := Layout{BlockSize: 32, EntrySize: 16}
	f := newMemFile(layout.BlockSize)
	return Allocator{Layout: layout, Capacity: capacity}.Init(f), f
}

func alloc1(t *testing.T, a *Allocator) uint64 {
	var req Request
	assert.Nil(t, a.PrepareAlloc(&req))
	a.CommitAlloc(&req)
	return req.Nr
}

func free1(t *testing.T, a *Allocator, nr uint64) {
	req := Request{Nr: nr}
	assert.Nil(t, a.PrepareFree(&req))
	a.CommitFree(&req)
}

func TestAllocSequential(t *testing.T) {
	t.Parallel()
	a, f := newTestAllocator(20)
	for i := uint64(0); i < 20; i++ {
		assert.Equal(t, alloc1(t, a), i)
	}
	var req Request
	err := a.PrepareAlloc(&req)
	assert.True(t, errors.Is(err, ErrNoSpace))
	assert.Equal(t, f.st.Pinned(), 0)
}

func TestAllocAbort(t *testing.T) {
	t.Parallel()
	a, f := newTestAllocator(20)
	var req Request
	assert.Nil(t, a.PrepareAlloc(&req))
	assert.Equal(t, req.Nr, uint64(0))
	a.AbortAlloc(&req)

	// Aborted number comes right back.
	assert.Equal(t, alloc1(t, a), uint64(0))
	assert.Equal(t, f.st.Pinned(), 0)
}

func TestFreeRealloc(t *testing.T) {
	t.Parallel()
	a, f := newTestAllocator(20)
	for i := 0; i < 3; i++ {
		alloc1(t, a)
	}
	free1(t, a, 1)
	assert.Equal(t, alloc1(t, a), uint64(1))
	assert.Equal(t, alloc1(t, a), uint64(3))
	assert.Equal(t, f.st.Pinned(), 0)
}

func TestFreeErrors(t *testing.T) {
	t.Parallel()
	a, _ := newTestAllocator(20)

	// No bitmap block at all yet.
	req := Request{Nr: 3}
	assert.True(t, errors.Is(a.PrepareFree(&req), ErrNotAllocated))

	alloc1(t, a)

	// Bitmap exists, bit is clear.
	req = Request{Nr: 3}
	assert.True(t, errors.Is(a.PrepareFree(&req), ErrNotAllocated))

	// Beyond capacity.
	req = Request{Nr: 12345}
	assert.True(t, errors.Is(a.PrepareFree(&req), ErrNotAllocated))

	// Aborting a free keeps the entry allocated.
	req = Request{Nr: 0}
	assert.Nil(t, a.PrepareFree(&req))
	a.AbortFree(&req)
	req = Request{Nr: 0}
	assert.Nil(t, a.PrepareFree(&req))
	a.CommitFree(&req)
	req = Request{Nr: 0}
	assert.True(t, errors.Is(a.PrepareFree(&req), ErrNotAllocated))
}

func TestReserveBelow(t *testing.T) {
	t.Parallel()
	a, _ := newTestAllocator(40)
	assert.Nil(t, a.ReserveBelow(11))
	assert.Equal(t, alloc1(t, a), uint64(11))

	// Reserved numbers read as allocated.
	req := Request{Nr: 5}
	assert.Nil(t, a.PrepareFree(&req))
	a.AbortFree(&req)

	assert.True(t, a.ReserveBelow(a.EntriesPerGroup()+1) != nil)
}

func TestAllocSecondGroup(t *testing.T) {
	t.Parallel()
	epg := Layout{BlockSize: 32, EntrySize: 16}.EntriesPerGroup()
	a, f := newTestAllocator(epg + 4)
	a.SetupCache()
	for i := uint64(0); i < epg+4; i++ {
		assert.Equal(t, alloc1(t, a), i)
	}
	var req Request
	assert.True(t, errors.Is(a.PrepareAlloc(&req), ErrNoSpace))

	// Freeing in the full first group makes it findable again.
	free1(t, a, 17)
	assert.Equal(t, alloc1(t, a), uint64(17))
	assert.Equal(t, f.st.Pinned(), 0)
}

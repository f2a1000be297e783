/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 18 14:02:33 2019 mstenber
 * Last modified: Thu May  2 16:58:40 2019 mstenber
 * Edit time:     44 min
 *
 */

package storage

import (
	"errors"
	"testing"

	"github.com/stvp/assert"
)

type fakeBackend struct {
	data    map[string][]byte
	name2Id map[string]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: make(map[string][]byte),
		name2Id: make(map[string]string)}
}

func (self *fakeBackend) Init(config BackendConfiguration) {}
func (self *fakeBackend) Close()                           {}

func (self *fakeBackend) GetBlockData(id string) ([]byte, error) {
	b, ok := self.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (self *fakeBackend) StoreBlock(id string, data []byte) error {
	self.data[id] = append([]byte{}, data...)
	return nil
}

func (self *fakeBackend) DeleteBlock(id string) error {
	delete(self.data, id)
	return nil
}

func (self *fakeBackend) GetBlockIdByName(name string) (string, error) {
	return self.name2Id[name], nil
}

func (self *fakeBackend) SetNameToBlockId(name, id string) error {
	self.name2Id[name] = id
	return nil
}

func TestStorageBlockLifecycle(t *testing.T) {
	t.Parallel()
	be := newFakeBackend()
	st := Storage{Backend: be}.Init()

	bh, err := st.CreateBlock("x", 16)
	assert.Nil(t, err)
	assert.Equal(t, len(bh.Data()), 16)
	assert.Equal(t, st.Pinned(), 1)

	bh2 := bh.Open()
	assert.Equal(t, st.Pinned(), 2)
	copy(bh2.Data(), "hello")
	bh2.MarkDirty()
	bh2.Close()
	bh.Close()
	assert.Equal(t, st.Pinned(), 0)

	// Dirty content must survive flush + eviction.
	assert.Nil(t, st.Flush())
	bh3, err := st.GetBlock("x")
	assert.Nil(t, err)
	assert.Equal(t, string(bh3.Data()[:5]), "hello")
	bh3.Close()
}

func TestStorageReadBlobOwnership(t *testing.T) {
	t.Parallel()
	st := Storage{Backend: newFakeBackend()}.Init()

	// Reading an in-memory block must not alias its live payload.
	bh, err := st.CreateBlock("z", 8)
	assert.Nil(t, err)
	copy(bh.Data(), "original")

	data, err := st.ReadBlob("z")
	assert.Nil(t, err)
	assert.Equal(t, string(data), "original")
	copy(data, "scribble")
	assert.Equal(t, string(bh.Data()), "original")
	bh.Close()
}

func TestStorageNotFound(t *testing.T) {
	t.Parallel()
	st := Storage{Backend: newFakeBackend()}.Init()
	_, err := st.GetBlock("nokey")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = st.ReadBlob("noblob")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStorageReadWriteCounters(t *testing.T) {
	t.Parallel()
	be := newFakeBackend()
	st := Storage{Backend: be}.Init()

	assert.Nil(t, st.WriteBlob("b", []byte("blob")))
	assert.Equal(t, st.Writes(), 1)

	data, err := st.ReadBlob("b")
	assert.Nil(t, err)
	assert.Equal(t, string(data), "blob")
	assert.Equal(t, st.Reads(), 1)

	bh, err := st.CreateBlock("y", 8)
	assert.Nil(t, err)
	bh.MarkDirty()
	bh.Close()
	assert.Nil(t, st.Flush())
	assert.Equal(t, st.Writes(), 2)

	// Pinned-in-memory blocks do not hit the backend.
	bh, err = st.GetBlock("y")
	assert.Nil(t, err)
	reads := st.Reads()
	bh2, err := st.GetBlock("y")
	assert.Nil(t, err)
	assert.Equal(t, st.Reads(), reads)
	bh2.Close()
	bh.Close()
}

func TestStorageNames(t *testing.T) {
	t.Parallel()
	st := Storage{Backend: newFakeBackend()}.Init()
	assert.Nil(t, st.SetNameToBlockId("name", "id1"))
	id, err := st.GetBlockIdByName("name")
	assert.Nil(t, err)
	assert.Equal(t, id, "id1")
	id, err = st.GetBlockIdByName("noname")
	assert.Nil(t, err)
	assert.Equal(t, id, "")
}

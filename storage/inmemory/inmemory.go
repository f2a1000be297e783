/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar  6 13:21:09 2019 mstenber
 * Last modified: Wed Mar  6 13:52:30 2019 mstenber
 * Edit time:     14 min
 *
 */

package inmemory

import (
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
)

// inMemoryBackend provides the simplest backend there is: maps.
// Useful mostly for testing.
type inMemoryBackend struct {
	id2Data map[string][]byte
	name2Id map[string]string
}

var _ storage.Backend = &inMemoryBackend{}

func NewInMemoryBackend() storage.Backend {
	return &inMemoryBackend{}
}

func (self *inMemoryBackend) Init(config storage.BackendConfiguration) {
	self.id2Data = make(map[string][]byte)
	self.name2Id = make(map[string]string)
}

func (self *inMemoryBackend) Close() {
}

func (self *inMemoryBackend) GetBlockData(id string) ([]byte, error) {
	data, ok := self.id2Data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (self *inMemoryBackend) StoreBlock(id string, data []byte) error {
	mlog.Printf2("storage/inmemory/inmemory", "im.StoreBlock %x (%d bytes)", id, len(data))
	d := make([]byte, len(data))
	copy(d, data)
	self.id2Data[id] = d
	return nil
}

func (self *inMemoryBackend) DeleteBlock(id string) error {
	if _, ok := self.id2Data[id]; !ok {
		return storage.ErrNotFound
	}
	delete(self.id2Data, id)
	return nil
}

func (self *inMemoryBackend) GetBlockIdByName(name string) (string, error) {
	return self.name2Id[name], nil
}

func (self *inMemoryBackend) SetNameToBlockId(name, id string) error {
	if id == "" {
		delete(self.name2Id, name)
		return nil
	}
	self.name2Id[name] = id
	return nil
}

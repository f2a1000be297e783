/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar  6 15:12:50 2019 mstenber
 * Last modified: Mon Apr  8 14:44:13 2019 mstenber
 * Edit time:     41 min
 *
 */

package badger

import (
	"log"

	"github.com/dgraph-io/badger"

	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
)

// badgerBackend provides on-disk storage.
//
// - key prefix 1 + block id -> data
// - key prefix 2 + name -> block id
type badgerBackend struct {
	db *badger.DB
}

var _ storage.Backend = &badgerBackend{}

var dataPrefix = []byte("1")
var namePrefix = []byte("2")

func NewBadgerBackend() storage.Backend {
	return &badgerBackend{}
}

func (self *badgerBackend) Init(config storage.BackendConfiguration) {
	opts := badger.DefaultOptions
	opts.Dir = config.Directory
	opts.ValueDir = config.Directory
	db, err := badger.Open(opts)
	if err != nil {
		log.Panic("badger.Open ", err)
	}
	self.db = db
}

func (self *badgerBackend) Close() {
	self.db.Close()
}

func (self *badgerBackend) get(prefix, suffix []byte) (v []byte, err error) {
	err = self.db.View(func(txn *badger.Txn) error {
		k := append(append([]byte{}, prefix...), suffix...)
		i, err := txn.Get(k)
		if err != nil {
			return err
		}
		v, err = i.ValueCopy(nil)
		return err
	})
	return
}

func (self *badgerBackend) set(prefix, suffix, value []byte) error {
	return self.db.Update(func(txn *badger.Txn) error {
		k := append(append([]byte{}, prefix...), suffix...)
		return txn.Set(k, value)
	})
}

func (self *badgerBackend) delete(prefix, suffix []byte) error {
	return self.db.Update(func(txn *badger.Txn) error {
		k := append(append([]byte{}, prefix...), suffix...)
		return txn.Delete(k)
	})
}

func (self *badgerBackend) GetBlockData(id string) ([]byte, error) {
	v, err := self.get(dataPrefix, []byte(id))
	if err == badger.ErrKeyNotFound {
		return nil, storage.ErrNotFound
	}
	return v, err
}

func (self *badgerBackend) StoreBlock(id string, data []byte) error {
	mlog.Printf2("storage/badger/badger", "ba.StoreBlock %x (%d bytes)", id, len(data))
	return self.set(dataPrefix, []byte(id), data)
}

func (self *badgerBackend) DeleteBlock(id string) error {
	if _, err := self.GetBlockData(id); err != nil {
		return err
	}
	return self.delete(dataPrefix, []byte(id))
}

func (self *badgerBackend) GetBlockIdByName(name string) (string, error) {
	v, err := self.get(namePrefix, []byte(name))
	if err == badger.ErrKeyNotFound {
		return "", nil
	}
	return string(v), err
}

func (self *badgerBackend) SetNameToBlockId(name, id string) error {
	mlog.Printf2("storage/badger/badger", "ba.SetNameToBlockId %s = %x", name, id)
	if id == "" {
		err := self.delete(namePrefix, []byte(name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	}
	return self.set(namePrefix, []byte(name), []byte(id))
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar  6 14:05:33 2019 mstenber
 * Last modified: Mon Apr  8 14:40:27 2019 mstenber
 * Edit time:     36 min
 *
 */

package bolt

import (
	"fmt"
	"log"

	bbolt "github.com/coreos/bbolt"

	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
)

var dataBucket = []byte("data")
var nameBucket = []byte("name")

// boltBackend provides on-disk storage in a single bbolt file.
//
// - data bucket: block id -> data
// - name bucket: name -> block id
type boltBackend struct {
	db *bbolt.DB
}

var _ storage.Backend = &boltBackend{}

func NewBoltBackend() storage.Backend {
	return &boltBackend{}
}

func (self *boltBackend) Init(config storage.BackendConfiguration) {
	db, err := bbolt.Open(fmt.Sprintf("%s/bbolt.db", config.Directory), 0600, nil)
	if err != nil {
		log.Panic("bbolt.Open ", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(dataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(nameBucket)
		return err
	})
	if err != nil {
		log.Panic("bucket creation ", err)
	}
	self.db = db
}

func (self *boltBackend) Close() {
	self.db.Close()
}

func (self *boltBackend) GetBlockData(id string) (data []byte, err error) {
	err = self.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(dataBucket).Get([]byte(id))
		if v == nil {
			return storage.ErrNotFound
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return
}

func (self *boltBackend) StoreBlock(id string, data []byte) error {
	mlog.Printf2("storage/bolt/bolt", "bo.StoreBlock %x (%d bytes)", id, len(data))
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(dataBucket).Put([]byte(id), data)
	})
}

func (self *boltBackend) DeleteBlock(id string) error {
	return self.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(dataBucket)
		if b.Get([]byte(id)) == nil {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

func (self *boltBackend) GetBlockIdByName(name string) (id string, err error) {
	err = self.db.View(func(tx *bbolt.Tx) error {
		id = string(tx.Bucket(nameBucket).Get([]byte(name)))
		return nil
	})
	return
}

func (self *boltBackend) SetNameToBlockId(name, id string) error {
	mlog.Printf2("storage/bolt/bolt", "bo.SetNameToBlockId %s = %x", name, id)
	return self.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nameBucket)
		if id == "" {
			return b.Delete([]byte(name))
		}
		return b.Put([]byte(name), []byte(id))
	})
}

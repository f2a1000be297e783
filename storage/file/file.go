/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar  7 09:31:18 2019 mstenber
 * Last modified: Mon Apr  8 14:47:55 2019 mstenber
 * Edit time:     44 min
 *
 */

package file

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
)

// fileBackend stores every block in a file of its own, sharded to
// subdirectories by the first byte of the (hex-coded) block id. Name
// mappings live under names/.
type fileBackend struct {
	dir string
}

var _ storage.Backend = &fileBackend{}

func NewFileBackend() storage.Backend {
	return &fileBackend{}
}

func (self *fileBackend) Init(config storage.BackendConfiguration) {
	self.dir = config.Directory
	if err := os.MkdirAll(filepath.Join(self.dir, "names"), 0700); err != nil {
		panic(err)
	}
}

func (self *fileBackend) Close() {
}

func (self *fileBackend) blockPath(id string) string {
	h := hex.EncodeToString([]byte(id))
	if len(h) < 2 {
		h = "00" + h
	}
	return filepath.Join(self.dir, h[:2], h)
}

func (self *fileBackend) namePath(name string) string {
	return filepath.Join(self.dir, "names", hex.EncodeToString([]byte(name)))
}

func (self *fileBackend) GetBlockData(id string) ([]byte, error) {
	data, err := ioutil.ReadFile(self.blockPath(id))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	return data, err
}

func (self *fileBackend) StoreBlock(id string, data []byte) error {
	mlog.Printf2("storage/file/file", "fb.StoreBlock %x (%d bytes)", id, len(data))
	path := self.blockPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	// Write via rename so a torn write never shows up as a block.
	tmp := fmt.Sprintf("%s.tmp", path)
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (self *fileBackend) DeleteBlock(id string) error {
	err := os.Remove(self.blockPath(id))
	if os.IsNotExist(err) {
		return storage.ErrNotFound
	}
	return err
}

func (self *fileBackend) GetBlockIdByName(name string) (string, error) {
	data, err := ioutil.ReadFile(self.namePath(name))
	if os.IsNotExist(err) {
		return "", nil
	}
	return string(data), err
}

func (self *fileBackend) SetNameToBlockId(name, id string) error {
	mlog.Printf2("storage/file/file", "fb.SetNameToBlockId %s = %x", name, id)
	if id == "" {
		err := os.Remove(self.namePath(name))
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return ioutil.WriteFile(self.namePath(name), []byte(id), 0600)
}

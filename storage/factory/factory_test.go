/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 18 15:33:20 2019 mstenber
 * Last modified: Thu May  2 17:10:02 2019 mstenber
 * Edit time:     31 min
 *
 */

package factory

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"testing"

	"github.com/stvp/assert"

	"github.com/fingon/go-lsfs/storage"
)

// prodBackend runs every backend through the same basic paces.
func prodBackend(t *testing.T, be storage.Backend) {
	assert.Nil(t, be.StoreBlock("foo", []byte("data")))
	data, err := be.GetBlockData("foo")
	assert.Nil(t, err)
	assert.Equal(t, string(data), "data")

	_, err = be.GetBlockData("nokey")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	assert.Nil(t, be.SetNameToBlockId("name", "foo"))
	id, err := be.GetBlockIdByName("name")
	assert.Nil(t, err)
	assert.Equal(t, id, "foo")

	assert.Nil(t, be.SetNameToBlockId("name", ""))
	id, err = be.GetBlockIdByName("name")
	assert.Nil(t, err)
	assert.Equal(t, id, "")

	id, err = be.GetBlockIdByName("noname")
	assert.Nil(t, err)
	assert.Equal(t, id, "")

	assert.Nil(t, be.DeleteBlock("foo"))
	_, err = be.GetBlockData("foo")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestBackends(t *testing.T) {
	for _, bename := range List() {
		bename := bename
		t.Run(bename, func(t *testing.T) {
			dir, _ := ioutil.TempDir("", bename)
			defer os.RemoveAll(dir)
			be := New(bename, dir)
			defer be.Close()
			prodBackend(t, be)
		})
	}
}

func TestBackendPersistence(t *testing.T) {
	for _, bename := range List() {
		if bename == "inmemory" {
			continue
		}
		bename := bename
		t.Run(bename, func(t *testing.T) {
			dir, _ := ioutil.TempDir("", bename)
			defer os.RemoveAll(dir)

			be := New(bename, dir)
			assert.Nil(t, be.StoreBlock("k", []byte("v")))
			assert.Nil(t, be.SetNameToBlockId("n", "k"))
			be.Close()

			be = New(bename, dir)
			defer be.Close()
			data, err := be.GetBlockData("k")
			assert.Nil(t, err)
			assert.Equal(t, string(data), "v")
			id, err := be.GetBlockIdByName("n")
			assert.Nil(t, err)
			assert.Equal(t, id, "k")
		})
	}
}

func TestCodecStorage(t *testing.T) {
	for _, password := range []string{"", "s1kr3t"} {
		password := password
		t.Run(fmt.Sprintf("pw=%q", password), func(t *testing.T) {
			dir, _ := ioutil.TempDir("", "codecstorage")
			defer os.RemoveAll(dir)
			conf := CodecStorageConfiguration{
				BackendConfiguration: storage.BackendConfiguration{Directory: dir},
				BackendName:          "file",
				Password:             password,
				Salt:                 "salt",
				Iterations:           10}
			st := NewCodecStorage(conf)
			defer st.Close()

			bh, err := st.CreateBlock("b", 32)
			assert.Nil(t, err)
			copy(bh.Data(), "payload")
			bh.MarkDirty()
			bh.Close()
			assert.Nil(t, st.Flush())

			bh, err = st.GetBlock("b")
			assert.Nil(t, err)
			assert.Equal(t, string(bh.Data()[:7]), "payload")
			bh.Close()
		})
	}
}

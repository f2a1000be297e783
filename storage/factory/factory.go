/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar  7 10:14:02 2019 mstenber
 * Last modified: Mon Apr  8 15:02:19 2019 mstenber
 * Edit time:     26 min
 *
 */

package factory

import (
	"github.com/fingon/go-lsfs/codec"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
	"github.com/fingon/go-lsfs/storage/badger"
	"github.com/fingon/go-lsfs/storage/bolt"
	"github.com/fingon/go-lsfs/storage/file"
	"github.com/fingon/go-lsfs/storage/inmemory"
)

type factoryCallback func() storage.Backend

var backendFactories = map[string]factoryCallback{
	"inmemory": inmemory.NewInMemoryBackend,
	"badger":   badger.NewBadgerBackend,
	"bolt":     bolt.NewBoltBackend,
	"file":     file.NewFileBackend,
}

func List() []string {
	keys := make([]string, 0, len(backendFactories))
	for k := range backendFactories {
		keys = append(keys, k)
	}
	return keys
}

func New(name, dir string) storage.Backend {
	var config storage.BackendConfiguration
	config.Directory = dir
	return NewWithConfig(name, config)
}

func NewWithConfig(name string, config storage.BackendConfiguration) storage.Backend {
	mlog.Printf2("storage/factory/factory", "f.NewWithConfig %v %v", name, config)
	be := backendFactories[name]()
	be.Init(config)
	return be
}

type CodecStorageConfiguration struct {
	storage.BackendConfiguration
	BackendName    string
	Password, Salt string
	Iterations     int
}

// NewCodecStorage produces a Storage whose payloads are compressed,
// and encrypted too if a password is given.
func NewCodecStorage(config CodecStorageConfiguration) *storage.Storage {
	mlog.Printf2("storage/factory/factory", "f.NewCodecStorage")
	iterations := config.Iterations
	if iterations == 0 {
		iterations = 12345
	}
	salt := config.Salt
	if salt == "" {
		salt = "lsfs"
	}
	var c codec.Codec
	if config.Password != "" {
		mlog.Printf2("storage/factory/factory", " with encryption + compression")
		ec := codec.EncryptingCodec{}.Init([]byte(config.Password), []byte(salt), iterations)
		c = codec.CodecChain{}.Init(ec, &codec.CompressingCodec{})
	} else {
		mlog.Printf2("storage/factory/factory", " only compression")
		c = &codec.CompressingCodec{}
	}
	be := NewWithConfig(config.BackendName, config.BackendConfiguration)
	return storage.Storage{Backend: be, Codec: c}.Init()
}

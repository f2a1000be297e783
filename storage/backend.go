/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar  6 09:40:21 2019 mstenber
 * Last modified: Mon Apr  8 13:11:02 2019 mstenber
 * Edit time:     33 min
 *
 */

package storage

import "errors"

// ErrNotFound is returned by backends when a block id (or name) does
// not exist. Everything else a backend returns is treated as an I/O
// error by the upper layers.
var ErrNotFound = errors.New("block not found")

// BackendConfiguration is the set of options common to all backends.
type BackendConfiguration struct {
	// Directory the backend stores its state in (ignored by
	// in-memory backends).
	Directory string
}

// Backend actually handles the low-level storing of blocks. It
// provides an API that returns results that are consistent with the
// previous calls; how it does it in practise is left as an exercise
// to the implementor.
//
// Backends know nothing of reference counts, dirtiness, or codecs;
// those live in Storage. All calls are synchronous and may block on
// real I/O.
type Backend interface {
	// Init sets up the backend; it must be called exactly once
	// before anything else.
	Init(config BackendConfiguration)

	// Close the backend.
	Close()

	// GetBlockData returns the stored data of the block, or
	// ErrNotFound.
	GetBlockData(id string) ([]byte, error)

	// StoreBlock stores (or overwrites) the data of the block.
	StoreBlock(id string, data []byte) error

	// DeleteBlock removes the block; it MUST exist.
	DeleteBlock(id string) error

	// GetBlockIdByName returns the block id mapped to the name,
	// or "" if there is none.
	GetBlockIdByName(name string) (string, error)

	// SetNameToBlockId sets the logical name to map to the block
	// id; empty id clears the mapping.
	SetNameToBlockId(name, id string) error
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar  5 09:17:55 2019 mstenber
 * Last modified: Thu Apr 11 14:22:31 2019 mstenber
 * Edit time:     71 min
 *
 */

// codec library transforms data + additionalData to different kind of
// data; in practise this means encrypting/decrypting or
// compressing/uncompressing on case-by-case basis. CodecChain can be
// used to combine multiple Codecs.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log"
	"sync"

	sha256 "github.com/minio/sha256-simd"
	"github.com/pierrec/lz4"
	"golang.org/x/crypto/pbkdf2"
)

// Codec is a single reversible transformation of byte slices.
// additionalData is not stored within the result but it must match
// between EncodeBytes and DecodeBytes.
type Codec interface {
	DecodeBytes(data, additionalData []byte) (ret []byte, err error)
	EncodeBytes(data, additionalData []byte) (ret []byte, err error)
}

var ErrCorruptFrame = errors.New("corrupt codec frame")

// EncryptingCodec encrypts (and authenticates) with AES GCM; the key
// is derived from password+salt with pbkdf2.
type EncryptingCodec struct {
	gcm cipher.AEAD
}

func (self EncryptingCodec) Init(password, salt []byte, iter int) *EncryptingCodec {
	mk := pbkdf2.Key(password, salt, iter, 32, sha256.New)
	block, err := aes.NewCipher(mk)
	if err != nil {
		log.Panic(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Panic(err)
	}
	self.gcm = gcm
	return &self
}

func (self *EncryptingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	nonce := make([]byte, self.gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return
	}
	ret = make([]byte, 1, 1+len(nonce)+len(data)+self.gcm.Overhead())
	ret[0] = byte(len(nonce))
	ret = append(ret, nonce...)
	ret = self.gcm.Seal(ret, nonce, data, additionalData)
	return
}

func (self *EncryptingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	if len(data) < 1 {
		err = ErrCorruptFrame
		return
	}
	nl := int(data[0])
	if len(data) < 1+nl {
		err = ErrCorruptFrame
		return
	}
	nonce := data[1 : 1+nl]
	ret, err = self.gcm.Open(nil, nonce, data[1+nl:], additionalData)
	return
}

const (
	compressionPlain byte = iota
	compressionLZ4
)

// CompressingCodec performs on-the-fly lz4 block compression. If the
// result would not be any smaller, the data is passed through as-is
// (at the cost of the one-byte frame header).
type CompressingCodec struct{}

// CompressBlock wants a hash table of at least 64k entries; keep them
// pooled as they are far larger than the typical block.
var compressHashTablePool = sync.Pool{
	New: func() interface{} {
		return make([]int, 1<<16)
	},
}

func (self *CompressingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	buf := make([]byte, 5+lz4.CompressBlockBound(len(data)))
	ht := compressHashTablePool.Get().([]int)
	for i := range ht {
		ht[i] = 0
	}
	n, err := lz4.CompressBlock(data, buf[5:], ht)
	compressHashTablePool.Put(ht)
	if err != nil {
		return
	}
	if n == 0 || n >= len(data) {
		// Incompressible
		ret = make([]byte, 1+len(data))
		ret[0] = compressionPlain
		copy(ret[1:], data)
		return
	}
	buf[0] = compressionLZ4
	binary.LittleEndian.PutUint32(buf[1:], uint32(len(data)))
	ret = buf[:5+n]
	return
}

func (self *CompressingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	if len(data) < 1 {
		err = ErrCorruptFrame
		return
	}
	switch data[0] {
	case compressionPlain:
		ret = data[1:]
	case compressionLZ4:
		if len(data) < 5 {
			err = ErrCorruptFrame
			return
		}
		dl := binary.LittleEndian.Uint32(data[1:])
		ret = make([]byte, dl)
		var n int
		n, err = lz4.UncompressBlock(data[5:], ret)
		if err != nil {
			return
		}
		ret = ret[:n]
	default:
		err = ErrCorruptFrame
	}
	return
}

// CodecChain combines multiple Codecs. The codecs are given in
// decryption order, so e.g. the encrypting one should come before the
// compressing one.
type CodecChain struct {
	codecs, reverseCodecs []Codec
}

func (self CodecChain) Init(codecs ...Codec) *CodecChain {
	self.codecs = codecs
	rc := make([]Codec, len(codecs))
	for i, c := range codecs {
		rc[len(codecs)-i-1] = c
	}
	self.reverseCodecs = rc
	return &self
}

func (self *CodecChain) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.reverseCodecs {
		ret, err = c.EncodeBytes(data, additionalData)
		if err != nil {
			return
		}
		data = ret
	}
	return
}

func (self *CodecChain) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.codecs {
		ret, err = c.DecodeBytes(data, additionalData)
		if err != nil {
			return
		}
		data = ret
	}
	return
}

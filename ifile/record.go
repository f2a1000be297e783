/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Created:       Tue Mar 19 09:44:21 2019 mstenber
 * Last modified: Tue Apr 30 12:41:09 2019 mstenber
 * Edit time:     39 min
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 */

package ifile

import (
	"encoding/binary"
	"log"

	"github.com/fingon/go-lsfs/storage"
)

// On-disk inode record layout. Only the fields below are interpreted
// by this package; the rest of the record belongs to whoever fills in
// the inode proper.
//
//   0: link count (u16 le)
//   4: flags (u32 le)
//   8: ctime seconds (u64 le)
//  16: ctime nanoseconds (u32 le)
const (
	recordLinkCountOffset = 0
	recordFlagsOffset     = 4
	recordCtimeSecOffset  = 8
	recordCtimeNsecOffset = 16
)

// MinimumEntrySize is the smallest record size that still fits the
// fields above.
const MinimumEntrySize = 32

// Record is a bounds-checked view of a single on-disk inode record
// within a pinned block. It shares the block's memory; mutations must
// be followed by marking the block dirty.
type Record struct {
	b []byte
}

// MapRecord returns the record of the given inode number inside its
// containing block. The handle must actually be the block
// EntryBlkoff(ino) resolves to.
func (self *Table) MapRecord(ino uint64, bh *storage.BlockHandle) Record {
	ofs := self.layout.EntryOffset(ino)
	data := bh.Data()
	if ofs+self.layout.EntrySize > len(data) {
		log.Panic("record out of block bounds: ino ", ino)
	}
	return Record{b: data[ofs : ofs+self.layout.EntrySize]}
}

func (self Record) LinkCount() uint16 {
	return binary.LittleEndian.Uint16(self.b[recordLinkCountOffset:])
}

func (self Record) SetLinkCount(v uint16) {
	binary.LittleEndian.PutUint16(self.b[recordLinkCountOffset:], v)
}

func (self Record) Flags() uint32 {
	return binary.LittleEndian.Uint32(self.b[recordFlagsOffset:])
}

func (self Record) SetFlags(v uint32) {
	binary.LittleEndian.PutUint32(self.b[recordFlagsOffset:], v)
}

func (self Record) CtimeSec() uint64 {
	return binary.LittleEndian.Uint64(self.b[recordCtimeSecOffset:])
}

func (self Record) CtimeNsec() uint32 {
	return binary.LittleEndian.Uint32(self.b[recordCtimeNsecOffset:])
}

func (self Record) SetCtime(sec uint64, nsec uint32) {
	binary.LittleEndian.PutUint64(self.b[recordCtimeSecOffset:], sec)
	binary.LittleEndian.PutUint32(self.b[recordCtimeNsecOffset:], nsec)
}

// sameCtime is the (sole) modification signal used by Compare.
func sameCtime(r1, r2 Record) bool {
	return r1.CtimeSec() == r2.CtimeSec() && r1.CtimeNsec() == r2.CtimeNsec()
}

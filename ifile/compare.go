/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 20 09:12:41 2019 mstenber
 * Last modified: Thu May  2 15:02:10 2019 mstenber
 * Edit time:     171 min
 *
 */

package ifile

import (
	"errors"
	"fmt"

	"github.com/fingon/go-lsfs/alloc"
	"github.com/fingon/go-lsfs/bmap"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
)

// Change describes one inode that differs between two table
// versions. Source is a pinned handle of the block holding the
// inode's record in the source version, present when the inode is
// live there; Target likewise for the target version. Creation has
// only Target, deletion only Source, modification usually both (a
// side whose record is dead carries no handle). The caller owns the
// handles.
type Change struct {
	Ino    uint64
	Source *storage.BlockHandle
	Target *storage.BlockHandle
}

func (self *Change) Close() {
	if self.Source != nil {
		self.Source.Close()
		self.Source = nil
	}
	if self.Target != nil {
		self.Target.Close()
		self.Target = nil
	}
}

// compareBatchSize is how many block-level differences are pulled
// from the mapping comparison at a time.
const compareBatchSize = 512

// Compare determines the inodes that differ between the source and
// target table versions, starting at inode number start, emitting at
// most maxChanges changes. An inode live in target but not in source
// is a creation, the reverse a deletion, and one live in both a
// modification when its change time differs. If the result is
// shorter than maxChanges the scan is complete; otherwise resume
// with start set past the last returned inode. A non-positive
// maxChanges yields no changes.
//
// Identical shared subtrees of the two versions are skipped without
// reading their blocks. On any failure no changes are returned and
// no handles are left pinned.
func Compare(source, target *Table, start uint64, maxChanges int) (changes []Change, err error) {
	if source.hdr.EntrySize != target.hdr.EntrySize || source.hdr.BlockSize != target.hdr.BlockSize {
		return nil, fmt.Errorf("%w: table layouts differ", ErrCorrupt)
	}
	if maxChanges <= 0 {
		return nil, nil
	}
	layout := source.layout
	defer func() {
		if err != nil {
			for i := range changes {
				changes[i].Close()
			}
			changes = nil
		}
	}()
	blkoff := layout.EntryBlkoff(start)
	for {
		var diffs []bmap.Diff
		diffs, err = bmap.Compare(source.root, target.root, blkoff, compareBatchSize)
		if err != nil {
			return
		}
		for _, d := range diffs {
			blockType, baseNr := layout.BlockType(d.Key)
			if blockType != alloc.BlockTypeEntry {
				continue
			}
			changes, err = compareBlock(source, target, &d, baseNr, start, maxChanges, changes)
			if err != nil {
				return
			}
			if len(changes) >= maxChanges {
				return
			}
		}
		if len(diffs) < compareBatchSize {
			return
		}
		blkoff = diffs[len(diffs)-1].Key + 1
	}
}

// compareBlock scans the records of one differing entry block pair
// and appends the per-inode changes.
func compareBlock(source, target *Table, d *bmap.Diff, baseNr, start uint64, maxChanges int, changes []Change) ([]Change, error) {
	layout := source.layout
	var sbh, tbh *storage.BlockHandle
	var err error
	if d.Ptr1 != bmap.InvalidPtr {
		sbh, err = fetchBlock(source, d.Ptr1)
		if err != nil {
			return changes, err
		}
		defer sbh.Close()
	}
	if d.Ptr2 != bmap.InvalidPtr {
		tbh, err = fetchBlock(target, d.Ptr2)
		if err != nil {
			return changes, err
		}
		defer tbh.Close()
	}
	for i := 0; i < layout.EntriesPerBlock(); i++ {
		ino := baseNr + uint64(i)
		if ino < start {
			continue
		}
		var c Change
		switch {
		case sbh == nil && tbh == nil:
			continue
		case sbh == nil:
			// Block only exists in the target version;
			// every live record there is a creation.
			if target.MapRecord(ino, tbh).LinkCount() == 0 {
				continue
			}
			c = Change{Ino: ino, Target: tbh.Open()}
		case tbh == nil:
			if source.MapRecord(ino, sbh).LinkCount() == 0 {
				continue
			}
			c = Change{Ino: ino, Source: sbh.Open()}
		default:
			// Both versions have the block; the change
			// time is the sole modification signal. Each
			// side's handle is present only when that
			// side's record is live.
			sr := source.MapRecord(ino, sbh)
			tr := target.MapRecord(ino, tbh)
			if sameCtime(sr, tr) {
				continue
			}
			c = Change{Ino: ino}
			if sr.LinkCount() != 0 {
				c.Source = sbh.Open()
			}
			if tr.LinkCount() != 0 {
				c.Target = tbh.Open()
			}
		}
		mlog.Printf2("ifile/compare", "compareBlock: ino %d", ino)
		changes = append(changes, c)
		if len(changes) >= maxChanges {
			return changes, nil
		}
	}
	return changes, nil
}

// fetchBlock reads a block by its physical pointer; a pointer
// present in the mapping but missing from storage means the table is
// corrupt.
func fetchBlock(t *Table, ptr uint64) (*storage.BlockHandle, error) {
	bh, err := t.st.GetBlock(blockId(ptr))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: block pointer %d missing", ErrCorrupt, ptr)
		}
		return nil, err
	}
	return bh, nil
}

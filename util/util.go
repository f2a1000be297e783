/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar  4 10:12:41 2019 mstenber
 * Last modified: Tue Mar 19 11:02:17 2019 mstenber
 * Edit time:     11 min
 *
 */

package util

import "encoding/binary"

// Uint64Bytes returns n as 8 big-endian bytes (so that the byte
// order sorts like the numeric order).
func Uint64Bytes(n uint64) []byte {
	nb := make([]byte, 8)
	binary.BigEndian.PutUint64(nb, n)
	return nb
}




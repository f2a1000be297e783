/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar  4 10:31:02 2019 mstenber
 * Last modified: Mon Mar  4 10:44:56 2019 mstenber
 * Edit time:     6 min
 *
 */

package util

import "sync"

// MutexLocked is a mutex with the convenience 'defer
// x.Locked()()' idiom support.
type MutexLocked sync.Mutex

func (self *MutexLocked) Lock() {
	(*sync.Mutex)(self).Lock()
}

func (self *MutexLocked) Unlock() {
	(*sync.Mutex)(self).Unlock()
}

func (self *MutexLocked) Locked() (unlock func()) {
	self.Lock()
	return func() {
		self.Unlock()
	}
}

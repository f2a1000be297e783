/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar  4 11:58:13 2019 mstenber
 * Last modified: Mon Mar  4 12:06:40 2019 mstenber
 * Edit time:     7 min
 *
 */

package mlog

import (
	"testing"

	"github.com/stvp/assert"
)

func TestMLog(t *testing.T) {
	assert.False(t, IsEnabled())
	Printf2("mlog/mlog", "this goes nowhere")

	restore := SetPattern("^mlog/")
	assert.True(t, IsEnabled())
	assert.True(t, tagMatches("mlog/mlog"))
	assert.False(t, tagMatches("storage/storage"))
	Printf2("mlog/mlog", "hello %d", 42)
	restore()

	assert.False(t, IsEnabled())
}

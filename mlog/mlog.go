/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar  4 11:03:27 2019 mstenber
 * Last modified: Wed Apr  3 09:41:12 2019 mstenber
 * Edit time:     54 min
 *
 */

// mlog is maybe-log. It is a small wrapper of the standard 'log'
// which prints only what has been asked for, with (next to) no
// overhead for the rest: every Printf2 call site is tagged with its
// package/file name, and the tags to be shown are chosen with a
// regular expression from either the LSFS_MLOG environment variable
// or the -mlog flag.
package mlog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
)

var logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

const (
	stateUninitialized int32 = iota
	stateDisabled
	stateEnabled
)

var status int32 = stateUninitialized

var mutex sync.Mutex

// Everything below is used only with mutex held
var flagPattern *string
var pattern string
var patternRegexp *regexp.Regexp
var tagEnabled map[string]bool

func init() {
	flagPattern = flag.String("mlog", "", "Enable logging for tags matching the given regular expression")
	tagEnabled = make(map[string]bool)
}

// IsEnabled can be used to avoid spending time producing log
// arguments when nothing would be printed anyway.
func IsEnabled() bool {
	st := atomic.LoadInt32(&status)
	if st == stateUninitialized {
		st = initialize()
	}
	return st == stateEnabled
}

func initialize() int32 {
	mutex.Lock()
	defer mutex.Unlock()
	p := os.Getenv("LSFS_MLOG")
	if p == "" && flagPattern != nil {
		p = *flagPattern
	}
	setPattern(p)
	return atomic.LoadInt32(&status)
}

func setPattern(p string) {
	pattern = p
	tagEnabled = make(map[string]bool)
	if p == "" {
		patternRegexp = nil
		atomic.StoreInt32(&status, stateDisabled)
		return
	}
	patternRegexp = regexp.MustCompile(p)
	atomic.StoreInt32(&status, stateEnabled)
}

// SetPattern sets the tag pattern by hand, and returns a function
// that restores the old one. Mostly useful for debugging tests:
// defer mlog.SetPattern(".")()
func SetPattern(p string) (restore func()) {
	mutex.Lock()
	defer mutex.Unlock()
	old := pattern
	setPattern(p)
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		setPattern(old)
	}
}

func tagMatches(tag string) bool {
	mutex.Lock()
	defer mutex.Unlock()
	e, ok := tagEnabled[tag]
	if !ok {
		e = patternRegexp != nil && patternRegexp.MatchString(tag)
		tagEnabled[tag] = e
	}
	return e
}

// Printf2 prints the given format if the tag (by convention
// "package/file") has been enabled.
func Printf2(tag, format string, a ...interface{}) {
	if !IsEnabled() {
		return
	}
	if !tagMatches(tag) {
		return
	}
	logger.Output(2, fmt.Sprintf(format, a...))
}

// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package syncutil wraps sync.Mutex/RWMutex with optional hold-time
// logging, so a mutex that is serializing the transfer table or the
// local-index cache for longer than expected shows up in the log
// instead of silently degrading throughput.
package syncutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

var debug = os.Getenv("FILEMESH_LOCK_DEBUG") != ""

const threshold = 100 * time.Millisecond

type Mutex interface {
	Lock()
	Unlock()
}

type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
}

func NewMutex() Mutex {
	if debug {
		return &loggedMutex{}
	}
	return &sync.Mutex{}
}

func NewRWMutex() RWMutex {
	if debug {
		return &loggedRWMutex{}
	}
	return &sync.RWMutex{}
}

type loggedMutex struct {
	sync.Mutex
	start    time.Time
	lockedAt string
}

func (m *loggedMutex) Lock() {
	m.Mutex.Lock()
	m.start = time.Now()
	m.lockedAt = caller()
}

func (m *loggedMutex) Unlock() {
	if d := time.Since(m.start); d >= threshold {
		fmt.Fprintf(os.Stderr, "mutex held for %v, locked at %s, unlocked at %s\n", d, m.lockedAt, caller())
	}
	m.Mutex.Unlock()
}

type loggedRWMutex struct {
	sync.RWMutex
	start    time.Time
	lockedAt string
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()
	m.RWMutex.Lock()
	m.start = time.Now()
	if d := m.start.Sub(start); d >= threshold {
		fmt.Fprintf(os.Stderr, "rwmutex took %v to lock at %s\n", d, caller())
	}
}

func (m *loggedRWMutex) Unlock() {
	if d := time.Since(m.start); d >= threshold {
		fmt.Fprintf(os.Stderr, "rwmutex held for %v, locked at %s, unlocked at %s\n", d, m.lockedAt, caller())
	}
	m.RWMutex.Unlock()
}

func caller() string {
	_, file, line, _ := runtime.Caller(2)
	file = filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file))
	return fmt.Sprintf("%s:%d", strings.TrimPrefix(file, string(filepath.Separator)), line)
}

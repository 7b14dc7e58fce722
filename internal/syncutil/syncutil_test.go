// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package syncutil

import "testing"

func TestNewMutexLockUnlock(t *testing.T) {
	m := NewMutex()
	m.Lock()
	m.Unlock()

	done := make(chan struct{})
	m.Lock()
	go func() {
		m.Lock()
		m.Unlock()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second Lock should block until the first Unlock")
	default:
	}
	m.Unlock()
	<-done
}

func TestNewRWMutexAllowsConcurrentReaders(t *testing.T) {
	m := NewRWMutex()
	m.RLock()
	m.RLock()
	m.RUnlock()
	m.RUnlock()
}

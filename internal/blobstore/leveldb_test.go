// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package blobstore

import (
	"io"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		store, err := OpenStore(filepath.Join(t.TempDir(), "blobs"), compress)
		if err != nil {
			t.Fatal(err)
		}
		c, err := store.CreateContainer("ns-a")
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()

		w, err := c.CreateWriteStream()
		if err != nil {
			t.Fatal(err)
		}
		content := []byte("hello, transfer object")
		if _, err := w.Write(content); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		if w.Size() != int64(len(content)) {
			t.Errorf("Size() = %d, want %d", w.Size(), len(content))
		}

		rc, err := c.CreateReadStream(w.ID(), false, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer rc.Close()
		got, err := io.ReadAll(rc)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(content) {
			t.Errorf("compress=%v: read back %q, want %q", compress, got, content)
		}
	}
}

func TestCreateReadStreamWaitsForWriter(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "blobs"), false)
	if err != nil {
		t.Fatal(err)
	}
	c, err := store.CreateContainer("ns-a")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	w, err := c.CreateWriteStream()
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		rc, err := c.CreateReadStream(w.ID(), true, 5*time.Second)
		if err != nil {
			done <- err
			return
		}
		defer rc.Close()
		_, err = io.ReadAll(rc)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	w.Write([]byte("staged late"))
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if err := <-done; err != nil {
		t.Fatalf("waiting read stream returned an error: %v", err)
	}
}

func TestCreateReadStreamWaitTimesOut(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "blobs"), false)
	if err != nil {
		t.Fatal(err)
	}
	c, err := store.CreateContainer("ns-a")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	w, err := c.CreateWriteStream()
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.CreateReadStream(w.ID(), true, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error since the writer never closed")
	}
}

func TestDeclaredSizeAndClear(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "blobs"), false)
	if err != nil {
		t.Fatal(err)
	}
	c, err := store.CreateContainer("ns-a")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	w, _ := c.CreateWriteStream()
	w.Write([]byte("1234567890"))
	w.Close()

	size, ok := c.DeclaredSize(w.ID())
	if !ok || size != 10 {
		t.Fatalf("DeclaredSize = %d, %v, want 10, true", size, ok)
	}

	if err := c.Clear(w.ID()); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.DeclaredSize(w.ID()); ok {
		t.Error("DeclaredSize should report false after Clear")
	}
	if _, err := c.CreateReadStream(w.ID(), false, 0); err == nil {
		t.Error("reading a cleared blob should fail")
	}
}

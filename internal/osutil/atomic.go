// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package osutil holds small OS-facing helpers used by save-data
// persistence and the local file index.
package osutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

var (
	ErrClosed  = errors.New("osutil: write to closed writer")
	TempPrefix = ".filemesh.tmp."
)

// AtomicWriter writes to a temporary file beside the final path and
// renames it into place on a successful Close, so a reader never observes
// a partially written save-data file.
type AtomicWriter struct {
	path string
	next *os.File
	err  error
}

func CreateAtomic(path string, mode os.FileMode) (*AtomicWriter, error) {
	fd, err := os.CreateTemp(filepath.Dir(path), TempPrefix)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(fd.Name(), mode); err != nil {
		fd.Close()
		os.Remove(fd.Name())
		return nil, err
	}
	return &AtomicWriter{path: path, next: fd}, nil
}

func (w *AtomicWriter) Write(bs []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.next.Write(bs)
	if err != nil {
		w.err = err
		w.next.Close()
	}
	return n, err
}

// Abort discards the temporary file without renaming it into place. Safe
// to call after a failed Write or instead of Close; a no-op after a
// successful Close.
func (w *AtomicWriter) Abort() {
	if w.err == ErrClosed {
		return
	}
	w.next.Close()
	os.Remove(w.next.Name())
	w.err = ErrClosed
}

func (w *AtomicWriter) Close() error {
	if w.err != nil {
		return w.err
	}
	defer os.Remove(w.next.Name())

	if err := w.next.Close(); err != nil {
		w.err = err
		return err
	}

	if runtime.GOOS == "windows" {
		if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	if err := os.Rename(w.next.Name(), w.path); err != nil {
		w.err = err
		return err
	}

	w.err = ErrClosed
	return nil
}

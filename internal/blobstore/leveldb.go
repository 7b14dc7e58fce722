// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package blobstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/filemesh/filemesh/internal/errkind"
)

// LevelDBStore backs every container with its own goleveldb directory,
// one blob per key, optionally lz4-compressed on write and decompressed
// on read so large staged files cost less disk while a transfer is
// pending.
type LevelDBStore struct {
	baseDir  string
	compress bool
}

func OpenStore(baseDir string, compress bool) (*LevelDBStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, errkind.Wrap(errkind.IOError, err)
	}
	return &LevelDBStore{baseDir: baseDir, compress: compress}, nil
}

func (s *LevelDBStore) dirFor(namespace string) string {
	return filepath.Join(s.baseDir, safeName(namespace))
}

func safeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}

func (s *LevelDBStore) open(namespace string) (*levelDBContainer, error) {
	db, err := leveldb.OpenFile(s.dirFor(namespace), nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.IOError, err)
	}
	return &levelDBContainer{db: db, key: namespace, compress: s.compress, sizes: make(map[ID]int64), ready: make(map[ID]chan struct{})}, nil
}

func (s *LevelDBStore) CreateContainer(namespace string) (Container, error) {
	return s.open(namespace)
}

// Close is a no-op: LevelDBStore itself holds no resources, only the
// base directory and compression flag; each container owns and closes
// its own goleveldb handle.
func (s *LevelDBStore) Close() error {
	return nil
}

type levelDBContainer struct {
	db       *leveldb.DB
	key      string
	compress bool

	mut    sync.Mutex
	nextID ID
	sizes  map[ID]int64
	ready  map[ID]chan struct{}
}

func (c *levelDBContainer) Key() string { return c.key }

func blobKey(id ID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return append([]byte("blob:"), b...)
}

type levelDBWriter struct {
	c    *levelDBContainer
	id   ID
	buf  bytes.Buffer
	size int64
	done bool
}

func (c *levelDBContainer) CreateWriteStream() (Writer, error) {
	c.mut.Lock()
	id := c.nextID
	c.nextID++
	ch := make(chan struct{})
	c.ready[id] = ch
	c.mut.Unlock()

	return &levelDBWriter{c: c, id: id}, nil
}

func (w *levelDBWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *levelDBWriter) ID() ID      { return w.id }
func (w *levelDBWriter) Size() int64 { return w.size }

func (w *levelDBWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	payload := w.buf.Bytes()
	if w.c.compress {
		var compressed bytes.Buffer
		zw := lz4.NewWriter(&compressed)
		if _, err := zw.Write(payload); err != nil {
			return errkind.Wrap(errkind.IOError, err)
		}
		if err := zw.Close(); err != nil {
			return errkind.Wrap(errkind.IOError, err)
		}
		payload = compressed.Bytes()
	}

	if err := w.c.db.Put(blobKey(w.id), payload, nil); err != nil {
		return errkind.Wrap(errkind.IOError, err)
	}

	w.c.mut.Lock()
	w.c.sizes[w.id] = w.size
	ch := w.c.ready[w.id]
	w.c.mut.Unlock()
	if ch != nil {
		close(ch)
	}
	return nil
}

func (c *levelDBContainer) readyChan(id ID) (chan struct{}, bool) {
	c.mut.Lock()
	defer c.mut.Unlock()
	ch, ok := c.ready[id]
	return ch, ok
}

var errTimeout = errors.New("blobstore: timed out waiting for blob")

func (c *levelDBContainer) CreateReadStream(id ID, wait bool, timeout time.Duration) (io.ReadCloser, error) {
	if wait {
		if ch, ok := c.readyChan(id); ok {
			ctx := context.Background()
			var cancel context.CancelFunc
			if timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, errkind.Wrap(errkind.InactivityTimeout, errTimeout)
			}
		}
	}

	raw, err := c.db.Get(blobKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, errkind.New(errkind.NotFound, "blob not found")
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.IOError, err)
	}

	if !c.compress {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	return io.NopCloser(lz4.NewReader(bytes.NewReader(raw))), nil
}

func (c *levelDBContainer) DeclaredSize(id ID) (int64, bool) {
	c.mut.Lock()
	defer c.mut.Unlock()
	n, ok := c.sizes[id]
	return n, ok
}

func (c *levelDBContainer) Clear(id ID) error {
	if err := c.db.Delete(blobKey(id), nil); err != nil && err != leveldb.ErrNotFound {
		return errkind.Wrap(errkind.IOError, err)
	}
	c.mut.Lock()
	delete(c.sizes, id)
	delete(c.ready, id)
	c.mut.Unlock()
	return nil
}

func (c *levelDBContainer) Close() error {
	return c.db.Close()
}

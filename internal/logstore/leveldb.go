// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package logstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/filemesh/filemesh/internal/errkind"
	"github.com/filemesh/filemesh/internal/wireproto"
)

const (
	keyMetaVersion = "meta:version"
	keyMetaKey     = "meta:key"
	prefixOp       = "op:"
	prefixCurrent  = "cur:"
)

// LevelDBStore is the goleveldb-backed Store: one sub-directory per
// namespaced log, mirroring a corestore.
type LevelDBStore struct {
	baseDir string

	mut  sync.Mutex
	logs map[string]*levelDBLog
}

func OpenStore(baseDir string) (*LevelDBStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, errkind.Wrap(errkind.IOError, err)
	}
	return &LevelDBStore{baseDir: baseDir, logs: make(map[string]*levelDBLog)}, nil
}

func (s *LevelDBStore) dirFor(name string) string {
	return filepath.Join(s.baseDir, safeName(name))
}

func safeName(name string) string {
	// Log names/keys are hex strings or short local names; this just
	// guards against path traversal from an adversarial peer-supplied key.
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

func (s *LevelDBStore) open(name string, key string) (*levelDBLog, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if l, ok := s.logs[name]; ok {
		return l, nil
	}

	db, err := leveldb.OpenFile(s.dirFor(name), nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.IOError, err)
	}

	l := &levelDBLog{db: db, key: key}
	if v, err := db.Get([]byte(keyMetaVersion), nil); err == nil {
		l.version = binary.BigEndian.Uint64(v)
	}
	if k, err := db.Get([]byte(keyMetaKey), nil); err == nil {
		l.key = string(k)
	} else if key != "" {
		_ = db.Put([]byte(keyMetaKey), []byte(key), nil)
	}

	s.logs[name] = l
	return l, nil
}

func (s *LevelDBStore) Open(name string) (Log, error) {
	return s.open(name, name)
}

func (s *LevelDBStore) OpenRemote(key string) (Log, error) {
	return s.open(key, key)
}

func (s *LevelDBStore) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	var firstErr error
	for _, l := range s.logs {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.logs = make(map[string]*levelDBLog)
	return firstErr
}

type operation struct {
	Path string                `json:"path"`
	Rec  *wireproto.FileRecord `json:"rec,omitempty"`
}

type levelDBLog struct {
	mut     sync.Mutex
	db      *leveldb.DB
	key     string
	version uint64
	subs    []func(uint64)
}

func opKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOp, seq))
}

func (l *levelDBLog) Key() string { return l.key }

func (l *levelDBLog) Version() uint64 {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.version
}

func (l *levelDBLog) append(path string, rec *wireproto.FileRecord) error {
	l.mut.Lock()

	op := operation{Path: path, Rec: rec}
	opBytes, err := json.Marshal(op)
	if err != nil {
		l.mut.Unlock()
		return errkind.Wrap(errkind.IOError, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(opKey(l.version), opBytes)
	if rec == nil {
		batch.Delete([]byte(prefixCurrent + path))
	} else {
		curBytes, err := json.Marshal(rec)
		if err != nil {
			l.mut.Unlock()
			return errkind.Wrap(errkind.IOError, err)
		}
		batch.Put([]byte(prefixCurrent+path), curBytes)
	}
	newVersion := l.version + 1
	verBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(verBytes, newVersion)
	batch.Put([]byte(keyMetaVersion), verBytes)

	if err := l.db.Write(batch, nil); err != nil {
		l.mut.Unlock()
		return errkind.Wrap(errkind.IOError, err)
	}
	l.version = newVersion
	subs := append([]func(uint64){}, l.subs...)
	l.mut.Unlock()

	for _, fn := range subs {
		fn(newVersion)
	}
	return nil
}

func (l *levelDBLog) Put(path string, rec wireproto.FileRecord) error {
	return l.append(path, &rec)
}

func (l *levelDBLog) Delete(path string) error {
	return l.append(path, nil)
}

func (l *levelDBLog) Get(path string) (wireproto.FileRecord, bool, error) {
	var rec wireproto.FileRecord
	bs, err := l.db.Get([]byte(prefixCurrent+path), nil)
	if err == leveldb.ErrNotFound {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, errkind.Wrap(errkind.IOError, err)
	}
	if err := json.Unmarshal(bs, &rec); err != nil {
		return rec, false, errkind.Wrap(errkind.IOError, err)
	}
	return rec, true, nil
}

func (l *levelDBLog) List() ([]wireproto.FileRecord, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixCurrent)), nil)
	defer iter.Release()

	var out []wireproto.FileRecord
	for iter.Next() {
		var rec wireproto.FileRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, errkind.Wrap(errkind.IOError, err)
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, errkind.Wrap(errkind.IOError, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (l *levelDBLog) replay(upTo uint64) (map[string]wireproto.FileRecord, error) {
	state := make(map[string]wireproto.FileRecord)
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixOp)), nil)
	defer iter.Release()

	var seq uint64
	for iter.Next() {
		if seq >= upTo {
			break
		}
		var op operation
		if err := json.Unmarshal(iter.Value(), &op); err != nil {
			return nil, errkind.Wrap(errkind.IOError, err)
		}
		if op.Rec == nil {
			delete(state, op.Path)
		} else {
			state[op.Path] = *op.Rec
		}
		seq++
	}
	if err := iter.Error(); err != nil {
		return nil, errkind.Wrap(errkind.IOError, err)
	}
	return state, nil
}

type mapSnapshot struct {
	version uint64
	state   map[string]wireproto.FileRecord
}

func (s *mapSnapshot) Version() uint64 { return s.version }

func (s *mapSnapshot) Get(path string) (wireproto.FileRecord, bool) {
	r, ok := s.state[path]
	return r, ok
}

func (s *mapSnapshot) Paths() []string {
	out := make([]string, 0, len(s.state))
	for p := range s.state {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (l *levelDBLog) Checkout(version uint64) (Snapshot, error) {
	state, err := l.replay(version)
	if err != nil {
		return nil, err
	}
	return &mapSnapshot{version: version, state: state}, nil
}

func (l *levelDBLog) DiffStream(fromVersion, toVersion uint64) ([]DiffEntry, error) {
	left, err := l.replay(fromVersion)
	if err != nil {
		return nil, err
	}
	right, err := l.replay(toVersion)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []DiffEntry
	for path, lv := range left {
		seen[path] = true
		rv, ok := right[path]
		switch {
		case !ok:
			lcopy := lv
			out = append(out, DiffEntry{Path: path, Left: &lcopy})
		case lv.Hash != rv.Hash:
			lcopy, rcopy := lv, rv
			out = append(out, DiffEntry{Path: path, Left: &lcopy, Right: &rcopy})
		}
	}
	for path, rv := range right {
		if seen[path] {
			continue
		}
		rcopy := rv
		out = append(out, DiffEntry{Path: path, Right: &rcopy})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (l *levelDBLog) Subscribe(fn func(uint64)) func() {
	l.mut.Lock()
	idx := len(l.subs)
	l.subs = append(l.subs, fn)
	l.mut.Unlock()

	return func() {
		l.mut.Lock()
		defer l.mut.Unlock()
		if idx < len(l.subs) {
			l.subs[idx] = func(uint64) {}
		}
	}
}

func (l *levelDBLog) Close() error {
	return l.db.Close()
}

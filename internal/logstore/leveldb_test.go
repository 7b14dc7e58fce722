// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package logstore

import (
	"path/filepath"
	"testing"

	"github.com/filemesh/filemesh/internal/wireproto"
)

func openTestStore(t *testing.T) *LevelDBStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenStore(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)
	log, err := s.Open("local")
	if err != nil {
		t.Fatal(err)
	}

	rec := wireproto.FileRecord{Path: "a.txt", Size: 3, Hash: "h1"}
	if err := log.Put("a.txt", rec); err != nil {
		t.Fatal(err)
	}

	got, ok, err := log.Get("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.Hash != "h1" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}

	if err := log.Delete("a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := log.Get("a.txt"); err != nil || ok {
		t.Fatalf("Get after Delete: ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestVersionAdvancesOnEveryAppend(t *testing.T) {
	s := openTestStore(t)
	log, _ := s.Open("local")

	if log.Version() != 0 {
		t.Fatalf("fresh log version = %d, want 0", log.Version())
	}
	log.Put("a.txt", wireproto.FileRecord{Path: "a.txt", Hash: "h1"})
	if log.Version() != 1 {
		t.Fatalf("version after one put = %d, want 1", log.Version())
	}
	log.Delete("a.txt")
	if log.Version() != 2 {
		t.Fatalf("version after delete = %d, want 2", log.Version())
	}
}

func TestListSortedByPath(t *testing.T) {
	s := openTestStore(t)
	log, _ := s.Open("local")

	log.Put("b.txt", wireproto.FileRecord{Path: "b.txt", Hash: "hb"})
	log.Put("a.txt", wireproto.FileRecord{Path: "a.txt", Hash: "ha"})

	recs, err := log.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Path != "a.txt" || recs[1].Path != "b.txt" {
		t.Fatalf("List() = %+v, want sorted [a.txt b.txt]", recs)
	}
}

func TestDiffStreamAddedChangedRemoved(t *testing.T) {
	s := openTestStore(t)
	log, _ := s.Open("local")

	log.Put("keep.txt", wireproto.FileRecord{Path: "keep.txt", Hash: "same"})
	log.Put("change.txt", wireproto.FileRecord{Path: "change.txt", Hash: "old"})
	log.Put("remove.txt", wireproto.FileRecord{Path: "remove.txt", Hash: "gone-soon"})
	v0 := log.Version()

	log.Put("change.txt", wireproto.FileRecord{Path: "change.txt", Hash: "new"})
	log.Delete("remove.txt")
	log.Put("add.txt", wireproto.FileRecord{Path: "add.txt", Hash: "fresh"})
	v1 := log.Version()

	diff, err := log.DiffStream(v0, v1)
	if err != nil {
		t.Fatal(err)
	}

	byPath := make(map[string]DiffEntry)
	for _, d := range diff {
		byPath[d.Path] = d
	}

	if _, ok := byPath["keep.txt"]; ok {
		t.Error("an unchanged path should not appear in the diff")
	}
	if e, ok := byPath["change.txt"]; !ok || e.Left == nil || e.Right == nil || e.Right.Hash != "new" {
		t.Errorf("change.txt diff = %+v", e)
	}
	if e, ok := byPath["remove.txt"]; !ok || e.Right != nil || e.Left == nil {
		t.Errorf("remove.txt diff = %+v, want Right nil", e)
	}
	if e, ok := byPath["add.txt"]; !ok || e.Left != nil || e.Right == nil {
		t.Errorf("add.txt diff = %+v, want Left nil", e)
	}
}

func TestCheckoutReturnsHistoricalSnapshot(t *testing.T) {
	s := openTestStore(t)
	log, _ := s.Open("local")

	log.Put("a.txt", wireproto.FileRecord{Path: "a.txt", Hash: "h1"})
	v0 := log.Version()
	log.Put("a.txt", wireproto.FileRecord{Path: "a.txt", Hash: "h2"})

	snap, err := log.Checkout(v0)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := snap.Get("a.txt")
	if !ok || rec.Hash != "h1" {
		t.Errorf("historical snapshot = %+v, %v, want hash h1", rec, ok)
	}
}

func TestSubscribeNotifiesOnAppend(t *testing.T) {
	s := openTestStore(t)
	log, _ := s.Open("local")

	var got uint64
	unsub := log.Subscribe(func(v uint64) { got = v })

	log.Put("a.txt", wireproto.FileRecord{Path: "a.txt", Hash: "h1"})
	if got != 1 {
		t.Errorf("got = %d, want 1", got)
	}

	unsub()
	log.Put("b.txt", wireproto.FileRecord{Path: "b.txt", Hash: "h1"})
	if got != 1 {
		t.Errorf("got = %d after unsubscribe, want still 1", got)
	}
}

func TestOpenRemoteKeyPersistsAcrossReopen(t *testing.T) {
	s := openTestStore(t)
	remote, err := s.OpenRemote("peer-key-123")
	if err != nil {
		t.Fatal(err)
	}
	if remote.Key() != "peer-key-123" {
		t.Fatalf("Key() = %q, want peer-key-123", remote.Key())
	}
	remote.Put("a.txt", wireproto.FileRecord{Path: "a.txt", Hash: "h1"})

	again, err := s.OpenRemote("peer-key-123")
	if err != nil {
		t.Fatal(err)
	}
	if again.Version() != 1 {
		t.Errorf("reopening the same remote log should see the prior append, version = %d", again.Version())
	}
}

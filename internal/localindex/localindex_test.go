// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation, either version 3 of the License, or (at your option)
// any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License for
// more details.
//
// You should have received a copy of the GNU General Public License along
// with this program. If not, see <http://www.gnu.org/licenses/>.

package localindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/logstore"
)

// fakeBusy reports every path in the set as busy, simulating the index
// manager's transfer table.
type fakeBusy struct {
	busy map[string]bool
}

func (f *fakeBusy) IsBusy(path string) bool { return f.busy[path] }

func newTestIndex(t *testing.T, busy BusyChecker) (*LocalFileIndex, string, logstore.Log) {
	t.Helper()
	root := t.TempDir()
	store, err := logstore.OpenStore(filepath.Join(t.TempDir(), "logs"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	log, err := store.Open("local")
	if err != nil {
		t.Fatal(err)
	}

	li, err := New(Config{Root: root, Busy: busy}, log, events.NewBus(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return li, root, log
}

func TestReconcilePathRecordsNewFile(t *testing.T) {
	li, root, log := newTestIndex(t, nil)
	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	li.reconcilePath("a.txt")

	rec, ok, err := log.Get("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a.txt to be recorded after reconcile")
	}
	if rec.Hash == "" {
		t.Error("recorded file should have a non-empty hash")
	}
}

func TestReconcilePathEmitsAddedThenChanged(t *testing.T) {
	li, root, log := newTestIndex(t, nil)
	path := filepath.Join(root, "a.txt")

	var kinds []events.Type
	li.bus.Subscribe(events.AllEvents, func(e events.Event) { kinds = append(kinds, e.Type) })

	os.WriteFile(path, []byte("v1"), 0o644)
	li.reconcilePath("a.txt")

	os.WriteFile(path, []byte("v2, longer content"), 0o644)
	li.reconcilePath("a.txt")

	if len(kinds) != 2 || kinds[0] != events.LocalFileAdded || kinds[1] != events.LocalFileChanged {
		t.Fatalf("events = %v, want [LocalFileAdded LocalFileChanged]", kinds)
	}

	rec, ok, err := log.Get("a.txt")
	if err != nil || !ok {
		t.Fatalf("Get after change: ok=%v err=%v", ok, err)
	}
	if rec.Size != int64(len("v2, longer content")) {
		t.Errorf("Size = %d, want %d", rec.Size, len("v2, longer content"))
	}
}

func TestReconcilePathSkipsBusyPath(t *testing.T) {
	busy := &fakeBusy{busy: map[string]bool{"a.txt": true}}
	li, root, log := newTestIndex(t, busy)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644)

	li.reconcilePath("a.txt")

	if _, ok, _ := log.Get("a.txt"); ok {
		t.Error("a busy path must not be recorded by the local index")
	}
}

func TestHandleRemovedSkipsBusyPath(t *testing.T) {
	busy := &fakeBusy{busy: map[string]bool{}}
	li, root, log := newTestIndex(t, busy)
	path := filepath.Join(root, "a.txt")
	os.WriteFile(path, []byte("hello"), 0o644)
	li.reconcilePath("a.txt")

	if _, ok, _ := log.Get("a.txt"); !ok {
		t.Fatal("setup: a.txt should be recorded before the removal test")
	}

	busy.busy["a.txt"] = true
	os.Remove(path)
	li.handleRemoved("a.txt")

	if _, ok, err := log.Get("a.txt"); err != nil || !ok {
		t.Error("a busy path's record must not be deleted by the local index")
	}
}

func TestHandleRemovedDeletesWhenNotBusy(t *testing.T) {
	li, root, log := newTestIndex(t, nil)
	path := filepath.Join(root, "a.txt")
	os.WriteFile(path, []byte("hello"), 0o644)
	li.reconcilePath("a.txt")

	os.Remove(path)
	li.handleRemoved("a.txt")

	if _, ok, _ := log.Get("a.txt"); ok {
		t.Error("a non-busy removed path should be deleted from the log")
	}
}

func TestReconcilePathUnchangedFileSkipsAppend(t *testing.T) {
	li, root, log := newTestIndex(t, nil)
	path := filepath.Join(root, "a.txt")
	os.WriteFile(path, []byte("hello"), 0o644)

	li.reconcilePath("a.txt")
	v1 := log.Version()

	// Reconciling again with identical size/mtime must not touch the log.
	li.reconcilePath("a.txt")
	if log.Version() != v1 {
		t.Errorf("reconciling an unchanged path should not append, version moved %d -> %d", v1, log.Version())
	}
}

func TestReconcilePathNeverSeenAndMissingIsNoop(t *testing.T) {
	li, _, log := newTestIndex(t, nil)
	li.reconcilePath("never-existed.txt")
	if _, ok, _ := log.Get("never-existed.txt"); ok {
		t.Error("an unknown, nonexistent path should not produce a log entry")
	}
}

func TestNewPrimesCacheFromLog(t *testing.T) {
	li, root, log := newTestIndex(t, nil)
	path := filepath.Join(root, "a.txt")
	os.WriteFile(path, []byte("hello"), 0o644)
	li.reconcilePath("a.txt")

	// A second index over the same log, as after a restart: the already
	// indexed, unchanged file must not re-announce itself.
	li2, err := New(Config{Root: root}, log, events.NewBus(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []events.Type
	li2.bus.Subscribe(events.AllEvents, func(e events.Event) { kinds = append(kinds, e.Type) })

	v1 := log.Version()
	li2.PollOnce()

	if len(kinds) != 0 {
		t.Errorf("events after restart poll = %v, want none", kinds)
	}
	if log.Version() != v1 {
		t.Errorf("restart poll of unchanged tree appended, version %d -> %d", v1, log.Version())
	}
}

func TestPollOnceRemovesFileDeletedWhileDown(t *testing.T) {
	li, root, log := newTestIndex(t, nil)
	path := filepath.Join(root, "a.txt")
	os.WriteFile(path, []byte("hello"), 0o644)
	li.reconcilePath("a.txt")

	// Simulate the file disappearing while the node was not running: a
	// fresh index over the same log must still notice the record is stale.
	os.Remove(path)
	li2, err := New(Config{Root: root}, log, events.NewBus(), nil)
	if err != nil {
		t.Fatal(err)
	}
	li2.PollOnce()

	if _, ok, _ := log.Get("a.txt"); ok {
		t.Error("a file deleted while the index was down should be removed on the first poll")
	}
}

func TestListAndGetReflectLog(t *testing.T) {
	li, root, _ := newTestIndex(t, nil)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644)
	li.reconcilePath("a.txt")

	recs, err := li.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Path != "a.txt" {
		t.Fatalf("List = %+v, want one record for a.txt", recs)
	}

	rec, ok, err := li.Get("a.txt")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if rec.Hash != recs[0].Hash {
		t.Errorf("Get hash = %q, List hash = %q", rec.Hash, recs[0].Hash)
	}
}

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

package indexmanager

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/filemesh/filemesh/internal/blobstore"
	"github.com/filemesh/filemesh/internal/errkind"
	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/identity"
	"github.com/filemesh/filemesh/internal/logstore"
	"github.com/filemesh/filemesh/internal/wireproto"
)

type fakePeerConn struct {
	id identity.PeerID

	// blob, when non-nil, is served for any RequestFile/FetchBlob pair.
	blob     []byte
	released []string
}

func (f *fakePeerConn) PeerID() identity.PeerID { return f.id }
func (f *fakePeerConn) RequestFile(ctx context.Context, path string) (wireproto.BlobRef, int64, error) {
	if f.blob == nil {
		return wireproto.BlobRef{}, 0, errPeerNotConnected
	}
	id := wireproto.BlobID{Blob: 1, ByteLength: int64(len(f.blob))}
	return wireproto.BlobRef{Type: wireproto.BlobRefType, Key: "testkey", ID: id}, int64(len(f.blob)), nil
}
func (f *fakePeerConn) ReleaseFile(ctx context.Context, path string) error {
	f.released = append(f.released, path)
	return nil
}
func (f *fakePeerConn) FetchBlob(ctx context.Context, ref wireproto.BlobRef) (io.ReadCloser, error) {
	if f.blob == nil {
		return nil, errPeerNotConnected
	}
	return io.NopCloser(bytes.NewReader(f.blob)), nil
}

func newTestManager(t *testing.T) (*Manager, logstore.Log) {
	t.Helper()
	store, err := logstore.OpenStore(filepath.Join(t.TempDir(), "logs"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	local, err := store.Open("local")
	if err != nil {
		t.Fatal(err)
	}

	blobs, err := blobstore.OpenStore(filepath.Join(t.TempDir(), "blobs"), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { blobs.Close() })

	m := New(Config{Root: t.TempDir()}, local, blobs, events.NewBus(), nil)
	t.Cleanup(func() { m.Close() })
	return m, local
}

func waitForEvent(t *testing.T, bus *events.Bus, mask events.Type, timeout time.Duration) events.Event {
	t.Helper()
	ch := make(chan events.Event, 1)
	unsub := bus.Subscribe(mask, func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsub()

	select {
	case e := <-ch:
		return e
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestAddPeerDiffsExistingState(t *testing.T) {
	m, _ := newTestManager(t)

	remoteStore, err := logstore.OpenStore(filepath.Join(t.TempDir(), "remote-logs"))
	if err != nil {
		t.Fatal(err)
	}
	defer remoteStore.Close()
	remoteLog, err := remoteStore.Open("remote")
	if err != nil {
		t.Fatal(err)
	}
	remoteLog.Put("a.txt", wireproto.FileRecord{Path: "a.txt", Hash: "h1"})

	var peer identity.PeerID
	peer[0] = 7
	m.AddPeer(&fakePeerConn{id: peer}, remoteLog)

	e := waitForEvent(t, m.bus, events.PeerFileAdded, 2*time.Second)
	pf, ok := e.Data.(PeerFileEvent)
	if !ok || pf.Record.Path != "a.txt" {
		t.Fatalf("event data = %+v", e.Data)
	}
}

func TestRunDiffEmitsChangedAndRemoved(t *testing.T) {
	m, _ := newTestManager(t)

	remoteStore, err := logstore.OpenStore(filepath.Join(t.TempDir(), "remote-logs"))
	if err != nil {
		t.Fatal(err)
	}
	defer remoteStore.Close()
	remoteLog, err := remoteStore.Open("remote")
	if err != nil {
		t.Fatal(err)
	}

	var peer identity.PeerID
	peer[0] = 9
	m.AddPeer(&fakePeerConn{id: peer}, remoteLog)

	remoteLog.Put("a.txt", wireproto.FileRecord{Path: "a.txt", Hash: "h1"})
	waitForEvent(t, m.bus, events.PeerFileAdded, 2*time.Second)

	remoteLog.Put("a.txt", wireproto.FileRecord{Path: "a.txt", Hash: "h2"})
	e := waitForEvent(t, m.bus, events.PeerFileChanged, 2*time.Second)
	pf := e.Data.(PeerFileEvent)
	if pf.Record.Hash != "h2" {
		t.Errorf("changed record hash = %q, want h2", pf.Record.Hash)
	}

	remoteLog.Delete("a.txt")
	e = waitForEvent(t, m.bus, events.PeerFileRemoved, 2*time.Second)
	pf = e.Data.(PeerFileEvent)
	if pf.Record.Path != "a.txt" {
		t.Errorf("removed record path = %q, want a.txt", pf.Record.Path)
	}
}

func TestQueueAndUnqueueDownload(t *testing.T) {
	m, _ := newTestManager(t)
	var peer identity.PeerID
	peer[0] = 1

	m.QueueDownload(peer, "wanted.txt")
	q := m.QueuedDownloads()
	if len(q[peer]) != 1 || q[peer][0] != "wanted.txt" {
		t.Fatalf("QueuedDownloads = %+v", q)
	}

	m.UnqueueDownload(peer, "wanted.txt")
	q = m.QueuedDownloads()
	if len(q[peer]) != 0 {
		t.Fatalf("after unqueue, QueuedDownloads = %+v", q)
	}
}

func TestHandleDownloadWritesFileAndEmitsProgress(t *testing.T) {
	m, local := newTestManager(t)
	content := bytes.Repeat([]byte("abc"), 1000)
	sum := sha256.Sum256(content)
	wantHash := hex.EncodeToString(sum[:])

	var peer identity.PeerID
	peer[0] = 3
	conn := &fakePeerConn{id: peer, blob: content}

	var progressed, completed bool
	m.bus.Subscribe(events.DownloadProgress|events.DownloadCompleted, func(e events.Event) {
		switch e.Type {
		case events.DownloadProgress:
			progressed = true
		case events.DownloadCompleted:
			completed = true
		}
	})

	if err := m.HandleDownload(context.Background(), conn, "dir/a.bin", wantHash); err != nil {
		t.Fatal(err)
	}

	bs, err := os.ReadFile(filepath.Join(m.root, "dir", "a.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bs, content) {
		t.Error("downloaded bytes differ from the served blob")
	}

	rec, ok, err := local.Get("dir/a.bin")
	if err != nil || !ok {
		t.Fatalf("local log entry after download: ok=%v err=%v", ok, err)
	}
	if rec.Hash != wantHash {
		t.Errorf("recorded hash = %q, want %q", rec.Hash, wantHash)
	}
	if !progressed || !completed {
		t.Errorf("progressed=%v completed=%v, want both", progressed, completed)
	}
}

func TestHandleDownloadHashMismatchFailsIncomplete(t *testing.T) {
	m, _ := newTestManager(t)

	var peer identity.PeerID
	peer[0] = 4
	conn := &fakePeerConn{id: peer, blob: []byte("actual content")}

	var failKind errkind.Kind
	m.bus.Subscribe(events.DownloadFailed, func(e events.Event) {
		if de, ok := e.Data.(DownloadErrorEvent); ok {
			failKind = de.Kind
		}
	})

	err := m.HandleDownload(context.Background(), conn, "a.bin", "0000000000000000000000000000000000000000000000000000000000000000")
	if errkind.KindOf(err) != errkind.Incomplete {
		t.Fatalf("err = %v, want kind INCOMPLETE", err)
	}
	if failKind != errkind.Incomplete {
		t.Errorf("DownloadFailed kind = %q, want INCOMPLETE", failKind)
	}
	if m.IsBusy("a.bin") {
		t.Error("transfer table entry should be gone after a failed download")
	}
}

func TestIsBusyReflectsTransferTable(t *testing.T) {
	m, _ := newTestManager(t)
	var peer identity.PeerID

	if m.IsBusy("a.txt") {
		t.Fatal("nothing uploaded or downloaded yet, should not be busy")
	}

	m.uploadsMut.Lock()
	m.uploads[uploadKey{peer: peer, path: "a.txt"}] = &upload{}
	m.uploadsMut.Unlock()

	if !m.IsBusy("a.txt") {
		t.Error("a.txt has an open upload, should be busy")
	}
	if m.IsBusy("b.txt") {
		t.Error("b.txt has no transfer, should not be busy")
	}
}

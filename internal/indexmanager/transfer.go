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
	"context"
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/filemesh/filemesh/internal/blobstore"
	"github.com/filemesh/filemesh/internal/errkind"
	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/fileutil"
	"github.com/filemesh/filemesh/internal/identity"
	"github.com/filemesh/filemesh/internal/osutil"
	"github.com/filemesh/filemesh/internal/wireproto"
)

type uploadKey struct {
	peer identity.PeerID
	path string
}

type downloadKey struct {
	peer identity.PeerID
	path string
}

// upload is the server side of a transfer: this node's own file, staged
// into a blob container so the requesting peer can stream it at its own
// pace, torn down on FILE_RELEASE.
type upload struct {
	container blobstore.Container
	key       string
	id        blobstore.ID
}

// CreateUpload serves a FILE_REQUEST: it reads path from the local
// tree, stages it into a fresh blob container namespaced to
// (path, "upload", requester), and returns the blob reference the
// caller hands back to the peer in the response envelope.
func (m *Manager) CreateUpload(ctx context.Context, peer identity.PeerID, path string) (wireproto.BlobRef, int64, error) {
	rec, ok, err := m.localLog.Get(path)
	if err != nil {
		return wireproto.BlobRef{}, 0, errkind.Wrap(errkind.IOError, err)
	}
	if !ok || rec.IsTombstone() {
		return wireproto.BlobRef{}, 0, errkind.New(errkind.NotFound, "no such local file: "+path)
	}

	ns, err := blobstore.Namespace(m.networkKey, path, "upload", peer.String())
	if err != nil {
		return wireproto.BlobRef{}, 0, errkind.Wrap(errkind.IOError, err)
	}
	container, err := m.blobs.CreateContainer(ns)
	if err != nil {
		return wireproto.BlobRef{}, 0, errkind.Wrap(errkind.IOError, err)
	}

	w, err := container.CreateWriteStream()
	if err != nil {
		container.Close()
		return wireproto.BlobRef{}, 0, errkind.Wrap(errkind.IOError, err)
	}

	f, err := os.Open(fileutil.ToOSPath(m.root, path))
	if err != nil {
		container.Close()
		if os.IsNotExist(err) {
			return wireproto.BlobRef{}, 0, errkind.Wrap(errkind.NotFound, err)
		}
		return wireproto.BlobRef{}, 0, errkind.Wrap(errkind.IOError, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		container.Close()
		return wireproto.BlobRef{}, 0, errkind.Wrap(errkind.IOError, err)
	}
	if err := w.Close(); err != nil {
		container.Close()
		return wireproto.BlobRef{}, 0, errkind.Wrap(errkind.IOError, err)
	}

	u := &upload{container: container, key: container.Key(), id: w.ID()}
	m.uploadsMut.Lock()
	m.uploads[uploadKey{peer: peer, path: path}] = u
	m.uploadsByKey[u.key] = u
	m.uploadsMut.Unlock()

	ref := wireproto.BlobRef{
		Type: wireproto.BlobRefType,
		Key:  u.key,
		ID:   wireproto.BlobID{Blob: uint64(w.ID()), ByteLength: w.Size()},
	}
	return ref, w.Size(), nil
}

// CloseUpload tears down the staged container for a FILE_RELEASE.
func (m *Manager) CloseUpload(peer identity.PeerID, path string) error {
	m.uploadsMut.Lock()
	u, ok := m.uploads[uploadKey{peer: peer, path: path}]
	if ok {
		delete(m.uploads, uploadKey{peer: peer, path: path})
		delete(m.uploadsByKey, u.key)
	}
	m.uploadsMut.Unlock()
	if !ok {
		return nil
	}
	return u.container.Close()
}

// ServeBlobFetch answers a peer's blob-stream request for the transfer
// object published under key: it streams the blob's bytes to w, blocking
// until the writer side has finished staging it if necessary. The
// upload must still be open (i.e. FILE_RELEASE has not yet torn it
// down) when the request arrives.
func (m *Manager) ServeBlobFetch(ctx context.Context, key string, id blobstore.ID, w io.Writer) error {
	m.uploadsMut.Lock()
	u, ok := m.uploadsByKey[key]
	m.uploadsMut.Unlock()
	if !ok {
		return errkind.New(errkind.NotFound, "no such upload: "+key)
	}

	rc, err := u.container.CreateReadStream(id, true, m.inactivityTimeout)
	if err != nil {
		return errkind.Wrap(errkind.IOError, err)
	}
	defer rc.Close()

	if _, err := io.Copy(w, rc); err != nil {
		return errkind.Wrap(errkind.IOError, err)
	}
	return nil
}

type download struct {
	cancel context.CancelFunc
}

// DownloadProgressEvent is the DOWNLOAD_PROGRESS payload, emitted once
// per whole percent of the declared size received.
type DownloadProgressEvent struct {
	PeerID     identity.PeerID `json:"peerId"`
	Path       string          `json:"path"`
	BytesDone  int64           `json:"bytesDone"`
	BytesTotal int64           `json:"bytesTotal"`
	Percent    int             `json:"percent"`
}

// DownloadErrorEvent is the DOWNLOAD_FAILED payload: the failed path plus
// the taxonomy kind so subscribers can distinguish a timeout from a
// truncated stream without parsing the message.
type DownloadErrorEvent struct {
	PeerID  identity.PeerID `json:"peerId"`
	Path    string          `json:"path"`
	Kind    errkind.Kind    `json:"kind"`
	Message string          `json:"message"`
}

var errSizeMismatch = errors.New("indexmanager: downloaded size does not match declared size")
var errHashMismatch = errors.New("indexmanager: downloaded content does not match declared hash")

// HandleDownload executes a whole download: it asks peer for path over
// conn, fetches the referenced blob from that peer, and copies it to a local
// temp file with an inactivity watchdog, verifying size and hash before
// publishing the result into the local log.
//
// A read that makes no progress for m.inactivityTimeout fails with
// errkind.InactivityTimeout; a peer-declared size the stream doesn't
// match fails with errkind.Incomplete. Either way CloseDownload must
// still be called so the peer's upload container is released.
func (m *Manager) HandleDownload(ctx context.Context, conn PeerConn, path, expectHash string) error {
	peer := conn.PeerID()
	m.bus.Log(events.DownloadStarted, PeerFileEvent{PeerID: peer, Record: wireproto.FileRecord{Path: path, Hash: expectHash}})

	ctx, cancel := context.WithCancel(ctx)
	key := downloadKey{peer: peer, path: path}
	m.downloadsMut.Lock()
	m.downloads[key] = &download{cancel: cancel}
	m.downloadsMut.Unlock()
	defer func() {
		m.downloadsMut.Lock()
		delete(m.downloads, key)
		m.downloadsMut.Unlock()
	}()

	ref, size, err := conn.RequestFile(ctx, path)
	if err != nil {
		m.failDownload(peer, path, err)
		return err
	}
	if ref.Type != wireproto.BlobRefType || ref.Key == "" {
		err := errkind.New(errkind.InvalidReference, "malformed FILE_REQUEST response")
		m.failDownload(peer, path, err)
		return err
	}

	rc, err := conn.FetchBlob(ctx, ref)
	if err != nil {
		m.failDownload(peer, path, err)
		return err
	}
	defer rc.Close()

	var src io.Reader = rc
	if m.rateLimit != nil {
		src = &rateLimitedReader{ctx: ctx, r: rc, limiter: m.rateLimit}
	}

	osPath := fileutil.ToOSPath(m.root, path)
	if err := os.MkdirAll(parentDir(osPath), 0o700); err != nil {
		m.failDownload(peer, path, err)
		return errkind.Wrap(errkind.IOError, err)
	}

	w, err := osutil.CreateAtomic(osPath, 0o644)
	if err != nil {
		m.failDownload(peer, path, err)
		return errkind.Wrap(errkind.IOError, err)
	}

	lastPercent := -1
	onProgress := func(done int64) {
		if size <= 0 {
			return
		}
		pct := int(done * 100 / size)
		if pct > lastPercent {
			lastPercent = pct
			m.bus.Log(events.DownloadProgress, DownloadProgressEvent{
				PeerID: peer, Path: path, BytesDone: done, BytesTotal: size, Percent: pct,
			})
		}
	}

	hasher, n, err := copyWithWatchdog(ctx, w, src, m.inactivityTimeout, onProgress)
	if err != nil {
		w.Abort()
		m.failDownload(peer, path, err)
		return err
	}

	if size > 0 && n != size {
		w.Abort()
		m.failDownload(peer, path, errkind.Wrap(errkind.Incomplete, errSizeMismatch))
		return errkind.Wrap(errkind.Incomplete, errSizeMismatch)
	}
	if expectHash != "" && hasher != expectHash {
		w.Abort()
		m.failDownload(peer, path, errkind.Wrap(errkind.Incomplete, errHashMismatch))
		return errkind.Wrap(errkind.Incomplete, errHashMismatch)
	}

	if err := w.Close(); err != nil {
		m.failDownload(peer, path, err)
		return errkind.Wrap(errkind.IOError, err)
	}

	rec := wireproto.FileRecord{Path: path, Size: n, Hash: hasher}
	if fi, err := os.Stat(osPath); err == nil {
		rec.Modified = float64(fi.ModTime().UnixNano()) / 1e6
	}
	if err := m.localLog.Put(path, rec); err != nil {
		m.failDownload(peer, path, err)
		return err
	}

	m.bus.Log(events.DownloadCompleted, PeerFileEvent{PeerID: peer, Record: rec})
	return nil
}

func (m *Manager) failDownload(peer identity.PeerID, path string, err error) {
	m.bus.Log(events.DownloadFailed, DownloadErrorEvent{
		PeerID: peer, Path: path, Kind: errkind.KindOf(err), Message: err.Error(),
	})
	if m.logger != nil {
		m.logger.Warnf("indexmanager: download %s from %s: %v", path, peer, err)
	}
}

// rateLimitedReader paces reads through the manager's shared token
// bucket so concurrent downloads share the configured bandwidth budget.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	if burst := r.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

// CancelDownload aborts an in-progress download, e.g. because the node
// is shutting down or the peer disconnected.
func (m *Manager) CancelDownload(peer identity.PeerID, path string) {
	m.downloadsMut.Lock()
	d, ok := m.downloads[downloadKey{peer: peer, path: path}]
	m.downloadsMut.Unlock()
	if ok {
		d.cancel()
	}
}

// CloseDownload releases the peer's upload by sending FILE_RELEASE.
func (m *Manager) CloseDownload(ctx context.Context, conn PeerConn, path string) error {
	return conn.ReleaseFile(ctx, path)
}

func parentDir(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' && path[i] != '\\' {
		i--
	}
	if i < 0 {
		return "."
	}
	return path[:i]
}

// copyWithWatchdog copies src into dst, hashing as it goes, failing with
// errkind.InactivityTimeout if a single read/write cycle makes no
// progress for longer than timeout. The timer is reset on every chunk
// copied, so a slow-but-steady peer never trips it; only a peer that
// stalls mid-transfer does. onProgress, if non-nil, is called with the
// running byte count on every chunk, from the watchdog goroutine.
func copyWithWatchdog(ctx context.Context, dst io.Writer, src io.Reader, timeout time.Duration, onProgress func(int64)) (string, int64, error) {
	hw := newHashingWriter(dst)
	done := make(chan copyResult, 1)

	go func() {
		n, err := io.Copy(hw, src)
		done <- copyResult{n: n, err: err}
	}()

	var timer *time.Timer
	var timerC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerC = timer.C
		defer timer.Stop()
	}

	for {
		select {
		case r := <-done:
			if r.err != nil {
				return "", 0, errkind.Wrap(errkind.IOError, r.err)
			}
			if onProgress != nil {
				onProgress(r.n)
			}
			return hw.sum(), r.n, nil
		case <-hw.progress:
			if timer != nil {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(timeout)
			}
			if onProgress != nil {
				onProgress(hw.written())
			}
		case <-timerC:
			return "", 0, errkind.New(errkind.InactivityTimeout, "no progress within timeout")
		case <-ctx.Done():
			return "", 0, errkind.Wrap(errkind.Cancelled, ctx.Err())
		}
	}
}

type copyResult struct {
	n   int64
	err error
}

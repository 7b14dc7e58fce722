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

// Package indexmanager tracks every connected peer's log alongside the
// local one, turns log version advances into per-file
// added/changed/removed events via a diff engine, and drives upload and
// download execution, archive mode, and queued downloads on top of
// that.
package indexmanager

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/filemesh/filemesh/internal/blobstore"
	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/identity"
	"github.com/filemesh/filemesh/internal/logging"
	"github.com/filemesh/filemesh/internal/logstore"
	"github.com/filemesh/filemesh/internal/syncutil"
	"github.com/filemesh/filemesh/internal/wireproto"
)

var errPeerNotConnected = errors.New("indexmanager: peer not connected")

// PeerConn is the subset of the node's per-peer protocol access the
// index manager needs to execute transfers; the node supplies the
// concrete implementation over its Channel.
type PeerConn interface {
	PeerID() identity.PeerID
	RequestFile(ctx context.Context, path string) (wireproto.BlobRef, int64, error)
	ReleaseFile(ctx context.Context, path string) error

	// FetchBlob streams the bytes of the transfer object ref from the
	// peer serving it. The caller must Close the result.
	FetchBlob(ctx context.Context, ref wireproto.BlobRef) (io.ReadCloser, error)
}

// Config controls one Manager instance.
type Config struct {
	Root              string
	NetworkKey        identity.NetworkKey
	ArchiveEnabled    bool
	PollInterval      time.Duration
	InactivityTimeout time.Duration

	// DownloadRateLimit caps aggregate download throughput in bytes per
	// second across all concurrent transfers. Zero means unlimited.
	DownloadRateLimit int64
}

const defaultInactivityTimeout = 30 * time.Second

// Manager is the Index Manager. One Manager exists per node, owning the
// local log and every currently-connected peer's remote log handle.
type Manager struct {
	root              string
	networkKey        identity.NetworkKey
	inactivityTimeout time.Duration
	pollInterval      time.Duration
	rateLimit         *rate.Limiter

	blobs  blobstore.Store
	bus    *events.Bus
	logger *logging.Logger

	localLog logstore.Log

	peersMut sync.Mutex
	peers    map[identity.PeerID]*peerEntry

	archiveMut     sync.Mutex
	archiveEnabled bool

	queuedMut sync.Mutex
	queued    map[identity.PeerID]map[string]struct{}

	// uploadsMut and downloadsMut guard the transfer table:
	// writer-serialized, with syncutil's hold-time logging since a
	// transfer table lock held too long would stall every IsBusy check
	// the local file index makes.
	uploadsMut   syncutil.Mutex
	uploads      map[uploadKey]*upload
	uploadsByKey map[string]*upload

	downloadsMut syncutil.Mutex
	downloads    map[downloadKey]*download

	stop chan struct{}
	wg   sync.WaitGroup
}

type peerEntry struct {
	conn PeerConn
	log  logstore.Log

	mut         sync.Mutex
	lastVersion uint64
	lastKey     string

	dirty  chan struct{}
	unsubs func()
}

func New(cfg Config, localLog logstore.Log, blobs blobstore.Store, bus *events.Bus, logger *logging.Logger) *Manager {
	timeout := cfg.InactivityTimeout
	if timeout <= 0 {
		timeout = defaultInactivityTimeout
	}
	var limiter *rate.Limiter
	if cfg.DownloadRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DownloadRateLimit), int(cfg.DownloadRateLimit))
	}
	return &Manager{
		root:              cfg.Root,
		networkKey:        cfg.NetworkKey,
		inactivityTimeout: timeout,
		pollInterval:      cfg.PollInterval,
		rateLimit:         limiter,
		blobs:             blobs,
		bus:               bus,
		logger:            logger,
		localLog:          localLog,
		peers:             make(map[identity.PeerID]*peerEntry),
		archiveEnabled:    cfg.ArchiveEnabled,
		queued:            make(map[identity.PeerID]map[string]struct{}),
		uploadsMut:        syncutil.NewMutex(),
		uploads:           make(map[uploadKey]*upload),
		uploadsByKey:      make(map[string]*upload),
		downloadsMut:      syncutil.NewMutex(),
		downloads:         make(map[downloadKey]*download),
		stop:              make(chan struct{}),
	}
}

// AddPeer registers a newly connected peer's remote log and starts its
// diff walk. If a peer with the same ID was already registered (e.g. a
// reconnect), it is replaced; the replaced peer's diff goroutine is
// stopped first.
func (m *Manager) AddPeer(conn PeerConn, remoteLog logstore.Log) {
	id := conn.PeerID()

	m.peersMut.Lock()
	if old, ok := m.peers[id]; ok {
		old.unsubs()
	}
	pe := &peerEntry{conn: conn, log: remoteLog, lastKey: remoteLog.Key(), dirty: make(chan struct{}, 1)}
	pe.unsubs = remoteLog.Subscribe(func(uint64) { pe.markDirty() })
	m.peers[id] = pe
	m.peersMut.Unlock()

	m.wg.Add(1)
	go m.peerDiffLoop(id, pe)

	pe.markDirty() // pick up anything the peer already had at connect time
}

func (pe *peerEntry) markDirty() {
	select {
	case pe.dirty <- struct{}{}:
	default:
	}
}

// RemovePeer stops tracking a disconnected peer. Its last diffed
// version is discarded; a future reconnect goes through AddPeer again,
// whose diff walk starts from version zero, so every entry the log then
// holds surfaces as added.
func (m *Manager) RemovePeer(id identity.PeerID) {
	m.peersMut.Lock()
	pe, ok := m.peers[id]
	if ok {
		delete(m.peers, id)
	}
	m.peersMut.Unlock()
	if ok {
		pe.unsubs()
	}

	// Queued downloads are deliberately left in place: the queue is a
	// standing order that fires when the peer next advertises the path,
	// which may be after a reconnect.

	m.downloadsMut.Lock()
	for k, d := range m.downloads {
		if k.peer == id {
			d.cancel()
		}
	}
	m.downloadsMut.Unlock()
}

func (m *Manager) peerDiffLoop(id identity.PeerID, pe *peerEntry) {
	defer m.wg.Done()
	for {
		select {
		case <-pe.dirty:
			m.runDiff(id, pe)
		case <-m.stop:
			return
		}
	}
}

// Close stops every peer's diff loop and any background archive loop,
// and cancels every in-flight download so its watchdog goroutine exits.
func (m *Manager) Close() error {
	close(m.stop)

	m.peersMut.Lock()
	for _, pe := range m.peers {
		pe.unsubs()
	}
	m.peersMut.Unlock()

	m.downloadsMut.Lock()
	for _, d := range m.downloads {
		d.cancel()
	}
	m.downloadsMut.Unlock()

	m.wg.Wait()
	return nil
}

func (m *Manager) ListLocal() ([]wireproto.FileRecord, error) {
	return m.localLog.List()
}

func (m *Manager) ListPeer(id identity.PeerID) ([]wireproto.FileRecord, error) {
	m.peersMut.Lock()
	pe, ok := m.peers[id]
	m.peersMut.Unlock()
	if !ok {
		return nil, errPeerNotConnected
	}
	return pe.log.List()
}

// ListNetwork returns the union of every known file across the local
// log and every connected peer's log, one record per distinct path. On
// a path present in more than one log, the local record wins if
// present, otherwise the first peer encountered in iteration order
// wins; files are owned by the peer that writes them, so differing
// hashes for the same path are not reconciled here.
func (m *Manager) ListNetwork() ([]wireproto.FileRecord, error) {
	byPath := make(map[string]wireproto.FileRecord)

	local, err := m.localLog.List()
	if err != nil {
		return nil, err
	}
	for _, r := range local {
		byPath[r.Path] = r
	}

	m.peersMut.Lock()
	peers := make([]*peerEntry, 0, len(m.peers))
	for _, pe := range m.peers {
		peers = append(peers, pe)
	}
	m.peersMut.Unlock()

	for _, pe := range peers {
		recs, err := pe.log.List()
		if err != nil {
			continue
		}
		for _, r := range recs {
			if _, exists := byPath[r.Path]; !exists {
				byPath[r.Path] = r
			}
		}
	}

	out := make([]wireproto.FileRecord, 0, len(byPath))
	for _, r := range byPath {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ListNonLocal returns every network file not present in the local log.
func (m *Manager) ListNonLocal() ([]wireproto.FileRecord, error) {
	network, err := m.ListNetwork()
	if err != nil {
		return nil, err
	}
	local, err := m.localLog.List()
	if err != nil {
		return nil, err
	}
	have := make(map[string]struct{}, len(local))
	for _, r := range local {
		have[r.Path] = struct{}{}
	}

	out := make([]wireproto.FileRecord, 0, len(network))
	for _, r := range network {
		if _, ok := have[r.Path]; !ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// IsBusy reports whether path is the endpoint of any in-flight upload or
// download, regardless of which peer it is moving to or from. The local
// file index consults this before it hashes, overwrites, or deletes a
// path's record, so a transfer in progress is never raced by a poll or a
// filesystem-watch event touching the same bytes.
func (m *Manager) IsBusy(path string) bool {
	m.uploadsMut.Lock()
	for k := range m.uploads {
		if k.path == path {
			m.uploadsMut.Unlock()
			return true
		}
	}
	m.uploadsMut.Unlock()

	m.downloadsMut.Lock()
	defer m.downloadsMut.Unlock()
	for k := range m.downloads {
		if k.path == path {
			return true
		}
	}
	return false
}

func (m *Manager) SetArchiveEnabled(enabled bool) {
	m.archiveMut.Lock()
	defer m.archiveMut.Unlock()
	m.archiveEnabled = enabled
}

func (m *Manager) ArchiveEnabled() bool {
	m.archiveMut.Lock()
	defer m.archiveMut.Unlock()
	return m.archiveEnabled
}

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
	"time"

	"github.com/filemesh/filemesh/internal/identity"
	"github.com/filemesh/filemesh/internal/logstore"
)

// archiveIntervalFactor is fixed, not configurable: the archive sweep
// runs at three times the poll interval, giving the local index time to
// settle before the sweep compares against it.
const archiveIntervalFactor = 3

// RunArchiveLoop runs the archive-mode sweep until ctx is cancelled: on
// every tick, if archive mode is enabled, the first network file absent
// from the local log that a connected peer can serve is downloaded (see
// archiveSweep). The loop re-arms unconditionally after an error; a
// sweep that fails partway does not stop future sweeps.
func (m *Manager) RunArchiveLoop(ctx context.Context, dial func(identity.PeerID) (PeerConn, bool)) {
	interval := m.pollInterval * archiveIntervalFactor
	if interval <= 0 {
		interval = 30 * time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if m.ArchiveEnabled() {
				m.archiveSweep(ctx, dial)
			}
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// archiveSweep downloads the first network file not held locally. One
// file per wake keeps a single slow transfer from monopolizing the node;
// the rest of the set is picked up on subsequent wakes.
func (m *Manager) archiveSweep(ctx context.Context, dial func(identity.PeerID) (PeerConn, bool)) {
	nonLocal, err := m.ListNonLocal()
	if err != nil {
		if m.logger != nil {
			m.logger.Warnf("indexmanager: archive sweep: %v", err)
		}
		return
	}

	for _, rec := range nonLocal {
		peer, ok := m.peerHolding(rec.Path)
		if !ok {
			continue
		}
		conn, ok := dial(peer)
		if !ok {
			continue
		}
		if err := m.HandleDownload(ctx, conn, rec.Path, rec.Hash); err != nil {
			if m.logger != nil {
				m.logger.Debugln("indexmanager: archive download", rec.Path, err)
			}
			continue
		}
		m.CloseDownload(ctx, conn, rec.Path)
		return
	}
}

// peerHolding returns a peer currently known to have path, for the
// archive sweep to pull from.
func (m *Manager) peerHolding(path string) (identity.PeerID, bool) {
	m.peersMut.Lock()
	defer m.peersMut.Unlock()
	for id, pe := range m.peers {
		if _, ok, err := pe.log.Get(path); err == nil && ok {
			return id, true
		}
	}
	return identity.PeerID{}, false
}

// QueueDownload records that path should be downloaded from peer as
// soon as it becomes available (PEER_FILE_ADDED for that exact path),
// surviving across the peer connecting and disconnecting in the
// meantime if the caller persists the queue via save data.
func (m *Manager) QueueDownload(peer identity.PeerID, path string) {
	m.queuedMut.Lock()
	defer m.queuedMut.Unlock()
	set, ok := m.queued[peer]
	if !ok {
		set = make(map[string]struct{})
		m.queued[peer] = set
	}
	set[path] = struct{}{}
}

func (m *Manager) UnqueueDownload(peer identity.PeerID, path string) {
	m.queuedMut.Lock()
	defer m.queuedMut.Unlock()
	if set, ok := m.queued[peer]; ok {
		delete(set, path)
	}
}

func (m *Manager) QueuedDownloads() map[identity.PeerID][]string {
	m.queuedMut.Lock()
	defer m.queuedMut.Unlock()
	out := make(map[identity.PeerID][]string, len(m.queued))
	for peer, set := range m.queued {
		paths := make([]string, 0, len(set))
		for p := range set {
			paths = append(paths, p)
		}
		out[peer] = paths
	}
	return out
}

// checkQueuedDownload is called by the diff engine for every peer diff
// entry; when a just-added peer file matches a queued (peer, path)
// pair, the manager starts the download immediately and dequeues it.
func (m *Manager) checkQueuedDownload(id identity.PeerID, e logstore.DiffEntry) {
	if e.Left != nil || e.Right == nil {
		return
	}

	m.queuedMut.Lock()
	set, ok := m.queued[id]
	_, queued := set[e.Path]
	m.queuedMut.Unlock()
	if !ok || !queued {
		return
	}

	m.peersMut.Lock()
	pe, ok := m.peers[id]
	m.peersMut.Unlock()
	if !ok {
		return
	}

	go func() {
		ctx := context.Background()
		if err := m.HandleDownload(ctx, pe.conn, e.Path, e.Right.Hash); err == nil {
			m.CloseDownload(ctx, pe.conn, e.Path)
		}
		m.UnqueueDownload(id, e.Path)
	}()
}

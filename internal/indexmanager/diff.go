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
	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/identity"
	"github.com/filemesh/filemesh/internal/logstore"
	"github.com/filemesh/filemesh/internal/wireproto"
)

// runDiff walks pe.log from its last-diffed version to the log's
// current version and emits one PeerFile{Added,Changed,Removed} event
// per path whose record differs between the two. It is only ever
// called from this peer's own peerDiffLoop goroutine, so walks for one
// peer never overlap; pe.mut guards lastVersion and lastKey.
//
// If the log's Key no longer matches what was recorded at AddPeer (the
// peer recreated its log, e.g. after a local wipe), the walk starts
// over from version zero instead of diffing against a baseline that no
// longer corresponds to the same log.
func (m *Manager) runDiff(id identity.PeerID, pe *peerEntry) {
	pe.mut.Lock()
	from := pe.lastVersion
	if pe.log.Key() != pe.lastKey {
		from = 0
		pe.lastKey = pe.log.Key()
	}
	pe.mut.Unlock()

	to := pe.log.Version()
	if to == from {
		return
	}

	entries, err := pe.log.DiffStream(from, to)
	if err != nil {
		if m.logger != nil {
			m.logger.Warnf("indexmanager: diff peer %s: %v", id, err)
		}
		return
	}

	for _, e := range entries {
		m.emitPeerDiff(id, e)
		m.checkQueuedDownload(id, e)
	}

	pe.mut.Lock()
	pe.lastVersion = to
	pe.mut.Unlock()
}

func (m *Manager) emitPeerDiff(id identity.PeerID, e logstore.DiffEntry) {
	switch {
	case e.Left == nil && e.Right != nil:
		m.bus.Log(events.PeerFileAdded, peerFileEvent(id, *e.Right))
	case e.Left != nil && e.Right == nil:
		m.bus.Log(events.PeerFileRemoved, peerFileEvent(id, wireproto.FileRecord{Path: e.Path}))
	case e.Left != nil && e.Right != nil:
		m.bus.Log(events.PeerFileChanged, peerFileEvent(id, *e.Right))
	}
}

// PeerFileEvent is the payload carried by PeerFile{Added,Changed,Removed}.
type PeerFileEvent struct {
	PeerID identity.PeerID      `json:"peerId"`
	Record wireproto.FileRecord `json:"record"`
}

func peerFileEvent(id identity.PeerID, rec wireproto.FileRecord) PeerFileEvent {
	return PeerFileEvent{PeerID: id, Record: rec}
}

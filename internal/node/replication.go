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

package node

import (
	"context"
	"encoding/json"
	"io"

	"github.com/filemesh/filemesh/internal/logstore"
	"github.com/filemesh/filemesh/internal/transport"
	"github.com/filemesh/filemesh/internal/wireproto"
)

// replicationRequest is the single frame a replication stream's reader
// sends before the owner starts pushing entries.
type replicationRequest struct {
	Since uint64 `json:"since"`
}

// replicationEntry is one pushed operation: Rec nil means the path was
// deleted at this point in the source log.
type replicationEntry struct {
	Path string                `json:"path"`
	Rec  *wireproto.FileRecord `json:"rec,omitempty"`
}

// requestReplication opens a replication stream for remoteLog and keeps
// it open for the life of the connection, applying every pushed entry
// to the local replica as it arrives. This is what turns the owning
// peer's log appends into the local copy the index manager's diff
// engine reads.
func (n *Node) requestReplication(ctx context.Context, conn transport.Conn, remoteLog logstore.Log) {
	stream, err := conn.OpenReplicationStream(ctx)
	if err != nil {
		n.logger.Warnf("node: open replication stream: %v", err)
		return
	}
	defer stream.Close()

	enc := json.NewEncoder(stream)
	if err := enc.Encode(replicationRequest{Since: remoteLog.Version()}); err != nil {
		return
	}

	dec := json.NewDecoder(stream)
	for {
		var e replicationEntry
		if err := dec.Decode(&e); err != nil {
			if err != io.EOF && n.logger != nil {
				n.logger.Debugln("node: replication read:", err)
			}
			return
		}
		if err := applyReplicationEntry(remoteLog, e); err != nil {
			n.logger.Warnf("node: apply replicated entry %s: %v", e.Path, err)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func applyReplicationEntry(log logstore.Log, e replicationEntry) error {
	if e.Rec == nil {
		return log.Delete(e.Path)
	}
	return log.Put(e.Path, *e.Rec)
}

// serveReplication answers a peer's replication request for the local
// log: a catch-up diff from the requested version, followed by every
// subsequent append for as long as the stream stays open.
func (n *Node) serveReplication(ctx context.Context, stream io.ReadWriteCloser) {
	defer stream.Close()

	dec := json.NewDecoder(stream)
	var req replicationRequest
	if err := dec.Decode(&req); err != nil {
		return
	}

	enc := json.NewEncoder(stream)

	sendDiff := func(from, to uint64) bool {
		if to <= from {
			return true
		}
		entries, err := n.local.DiffStream(from, to)
		if err != nil {
			return false
		}
		for _, e := range entries {
			entry := replicationEntry{Path: e.Path}
			if e.Right != nil {
				entry.Rec = e.Right
			}
			if err := enc.Encode(entry); err != nil {
				return false
			}
		}
		return true
	}

	current := n.local.Version()
	if !sendDiff(req.Since, current) {
		return
	}

	// A dirty flag rather than a version channel: appends can outpace this
	// loop, and a dropped notification must not strand the tail of the
	// log, so each wake re-reads the current head instead of trusting the
	// notification's value.
	dirty := make(chan struct{}, 1)
	unsub := n.local.Subscribe(func(uint64) {
		select {
		case dirty <- struct{}{}:
		default:
		}
	})
	defer unsub()

	last := current
	for {
		select {
		case <-dirty:
			head := n.local.Version()
			if !sendDiff(last, head) {
				return
			}
			last = head
		case <-ctx.Done():
			return
		}
	}
}

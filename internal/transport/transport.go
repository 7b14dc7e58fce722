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

// Package transport implements topic-based peer discovery and the
// multiplexed, encrypted connection carrying both the per-log
// replication stream and the framed request/response channel.
//
// Discovery rides a network-key-authenticated UDP multicast beacon, and
// the connection itself rides QUIC, with separate QUIC streams
// multiplexing the replication feed, the request/response channel, and
// blob fetches over one encrypted connection.
package transport

import (
	"context"
	"io"

	"github.com/filemesh/filemesh/internal/identity"
)

// ConnHandler is invoked, once per established connection, both for
// inbound and outbound dials.
type ConnHandler func(Conn)

// CloseHandler is invoked when a previously-established connection is
// torn down.
type CloseHandler func(Conn)

// Conn is one encrypted connection to a single peer, capable of opening
// and accepting any number of logical streams over it.
type Conn interface {
	RemotePeer() identity.PeerID

	// OpenChannel opens a new framed request/response Channel as a
	// dedicated stream on this connection.
	OpenChannel(ctx context.Context) (Channel, error)

	// OpenReplicationStream opens a raw byte stream dedicated to
	// carrying one log's replicated operations.
	OpenReplicationStream(ctx context.Context) (io.ReadWriteCloser, error)

	// OpenBlobStream opens a raw byte stream dedicated to fetching one
	// transfer object's bytes from the peer serving it.
	OpenBlobStream(ctx context.Context) (io.ReadWriteCloser, error)

	// AcceptStream accepts the next inbound logical stream, classified
	// by the purpose tag the opening side wrote as its first byte.
	// purpose is one of PurposeChannel, PurposeReplication, PurposeBlob.
	AcceptStream(ctx context.Context) (purpose byte, stream io.ReadWriteCloser, err error)

	Close() error
}

const (
	PurposeChannel     byte = 'C'
	PurposeReplication byte = 'R'
	PurposeBlob        byte = 'B'
)

// Swarm is the node's topic-scoped discovery and connection primitive.
type Swarm interface {
	// Join starts advertising and discovering peers under networkKey.
	// It is safe to call once per Swarm lifetime.
	Join(ctx context.Context, networkKey identity.NetworkKey) error

	// Flushed blocks until at least one discovery round has completed,
	// so the connection callback registered via OnConnection is primed
	// before Join's caller proceeds.
	Flushed(ctx context.Context) error

	OnConnection(h ConnHandler)
	OnClose(h CloseHandler)

	Close() error
}

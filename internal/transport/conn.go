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

package transport

import (
	"context"
	"io"

	"github.com/quic-go/quic-go"

	"github.com/filemesh/filemesh/internal/identity"
)

// quicConn adapts a quic-go Connection to the Conn interface: the
// replication feed, the request/response channel, and blob fetches each
// ride their own QUIC stream, prefixed with a one-byte purpose tag so
// the accepting side can dispatch without a side-channel.
type quicConn struct {
	inner      quic.Connection
	remotePeer identity.PeerID
}

func newQUICConn(inner quic.Connection, remotePeer identity.PeerID) *quicConn {
	return &quicConn{inner: inner, remotePeer: remotePeer}
}

func (c *quicConn) RemotePeer() identity.PeerID { return c.remotePeer }

func openTagged(ctx context.Context, conn quic.Connection, purpose byte) (quic.Stream, error) {
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.Write([]byte{purpose}); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (c *quicConn) OpenChannel(ctx context.Context) (Channel, error) {
	s, err := openTagged(ctx, c.inner, PurposeChannel)
	if err != nil {
		return nil, err
	}
	return newChannel(s), nil
}

func (c *quicConn) OpenReplicationStream(ctx context.Context) (io.ReadWriteCloser, error) {
	return openTagged(ctx, c.inner, PurposeReplication)
}

func (c *quicConn) OpenBlobStream(ctx context.Context) (io.ReadWriteCloser, error) {
	return openTagged(ctx, c.inner, PurposeBlob)
}

func (c *quicConn) AcceptStream(ctx context.Context) (byte, io.ReadWriteCloser, error) {
	s, err := c.inner.AcceptStream(ctx)
	if err != nil {
		return 0, nil, err
	}
	tag := make([]byte, 1)
	if _, err := io.ReadFull(s, tag); err != nil {
		s.Close()
		return 0, nil, err
	}
	return tag[0], s, nil
}

func (c *quicConn) Close() error {
	return c.inner.CloseWithError(0, "closed")
}

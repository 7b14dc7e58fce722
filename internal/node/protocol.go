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
	"errors"
	"io"

	"github.com/filemesh/filemesh/internal/blobstore"
	"github.com/filemesh/filemesh/internal/errkind"
	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/identity"
	"github.com/filemesh/filemesh/internal/transport"
	"github.com/filemesh/filemesh/internal/wireproto"
)

// handleConnection runs the per-connection handshake for both inbound
// and outbound connections: exactly one side opens the request/response
// channel (the lower peer ID, so both ends agree without negotiating),
// the other accepts it; both sides then exchange LOCAL_INDEX_KEY_REQUEST
// and start replicating each other's log.
func (n *Node) handleConnection(conn transport.Conn) {
	remote := conn.RemotePeer()
	ctx, cancel := context.WithCancel(context.Background())

	acceptedCh := make(chan transport.Channel, 1)
	go n.acceptLoop(ctx, conn, acceptedCh)

	var channel transport.Channel
	if n.kp.ID.String() < remote.String() {
		ch, err := conn.OpenChannel(ctx)
		if err != nil {
			n.logger.Warnf("node: open channel to %s: %v", remote, err)
			cancel()
			conn.Close()
			return
		}
		channel = ch
	} else {
		select {
		case channel = <-acceptedCh:
		case <-ctx.Done():
			cancel()
			return
		}
	}

	n.registerHandlers(channel, remote)

	var key string
	if err := channel.Request(ctx, wireproto.MethodLocalIndexKeyRequest, nil, &key); err != nil {
		n.logger.Warnf("node: local index key request to %s: %v", remote, err)
		cancel()
		conn.Close()
		return
	}

	remoteLog, err := n.logs.OpenRemote(key)
	if err != nil {
		n.logger.Warnf("node: open remote log %s: %v", key, err)
		cancel()
		conn.Close()
		return
	}

	ps := &peerSession{id: remote, conn: conn, channel: channel, remote: remoteLog, cancel: cancel}
	n.addPeerSession(ps)
	n.im.AddPeer(&peerConn{id: remote, channel: channel, conn: conn}, remoteLog)

	go n.requestReplication(ctx, conn, remoteLog)

	n.bus.Log(events.PeerConnected, remote)
}

func (n *Node) handleDisconnection(conn transport.Conn) {
	remote := conn.RemotePeer()
	ps, ok := n.removePeerSession(remote)
	if !ok {
		return
	}
	ps.cancel()
	n.im.RemovePeer(remote)
	n.bus.Log(events.PeerDisconnected, remote)
}

// acceptLoop services every inbound stream on conn: the first 'C'
// stream becomes this connection's Channel (only relevant when the
// local peer ID lost the open-the-channel race), every 'R' stream is a
// peer asking to replicate one of our logs, and every 'B' stream is a
// peer fetching a blob we serve.
func (n *Node) acceptLoop(ctx context.Context, conn transport.Conn, acceptedCh chan<- transport.Channel) {
	for {
		purpose, stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		switch purpose {
		case transport.PurposeChannel:
			select {
			case acceptedCh <- transport.NewChannel(stream):
			default:
				stream.Close()
			}
		case transport.PurposeReplication:
			go n.serveReplication(ctx, stream)
		case transport.PurposeBlob:
			go n.serveBlobFetch(ctx, stream)
		default:
			stream.Close()
		}
	}
}

func (n *Node) registerHandlers(channel transport.Channel, remote identity.PeerID) {
	channel.Respond(wireproto.MethodLocalIndexKeyRequest, func(json.RawMessage) (interface{}, error) {
		return n.local.Key(), nil
	})

	channel.Respond(wireproto.MethodFileRequest, func(payload json.RawMessage) (interface{}, error) {
		var req wireproto.FileRequestPayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errkind.Wrap(errkind.ProtocolError, err)
		}
		ref, _, err := n.im.CreateUpload(context.Background(), remote, req.Path)
		if err != nil {
			return nil, err
		}
		return ref, nil
	})

	channel.Respond(wireproto.MethodFileRelease, func(payload json.RawMessage) (interface{}, error) {
		var req wireproto.FileReleasePayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errkind.Wrap(errkind.ProtocolError, err)
		}
		return nil, n.im.CloseUpload(remote, req.Path)
	})

	channel.Respond(wireproto.MethodMessage, func(payload json.RawMessage) (interface{}, error) {
		var msg wireproto.MessagePayload
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, errkind.Wrap(errkind.ProtocolError, err)
		}
		data, err := n.disp.Dispatch(msg.Type, msg.Payload)
		if err != nil {
			if errors.Is(err, events.ErrUnknownMessageType) {
				return nil, transport.ErrUnknownMessageType
			}
			// Handler errors go back as an error-status response and are
			// also surfaced on the local bus, never thrown across the wire.
			n.bus.Log(events.Error, err)
			return nil, err
		}
		return data, nil
	})
}

// serveBlobFetch answers a peer's PurposeBlob stream: it decodes the
// single request frame naming the transfer object, then pushes its
// bytes and closes the stream. The peer on the other end is mid
// HandleDownload, reading until EOF.
func (n *Node) serveBlobFetch(ctx context.Context, stream io.ReadWriteCloser) {
	defer stream.Close()

	var req blobFetchRequest
	if err := json.NewDecoder(stream).Decode(&req); err != nil {
		return
	}

	if err := n.im.ServeBlobFetch(ctx, req.Key, blobstore.ID(req.ID), stream); err != nil {
		n.logger.Warnf("node: serve blob %s: %v", req.Key, err)
	}
}

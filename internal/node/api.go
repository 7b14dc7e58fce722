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
	"errors"

	"github.com/filemesh/filemesh/internal/errkind"
	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/identity"
	"github.com/filemesh/filemesh/internal/savedata"
	"github.com/filemesh/filemesh/internal/transport"
	"github.com/filemesh/filemesh/internal/wireproto"
)

// DownloadFileFromPeer requests path from peer and blocks until the
// transfer finishes, fails, or ctx is cancelled. If peer is not
// currently connected, the request is queued and retried automatically
// the next time that peer announces the file.
func (n *Node) DownloadFileFromPeer(ctx context.Context, peer identity.PeerID, path string) error {
	conn, ok := n.dialPeer(peer)
	if !ok {
		n.im.QueueDownload(peer, path)
		err := n.save.Update(func(sd *savedata.SaveData) {
			sd.Downloads = append(sd.Downloads, savedata.Download{Path: path, PeerID: peer.String(), Queued: true})
		})
		if err != nil {
			n.logger.Warnf("node: persist queued download: %v", err)
		}
		n.saveDataUpdated()
		err = errkind.New(errkind.NoPeer, "peer not connected, download queued")
		n.bus.Log(events.Error, err)
		return err
	}

	rec, ok, err := findPeerRecord(n, peer, path)
	if err != nil {
		n.bus.Log(events.Error, err)
		return err
	}
	expectHash := ""
	if ok {
		expectHash = rec.Hash
	}

	if err := n.im.HandleDownload(ctx, conn, path, expectHash); err != nil {
		n.bus.Log(events.Error, err)
		return err
	}
	return n.im.CloseDownload(ctx, conn, path)
}

func findPeerRecord(n *Node, peer identity.PeerID, path string) (wireproto.FileRecord, bool, error) {
	recs, err := n.im.ListPeer(peer)
	if err != nil {
		return wireproto.FileRecord{}, false, err
	}
	for _, r := range recs {
		if r.Path == path {
			return r, true, nil
		}
	}
	return wireproto.FileRecord{}, false, nil
}

// SendMessage sends a user MESSAGE to peer and returns the response
// envelope. An unknown-message-type or error-status response is a normal
// envelope, not a Go error; only transport-level failures (no peer, a
// dead channel) are returned as errors, and those also surface on the
// event bus.
func (n *Node) SendMessage(ctx context.Context, peer identity.PeerID, msgType string, payload interface{}) (wireproto.Envelope, error) {
	conn, ok := n.dialPeer(peer)
	if !ok {
		err := errkind.New(errkind.NoPeer, "peer not connected")
		n.bus.Log(events.Error, err)
		return wireproto.Envelope{}, err
	}
	pc, ok := conn.(*peerConn)
	if !ok {
		err := errkind.New(errkind.ProtocolError, "unexpected peer connection type")
		n.bus.Log(events.Error, err)
		return wireproto.Envelope{}, err
	}

	var resp interface{}
	req := wireproto.MessagePayload{Type: msgType, Payload: payload}
	err := pc.channel.Request(ctx, wireproto.MethodMessage, req, &resp)
	switch {
	case err == nil:
		return wireproto.Envelope{Status: wireproto.StatusSuccess, Data: resp}, nil
	case errors.Is(err, transport.ErrUnknownMessageType):
		return wireproto.Envelope{Status: wireproto.StatusUnknownMessageType}, nil
	default:
		var re *transport.RemoteError
		if errors.As(err, &re) {
			return wireproto.Envelope{Status: wireproto.StatusError, Data: re.Message}, nil
		}
		n.bus.Log(events.Error, err)
		return wireproto.Envelope{}, err
	}
}

// Listen registers a persistent handler for a user message type.
func (n *Node) Listen(msgType string, h events.Handler) { n.disp.Listen(msgType, h) }

// ListenOnce registers a handler that is removed after it answers one
// message of the given type.
func (n *Node) ListenOnce(msgType string, h events.Handler) { n.disp.ListenOnce(msgType, h) }

// Unlisten removes any handler, persistent or once, for msgType.
func (n *Node) Unlisten(msgType string) { n.disp.Unlisten(msgType) }

// Events subscribes fn to every future event whose type is in mask.
func (n *Node) Events(mask events.Type, fn func(events.Event)) (unsubscribe func()) {
	return n.bus.Subscribe(mask, fn)
}

// ActivateArchive turns on archive mode: the node will opportunistically
// download every network file it does not have locally.
func (n *Node) ActivateArchive() {
	n.im.SetArchiveEnabled(true)
	if err := n.save.Update(func(sd *savedata.SaveData) { sd.Index.ArchiveEnabled = true }); err != nil {
		n.logger.Warnf("node: persist archive mode: %v", err)
	}
	n.saveDataUpdated()
}

// DeactivateArchive turns archive mode back off.
func (n *Node) DeactivateArchive() {
	n.im.SetArchiveEnabled(false)
	if err := n.save.Update(func(sd *savedata.SaveData) { sd.Index.ArchiveEnabled = false }); err != nil {
		n.logger.Warnf("node: persist archive mode: %v", err)
	}
	n.saveDataUpdated()
}

func (n *Node) ListLocalFiles() ([]wireproto.FileRecord, error) { return n.im.ListLocal() }

func (n *Node) ListNetworkFiles() ([]wireproto.FileRecord, error) { return n.im.ListNetwork() }

func (n *Node) ListNonLocalFiles() ([]wireproto.FileRecord, error) { return n.im.ListNonLocal() }

// SaveData returns a snapshot of the node's persisted state.
func (n *Node) SaveData() savedata.SaveData { return n.save.View() }

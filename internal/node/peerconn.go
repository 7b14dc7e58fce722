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

	"github.com/filemesh/filemesh/internal/errkind"
	"github.com/filemesh/filemesh/internal/identity"
	"github.com/filemesh/filemesh/internal/transport"
	"github.com/filemesh/filemesh/internal/wireproto"
)

// peerConn adapts one peer's protocol Channel to indexmanager.PeerConn,
// the narrow surface the index manager needs to execute transfers
// without knowing anything about channels or wire framing.
type peerConn struct {
	id      identity.PeerID
	channel transport.Channel
	conn    transport.Conn
}

func (p *peerConn) PeerID() identity.PeerID { return p.id }

func (p *peerConn) RequestFile(ctx context.Context, path string) (wireproto.BlobRef, int64, error) {
	var ref wireproto.BlobRef
	req := wireproto.FileRequestPayload{Path: path}
	if err := p.channel.Request(ctx, wireproto.MethodFileRequest, req, &ref); err != nil {
		return wireproto.BlobRef{}, 0, err
	}
	id, ok := wireproto.DecodeBlobID(ref.ID)
	if !ok {
		return wireproto.BlobRef{}, 0, errkind.New(errkind.InvalidReference, "malformed blob id in FILE_REQUEST response")
	}
	return ref, id.ByteLength, nil
}

func (p *peerConn) ReleaseFile(ctx context.Context, path string) error {
	req := wireproto.FileReleasePayload{Path: path}
	return p.channel.Request(ctx, wireproto.MethodFileRelease, req, nil)
}

// blobFetchRequest is the single frame sent over a freshly opened
// PurposeBlob stream before the peer starts pushing the blob's bytes.
type blobFetchRequest struct {
	Key string `json:"key"`
	ID  uint64 `json:"id"`
}

// FetchBlob opens a dedicated stream to the peer and asks it to push the
// bytes of the transfer object named by ref. The stream is read-only
// from here on; the caller closes it once it has copied everything out.
func (p *peerConn) FetchBlob(ctx context.Context, ref wireproto.BlobRef) (io.ReadCloser, error) {
	id, ok := wireproto.DecodeBlobID(ref.ID)
	if !ok {
		return nil, errkind.New(errkind.InvalidReference, "malformed blob id")
	}

	stream, err := p.conn.OpenBlobStream(ctx)
	if err != nil {
		return nil, err
	}

	req := blobFetchRequest{Key: ref.Key, ID: id.Blob}
	if err := json.NewEncoder(stream).Encode(req); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

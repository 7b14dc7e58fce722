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

// Package wireproto defines the values that cross the wire: the file
// record stored in every log, and the four request/response methods
// carried over the framed channel. Everything here is JSON-encoded.
package wireproto

// FileRecord is the unit stored in each peer's log, keyed by its Path.
type FileRecord struct {
	Path     string  `json:"path"`
	Size     int64   `json:"size"`
	Modified float64 `json:"modified"` // milliseconds since Unix epoch
	Hash     string  `json:"hash"`     // hex-encoded SHA-256, "" for a tombstone
}

// IsTombstone reports whether this record marks a deletion.
func (f FileRecord) IsTombstone() bool {
	return f.Hash == ""
}

// Method identifiers for the request/response channel.
const (
	MethodLocalIndexKeyRequest = "LOCAL_INDEX_KEY_REQUEST"
	MethodFileRequest          = "FILE_REQUEST"
	MethodFileRelease          = "FILE_RELEASE"
	MethodMessage              = "MESSAGE"
)

// Status values for the response envelope.
type Status string

const (
	StatusSuccess            Status = "success"
	StatusError              Status = "error"
	StatusUnknownMessageType Status = "unknown_message_type"
)

// Envelope is the {status, data} response shape every protocol method
// returns.
type Envelope struct {
	Status Status      `json:"status"`
	Data   interface{} `json:"data"`
}

// FileRequestPayload is the FILE_REQUEST request body.
type FileRequestPayload struct {
	Path string `json:"path"`
}

// FileReleasePayload is the FILE_RELEASE request body.
type FileReleasePayload struct {
	Path string `json:"path"`
}

// BlobRef is the FILE_REQUEST success payload, exactly {type, key, id}:
// a one-shot content-addressed transfer object locator. Type is always
// "hyperblobs".
type BlobRef struct {
	Type string      `json:"type"`
	Key  string      `json:"key"`
	ID   interface{} `json:"id"`
}

const BlobRefType = "hyperblobs"

// BlobID is the shape of a BlobRef's opaque id as this implementation
// produces it: the blob locator within the container plus the declared
// byte length, which the downloader verifies the stream against.
type BlobID struct {
	Blob       uint64 `json:"blob"`
	ByteLength int64  `json:"byteLength"`
}

// DecodeBlobID recovers a BlobID from a BlobRef's id field, which is a
// concrete BlobID on the responding side but a generic JSON map once it
// has round-tripped to the requesting peer.
func DecodeBlobID(v interface{}) (BlobID, bool) {
	switch id := v.(type) {
	case BlobID:
		return id, true
	case map[string]interface{}:
		var out BlobID
		blob, ok := id["blob"].(float64)
		if !ok {
			return BlobID{}, false
		}
		out.Blob = uint64(blob)
		if n, ok := id["byteLength"].(float64); ok {
			out.ByteLength = int64(n)
		}
		return out, true
	default:
		return BlobID{}, false
	}
}

// MessagePayload is the MESSAGE request body: a user-defined type string
// plus an opaque payload.
type MessagePayload struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

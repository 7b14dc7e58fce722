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

package wireproto

import (
	"encoding/json"
	"testing"
)

func TestFileRecordIsTombstone(t *testing.T) {
	live := FileRecord{Path: "a.txt", Hash: "abc123"}
	if live.IsTombstone() {
		t.Error("a record with a hash should not be a tombstone")
	}

	deleted := FileRecord{Path: "a.txt", Hash: ""}
	if !deleted.IsTombstone() {
		t.Error("a record with an empty hash should be a tombstone")
	}
}

func TestBlobRefRoundTripsThroughJSON(t *testing.T) {
	ref := BlobRef{Type: BlobRefType, Key: "container-key", ID: BlobID{Blob: 42, ByteLength: 1000}}
	b, err := json.Marshal(ref)
	if err != nil {
		t.Fatal(err)
	}

	var back BlobRef
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}

	if back.Type != BlobRefType || back.Key != "container-key" {
		t.Errorf("round trip = %+v", back)
	}
	// The opaque ID comes back as a generic JSON map on the receiving
	// side; DecodeBlobID recovers it either way.
	id, ok := DecodeBlobID(back.ID)
	if !ok || id.Blob != 42 || id.ByteLength != 1000 {
		t.Errorf("DecodeBlobID = %+v ok=%v, want {42 1000}", id, ok)
	}
}

func TestDecodeBlobIDRejectsMalformed(t *testing.T) {
	for _, in := range []interface{}{nil, "nope", float64(7), map[string]interface{}{"byteLength": 3.0}} {
		if _, ok := DecodeBlobID(in); ok {
			t.Errorf("DecodeBlobID(%#v) accepted malformed id", in)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{Status: StatusSuccess, Data: FileRequestPayload{Path: "x"}}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var back Envelope
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", back.Status)
	}
}

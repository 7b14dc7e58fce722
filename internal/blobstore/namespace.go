// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package blobstore

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Namespace derives the per-(path, direction, peer) container namespace
// so two transfers for the same path never share on-disk state, even if
// they race. Keyed blake2b rather than a plain hash so the derivation
// cannot be steered by an attacker who controls only the path.
func Namespace(key [32]byte, path, direction, peerID string) (string, error) {
	h, err := blake2b.New256(key[:])
	if err != nil {
		return "", err
	}
	h.Write([]byte(direction))
	h.Write([]byte{0})
	h.Write([]byte(peerID))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return hex.EncodeToString(h.Sum(nil)), nil
}

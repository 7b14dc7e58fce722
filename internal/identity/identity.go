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

// Package identity generates the per-node seed, the peer keypair derived
// from it, and the network (topic) key: 32-byte random draws, with the
// peer ID derived deterministically from the seed so a saved seed
// reproduces the same peer ID across restarts.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
)

const SeedSize = 32

// PeerID is a peer's 32-byte Ed25519 public key. The zero value is not a
// valid peer ID.
type PeerID [32]byte

func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

func (p PeerID) Equal(o PeerID) bool {
	return p == o
}

func PeerIDFromString(s string) (PeerID, error) {
	var p PeerID
	bs, err := hex.DecodeString(s)
	if err != nil {
		return p, err
	}
	if len(bs) != len(p) {
		return p, errors.New("identity: peer id must be 32 bytes")
	}
	copy(p[:], bs)
	return p, nil
}

func (p PeerID) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *PeerID) UnmarshalJSON(bs []byte) error {
	var s string
	if err := json.Unmarshal(bs, &s); err != nil {
		return err
	}
	id, err := PeerIDFromString(s)
	if err != nil {
		return err
	}
	*p = id
	return nil
}

// Seed is the per-node secret from which the peer keypair is derived.
type Seed [SeedSize]byte

func NewSeed() (Seed, error) {
	var s Seed
	if _, err := rand.Read(s[:]); err != nil {
		return s, err
	}
	return s, nil
}

func (s Seed) String() string {
	return hex.EncodeToString(s[:])
}

func (s Seed) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Seed) UnmarshalJSON(bs []byte) error {
	var str string
	if err := json.Unmarshal(bs, &str); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(str)
	if err != nil {
		return err
	}
	if len(decoded) != len(s) {
		return errors.New("identity: seed must be 32 bytes")
	}
	copy(s[:], decoded)
	return nil
}

// KeyPair derives a stable Ed25519 keypair from a seed, so the same seed
// always reproduces the same peer ID.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
	ID      PeerID
}

func DeriveKeyPair(seed Seed) KeyPair {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)
	var id PeerID
	copy(id[:], pub)
	return KeyPair{Public: pub, Private: priv, ID: id}
}

// Sign produces a detached Ed25519 signature over msg with the pair's
// private key; Verify checks it against the public key.
func (k KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// NetworkKey is the 32-byte shared secret used as the discovery topic.
type NetworkKey [32]byte

func NewNetworkKey() (NetworkKey, error) {
	var k NetworkKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, err
	}
	return k, nil
}

func (k NetworkKey) String() string {
	return hex.EncodeToString(k[:])
}

func NetworkKeyFromString(s string) (NetworkKey, error) {
	var k NetworkKey
	bs, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(bs) != len(k) {
		return k, errors.New("identity: network key must be 32 bytes")
	}
	copy(k[:], bs)
	return k, nil
}

func (k NetworkKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *NetworkKey) UnmarshalJSON(bs []byte) error {
	var s string
	if err := json.Unmarshal(bs, &s); err != nil {
		return err
	}
	nk, err := NetworkKeyFromString(s)
	if err != nil {
		return err
	}
	*k = nk
	return nil
}

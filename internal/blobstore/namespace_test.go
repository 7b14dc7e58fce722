// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package blobstore

import "testing"

func TestNamespaceIsDeterministic(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("a shared network key padded out"))

	a, err := Namespace(key, "a.txt", "upload", "peer1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Namespace(key, "a.txt", "upload", "peer1")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("Namespace should be deterministic for identical inputs")
	}
}

func TestNamespaceDiffersByPeer(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("a shared network key padded out"))

	a, _ := Namespace(key, "a.txt", "upload", "peer1")
	b, _ := Namespace(key, "a.txt", "upload", "peer2")
	if a == b {
		t.Error("two peers requesting the same path should get distinct namespaces")
	}
}

func TestNamespaceDiffersByPath(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("a shared network key padded out"))

	a, _ := Namespace(key, "a.txt", "upload", "peer1")
	b, _ := Namespace(key, "b.txt", "upload", "peer1")
	if a == b {
		t.Error("distinct paths should produce distinct namespaces")
	}
}

// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package blobstore implements the content-addressed, single-blob
// transport container behind every file transfer: a one-shot byte
// container published under a key, read by locator id, torn down after
// release. Reads support a wait-for-data mode because a download may
// open the blob before the uploader has finished staging it.
package blobstore

import (
	"io"
	"time"
)

// ID is a blob locator within a single container. Callers never parse
// it; it is round-tripped verbatim as the wire protocol's opaque "id".
type ID uint64

// Writer is the upload side of a single blob. ID and Size are only valid
// after a successful Close.
type Writer interface {
	io.Writer
	Close() error
	ID() ID
	Size() int64
}

// Container is a single-purpose, content-addressed namespace: exactly
// one blob is ever written to it over its lifetime — a container is
// never reused across files — and it is torn down by the caller once
// the transfer completes or is released.
type Container interface {
	// Key is the identifier this container is published under, carried
	// in the wire BlobRef so a requesting peer names the right container
	// when it opens a PurposeBlob stream to fetch it.
	Key() string

	CreateWriteStream() (Writer, error)

	// CreateReadStream opens blob id for reading. If wait is true and
	// the blob has not finished being written yet, the call blocks
	// (bounded by timeout, 0 meaning no bound) instead of failing.
	CreateReadStream(id ID, wait bool, timeout time.Duration) (io.ReadCloser, error)

	// DeclaredSize returns the size the writer recorded for id, used to
	// verify a completed download against the declared byte count.
	DeclaredSize(id ID) (int64, bool)

	Clear(id ID) error
	Close() error
}

// Store creates containers, each scoped to a unique per-(path,
// direction, peer) namespace so concurrent transfers for the same path
// never collide. A peer's container lives only on the peer's own node;
// a downloader never opens one locally, it fetches the bytes over the
// PurposeBlob stream instead (see indexmanager.Manager.ServeBlobFetch).
type Store interface {
	// CreateContainer creates a fresh container local to this node,
	// under namespace, for an upload.
	CreateContainer(namespace string) (Container, error)
}

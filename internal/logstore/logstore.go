// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package logstore implements the per-peer append-only log and its
// sorted-map layer: one independently versioned log per peer, backed by
// goleveldb. Callers depend on the Log and Store interfaces, so the
// storage engine is swappable.
//
// Every mutation is recorded as a numbered operation so that Checkout and
// DiffStream can reconstruct the sorted map as of any prior version,
// which is what the index manager's diff engine needs to turn peer log
// appends into per-file added/changed/removed events.
package logstore

import (
	"github.com/filemesh/filemesh/internal/wireproto"
)

// Snapshot is a read-only view of a Log's sorted map as of a fixed
// version.
type Snapshot interface {
	Version() uint64
	Get(path string) (wireproto.FileRecord, bool)
	Paths() []string
}

// DiffEntry is one row of the diff between two snapshots of the same log.
// Left and Right are nil when the path is absent on that side.
type DiffEntry struct {
	Path  string
	Left  *wireproto.FileRecord
	Right *wireproto.FileRecord
}

// Log is a single peer's append-only log plus its bee-view sorted map.
type Log interface {
	// Key identifies this log; for a local log it is derived from the
	// owning peer's identity, for a remote log handle it is the key the
	// peer advertised over LOCAL_INDEX_KEY_REQUEST.
	Key() string

	// Version is the current append count (the bee-view "head").
	Version() uint64

	// Put and Delete append one operation. For the local log they are
	// driven by the local file index; for a remote log handle they are
	// driven by the replication reader applying operations the owning
	// peer sent, never by local application logic directly.
	Put(path string, rec wireproto.FileRecord) error
	Delete(path string) error

	// Get and List read the current materialized map.
	Get(path string) (wireproto.FileRecord, bool, error)
	List() ([]wireproto.FileRecord, error)

	// Checkout returns a snapshot of the map as of version, for diffing
	// against a later head.
	Checkout(version uint64) (Snapshot, error)

	// DiffStream walks every path whose value differs between the two
	// given versions.
	DiffStream(fromVersion, toVersion uint64) ([]DiffEntry, error)

	// Subscribe registers fn to be called synchronously, on the appending
	// goroutine, after every successful append (Put or Delete) that
	// advances Version. The returned function unsubscribes.
	Subscribe(fn func(version uint64)) (unsubscribe func())

	Close() error
}

// Store opens and namespaces logs, analogous to a corestore: one
// directory holds many independently-versioned logs, one per peer.
type Store interface {
	// Open returns the log named name, creating it (version 0) if it
	// does not yet exist. Used for the local log.
	Open(name string) (Log, error)

	// OpenRemote opens the local replica of a log previously advertised
	// under key by a peer; replication applies the peer's operations to
	// it through Put and Delete. If the on-disk copy is missing or corrupt,
	// implementations may recreate it at version 0; the index manager
	// treats that as "log replaced" and resets its own baseline.
	OpenRemote(key string) (Log, error)

	Close() error
}

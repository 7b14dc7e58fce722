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

// Package savedata persists the node's durable state: identity seed,
// network key, watched and store paths, index options, and the set of
// queued and in-progress downloads needed to resume across restarts.
// Loads fall back to generated defaults on first run; every update is
// written atomically.
package savedata

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/identity"
	"github.com/filemesh/filemesh/internal/osutil"
)

// IndexOptions holds the Index Manager's persisted behavior toggles.
type IndexOptions struct {
	ArchiveEnabled bool          `json:"archiveEnabled"`
	PollInterval   time.Duration `json:"pollInterval"`

	// DownloadRateLimit caps aggregate download throughput in bytes per
	// second. Zero means unlimited.
	DownloadRateLimit int64 `json:"downloadRateLimit,omitempty"`
}

// Download is an in-progress or queued transfer that must survive a
// restart: queued downloads wait for PEER_FILE_ADDED, in-progress ones
// resume (or restart, if the partial blob did not survive) the transfer.
type Download struct {
	Path      string `json:"path"`
	PeerID    string `json:"peerId"`
	Queued    bool   `json:"queued"`
	BlobKey   string `json:"blobKey,omitempty"`
	BlobID    uint64 `json:"blobId,omitempty"`
}

// SaveData is the complete persisted state of one node.
type SaveData struct {
	Seed          identity.Seed       `json:"seed"`
	NetworkKey    identity.NetworkKey `json:"networkKey"`
	WatchPath     string              `json:"watchPath"`
	CorestorePath string              `json:"corestorePath"`
	Index         IndexOptions        `json:"index"`
	Downloads     []Download          `json:"downloads"`
}

// Default returns a fresh SaveData with a newly generated identity and
// network key, for first-run initialization.
func Default(watchPath, corestorePath string) (SaveData, error) {
	seed, err := identity.NewSeed()
	if err != nil {
		return SaveData{}, err
	}
	netKey, err := identity.NewNetworkKey()
	if err != nil {
		return SaveData{}, err
	}
	return SaveData{
		Seed:          seed,
		NetworkKey:    netKey,
		WatchPath:     watchPath,
		CorestorePath: corestorePath,
		Index: IndexOptions{
			PollInterval: 10 * time.Second,
		},
	}, nil
}

// Store guards a SaveData with the mutex discipline the node needs: every
// mutating call to the public API touches save data under lock and
// persists before releasing it, so a crash never loses more than the
// in-flight call.
type Store struct {
	path string
	mut  sync.Mutex
	data SaveData
}

// Load reads path, or returns a Default-initialized Store if path does
// not exist yet.
func Load(path, watchPath, corestorePath string) (*Store, error) {
	bs, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		d, err := Default(watchPath, corestorePath)
		if err != nil {
			return nil, err
		}
		return &Store{path: path, data: d}, nil
	}
	if err != nil {
		return nil, err
	}
	var d SaveData
	if err := json.Unmarshal(bs, &d); err != nil {
		return nil, err
	}
	return &Store{path: path, data: d}, nil
}

// View returns a copy of the current save data.
func (s *Store) View() SaveData {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.data
}

// Update applies fn to the current save data under lock and persists the
// result atomically before returning.
func (s *Store) Update(fn func(*SaveData)) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	fn(&s.data)
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	bs, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	w, err := osutil.CreateAtomic(s.path, 0o600)
	if err != nil {
		return err
	}
	if _, err := w.Write(bs); err != nil {
		return err
	}
	return w.Close()
}

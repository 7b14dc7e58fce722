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

package localindex

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/filemesh/filemesh/internal/fileutil"
)

func (li *LocalFileIndex) pollLoop(ctx context.Context) {
	li.PollOnce()

	t := time.NewTicker(li.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			li.PollOnce()
		case <-li.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// PollOnce walks the whole tree once, reconciling every regular file it
// finds and then treating any indexed path it did not encounter as
// removed. If a scan is already running, it returns immediately without
// scheduling a second one; the running scan's result stands.
func (li *LocalFileIndex) PollOnce() {
	if !li.polling.CompareAndSwap(false, true) {
		return
	}
	defer li.polling.Store(false)

	seen := make(map[string]struct{})

	_ = filepath.WalkDir(li.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			li.emitError(err)
			return nil
		}
		if d.IsDir() {
			return nil
		}

		rel, err := fileutil.Normalize(li.root, path)
		if err != nil || rel == "" {
			return nil
		}
		seen[rel] = struct{}{}
		li.reconcilePath(rel)
		return nil
	})

	// Removal detection runs over the log, not just the LRU: a path
	// deleted while the node was down has a log record but may have no
	// cache entry.
	indexed := make(map[string]struct{})
	if recs, err := li.log.List(); err == nil {
		for _, r := range recs {
			indexed[r.Path] = struct{}{}
		}
	}
	for _, rel := range li.cacheKeys() {
		indexed[rel] = struct{}{}
	}
	for rel := range indexed {
		if _, ok := seen[rel]; !ok {
			li.handleRemoved(rel)
		}
	}
}

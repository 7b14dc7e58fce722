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

// Package localindex keeps one peer's own log in sync with the watched
// directory tree, using a periodic full poll as the ground truth and a
// filesystem-watch as a low-latency nudge, both funneled through the
// same single-file reconciliation path so a file is only ever hashed
// and recorded once per actual change.
package localindex

import (
	"context"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/filemesh/filemesh/internal/errkind"
	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/fileutil"
	"github.com/filemesh/filemesh/internal/logging"
	"github.com/filemesh/filemesh/internal/logstore"
	"github.com/filemesh/filemesh/internal/syncutil"
	"github.com/filemesh/filemesh/internal/wireproto"
)

const defaultCacheSize = 4096

// Config controls one LocalFileIndex instance.
type Config struct {
	Root         string
	PollInterval time.Duration
	CacheSize    int

	// Busy reports whether a path is the endpoint of an in-flight
	// transfer, per the busy-file rule: such a path must not be
	// hashed, overwritten, or deleted out from under the transfer. Nil
	// is treated as "nothing is ever busy".
	Busy BusyChecker
}

// BusyChecker is the index manager's transfer-table view, injected so the
// local file index never races a path that is mid-upload or mid-download.
type BusyChecker interface {
	IsBusy(path string) bool
}

// cacheEntry mirrors the last state an index observed for a path,
// avoiding a re-hash when neither size nor modification time moved.
type cacheEntry struct {
	Size     int64
	Modified float64
	Hash     string
}

// LocalFileIndex watches Config.Root and keeps log in step with it,
// emitting LocalFile{Added,Changed,Removed} only when a path's content
// hash actually changes, never on a bare size/mtime touch.
type LocalFileIndex struct {
	root         string
	pollInterval time.Duration
	log          logstore.Log
	bus          *events.Bus
	logger       *logging.Logger
	busy         BusyChecker

	// cacheMut guards cache; syncutil's hold-time logging flags the
	// rare case where a poll's full-tree reconciliation holds it long
	// enough to stall a concurrent watch-triggered lookup.
	cacheMut syncutil.Mutex
	cache    *lru.Cache[string, cacheEntry]

	// inflight gates concurrent handling of the same path from the
	// poller and the watcher racing each other.
	inflight sync.Map // map[string]struct{}

	// polling makes PollOnce a no-op while a scan is already running.
	polling atomic.Bool

	watcher *watcher

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a LocalFileIndex over log, which must be the caller's own
// local log (the only kind Put/Delete are permitted against).
func New(cfg Config, log logstore.Log, bus *events.Bus, logger *logging.Logger) (*LocalFileIndex, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	li := &LocalFileIndex{
		root:         cfg.Root,
		pollInterval: cfg.PollInterval,
		log:          log,
		bus:          bus,
		logger:       logger,
		busy:         cfg.Busy,
		cacheMut:     syncutil.NewMutex(),
		cache:        cache,
		stop:         make(chan struct{}),
	}

	// Prime the cache from the log so the first poll after a restart
	// compares against the last run's records instead of re-announcing
	// every already-indexed file.
	recs, err := log.List()
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		li.cacheSet(r.Path, cacheEntry{Size: r.Size, Modified: r.Modified, Hash: r.Hash})
	}

	return li, nil
}

// List returns a snapshot of every currently indexed record.
func (li *LocalFileIndex) List() ([]wireproto.FileRecord, error) {
	return li.log.List()
}

// Get returns the indexed record for relPath, if any.
func (li *LocalFileIndex) Get(relPath string) (wireproto.FileRecord, bool, error) {
	return li.log.Get(relPath)
}

// isBusy reports whether relPath must not be touched because a transfer
// is using it as an endpoint right now.
func (li *LocalFileIndex) isBusy(relPath string) bool {
	return li.busy != nil && li.busy.IsBusy(relPath)
}

// Start runs the poller and the filesystem watcher until ctx is
// cancelled or Close is called.
func (li *LocalFileIndex) Start(ctx context.Context) error {
	li.wg.Add(1)
	go func() {
		defer li.wg.Done()
		li.pollLoop(ctx)
	}()

	if err := li.startWatch(ctx); err != nil {
		// Watching is a latency optimization; the poller alone keeps
		// the index eventually correct, so a watch failure is logged
		// and not fatal.
		if li.logger != nil {
			li.logger.Warnf("local index: filesystem watch unavailable, falling back to poll only: %v", err)
		}
	}

	return nil
}

// IsBusy reports whether relPath is currently the endpoint of an
// in-flight transfer, per the transfer table injected at construction.
func (li *LocalFileIndex) IsBusy(relPath string) bool {
	return li.isBusy(relPath)
}

func (li *LocalFileIndex) Close() error {
	close(li.stop)
	li.stopWatch()
	li.wg.Wait()
	return nil
}

// reconcilePath hashes path (relative to root) if its size or mtime has
// moved since the cached entry, and records the result in the log. It is
// the single choke point both the poller and the watcher funnel through,
// so a path is never recorded twice for the same underlying change.
//
// Busy paths (the busy-file rule) are skipped before anything else.
// Separately, if the file's size or mtime changes again between the
// pre-hash stat and the hash completing, the file was being written to
// while we read it. We do not trust the hash we just computed; we
// leave the cache untouched so the next poll or watch event retries.
func (li *LocalFileIndex) reconcilePath(relPath string) {
	if li.isBusy(relPath) {
		return
	}
	if _, loaded := li.inflight.LoadOrStore(relPath, struct{}{}); loaded {
		return
	}
	defer li.inflight.Delete(relPath)

	osPath := fileutil.ToOSPath(li.root, relPath)

	before, err := os.Stat(osPath)
	if os.IsNotExist(err) {
		li.handleRemoved(relPath)
		return
	}
	if err != nil {
		li.emitError(err)
		return
	}
	if before.IsDir() {
		return
	}

	cached, hadCache := li.cacheGet(relPath)
	beforeMod := modifiedMillis(before)
	if hadCache && cached.Size == before.Size() && cached.Modified == beforeMod {
		return
	}

	hash, err := fileutil.HashFile(osPath)
	if err != nil {
		if errkind.KindOf(err) == errkind.NotFound {
			li.handleRemoved(relPath)
			return
		}
		li.emitError(err)
		return
	}

	after, err := os.Stat(osPath)
	if err != nil {
		if os.IsNotExist(err) {
			li.handleRemoved(relPath)
		}
		return
	}
	afterMod := modifiedMillis(after)
	if after.Size() != before.Size() || afterMod != beforeMod {
		// Busy: changed again while we were hashing it. Leave no trace
		// so the next scan re-evaluates it from scratch.
		return
	}

	if hadCache && cached.Hash == hash {
		// Size/mtime moved (e.g. a touch) but content did not.
		li.cacheSet(relPath, cacheEntry{Size: after.Size(), Modified: afterMod, Hash: hash})
		return
	}

	rec := wireproto.FileRecord{Path: relPath, Size: after.Size(), Modified: afterMod, Hash: hash}
	if err := li.log.Put(relPath, rec); err != nil {
		li.emitError(err)
		return
	}
	li.cacheSet(relPath, cacheEntry{Size: after.Size(), Modified: afterMod, Hash: hash})

	if hadCache {
		li.bus.Log(events.LocalFileChanged, rec)
	} else {
		li.bus.Log(events.LocalFileAdded, rec)
	}
}

func (li *LocalFileIndex) handleRemoved(relPath string) {
	if li.isBusy(relPath) {
		return
	}
	if _, hadCache := li.cacheGet(relPath); !hadCache {
		return
	}
	if err := li.log.Delete(relPath); err != nil {
		li.emitError(err)
		return
	}
	li.cacheEvict(relPath)
	li.bus.Log(events.LocalFileRemoved, wireproto.FileRecord{Path: relPath})
}

func (li *LocalFileIndex) emitError(err error) {
	if li.logger != nil {
		li.logger.Warnf("local index: %v", err)
	}
	li.bus.Log(events.Error, err)
}

// cacheGet returns the last observed state for relPath, falling back to
// the log when the LRU has evicted the entry: the cache is a mirror of
// the log, not a second authority, so an eviction must not make a known
// file look new again.
func (li *LocalFileIndex) cacheGet(relPath string) (cacheEntry, bool) {
	li.cacheMut.Lock()
	e, ok := li.cache.Get(relPath)
	li.cacheMut.Unlock()
	if ok {
		return e, true
	}

	rec, ok, err := li.log.Get(relPath)
	if err != nil || !ok {
		return cacheEntry{}, false
	}
	e = cacheEntry{Size: rec.Size, Modified: rec.Modified, Hash: rec.Hash}
	li.cacheSet(relPath, e)
	return e, true
}

func (li *LocalFileIndex) cacheSet(relPath string, e cacheEntry) {
	li.cacheMut.Lock()
	defer li.cacheMut.Unlock()
	li.cache.Add(relPath, e)
}

func (li *LocalFileIndex) cacheEvict(relPath string) {
	li.cacheMut.Lock()
	defer li.cacheMut.Unlock()
	li.cache.Remove(relPath)
}

func (li *LocalFileIndex) cacheKeys() []string {
	li.cacheMut.Lock()
	defer li.cacheMut.Unlock()
	return li.cache.Keys()
}

func modifiedMillis(fi fs.FileInfo) float64 {
	return float64(fi.ModTime().UnixNano()) / 1e6
}

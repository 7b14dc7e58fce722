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
	"sync"
	"time"

	"github.com/syncthing/notify"

	"github.com/filemesh/filemesh/internal/fileutil"
)

// watchDebounce bounds how long a burst of writes to the same path
// coalesces into a single reconcile, so a program that writes a file in
// many small chunks doesn't trigger a hash per chunk.
const watchDebounce = 500 * time.Millisecond

type watcher struct {
	events chan notify.EventInfo

	mut     sync.Mutex
	timers  map[string]*time.Timer
}

func (li *LocalFileIndex) startWatch(ctx context.Context) error {
	ch := make(chan notify.EventInfo, 256)
	if err := notify.Watch(li.root+"/...", ch, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return err
	}

	w := &watcher{events: ch, timers: make(map[string]*time.Timer)}
	li.watcher = w

	li.wg.Add(1)
	go func() {
		defer li.wg.Done()
		w.run(ctx, li)
	}()
	return nil
}

func (li *LocalFileIndex) stopWatch() {
	if li.watcher == nil {
		return
	}
	notify.Stop(li.watcher.events)

	li.watcher.mut.Lock()
	for _, t := range li.watcher.timers {
		t.Stop()
	}
	li.watcher.mut.Unlock()
}

func (w *watcher) run(ctx context.Context, li *LocalFileIndex) {
	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			rel, err := fileutil.Normalize(li.root, ev.Path())
			if err != nil || rel == "" {
				continue
			}
			w.debounce(rel, li)
		case <-li.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// debounce delays reconciling rel until watchDebounce has passed without
// another event for the same path, restarting the window on every new
// event so a rapid rewrite burst coalesces into one reconcile.
func (w *watcher) debounce(rel string, li *LocalFileIndex) {
	w.mut.Lock()
	defer w.mut.Unlock()

	if t, ok := w.timers[rel]; ok {
		t.Stop()
	}
	w.timers[rel] = time.AfterFunc(watchDebounce, func() {
		w.mut.Lock()
		delete(w.timers, rel)
		w.mut.Unlock()
		li.reconcilePath(rel)
	})
}

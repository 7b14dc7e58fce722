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

// Package events implements the node's typed event bus: a mask-based
// broadcast log, plus the by-name listener table the MESSAGE protocol
// method consults for user-registered handlers.
package events

import (
	"sync"
	"time"
)

type Type uint32

const (
	DownloadProgress Type = 1 << iota
	SaveDataUpdate
	Error
	PeerConnected
	PeerDisconnected
	LocalFileAdded
	LocalFileRemoved
	LocalFileChanged
	PeerFileAdded
	PeerFileRemoved
	PeerFileChanged
	DownloadStarted
	DownloadFailed
	DownloadCompleted

	AllEvents = (1 << iota) - 1
)

func (t Type) String() string {
	switch t {
	case DownloadProgress:
		return "DOWNLOAD_PROGRESS"
	case SaveDataUpdate:
		return "SAVE_DATA_UPDATE"
	case Error:
		return "ERROR"
	case PeerConnected:
		return "PEER_CONNECTED"
	case PeerDisconnected:
		return "PEER_DISCONNECTED"
	case LocalFileAdded:
		return "LOCAL_FILE_ADDED"
	case LocalFileRemoved:
		return "LOCAL_FILE_REMOVED"
	case LocalFileChanged:
		return "LOCAL_FILE_CHANGED"
	case PeerFileAdded:
		return "PEER_FILE_ADDED"
	case PeerFileRemoved:
		return "PEER_FILE_REMOVED"
	case PeerFileChanged:
		return "PEER_FILE_CHANGED"
	case DownloadStarted:
		return "DOWNLOAD_STARTED"
	case DownloadFailed:
		return "DOWNLOAD_FAILED"
	case DownloadCompleted:
		return "DOWNLOAD_COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Event is a single entry on the bus. Data carries the event-specific
// payload (e.g. {path, hash} for LOCAL_FILE_ADDED).
type Event struct {
	ID   int64
	Time time.Time
	Type Type
	Data interface{}
}

// Bus is the Node's event bus. Delivery to a given subscriber is FIFO
// and synchronous with Log.
type Bus struct {
	mut     sync.Mutex
	nextID  int64
	subs    map[int]*subscriber
	nextSub int
}

type subscriber struct {
	mask Type
	fn   func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Log broadcasts an event to every subscriber whose mask matches t.
func (b *Bus) Log(t Type, data interface{}) Event {
	b.mut.Lock()
	e := Event{ID: b.nextID, Time: time.Now(), Type: t, Data: data}
	b.nextID++
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.mask&t != 0 {
			subs = append(subs, s)
		}
	}
	b.mut.Unlock()

	for _, s := range subs {
		s.fn(e)
	}
	return e
}

// Subscribe registers fn to be called, in-line, for every future event
// whose type is in mask. The returned function unsubscribes.
func (b *Bus) Subscribe(mask Type, fn func(Event)) (unsubscribe func()) {
	b.mut.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &subscriber{mask: mask, fn: fn}
	b.mut.Unlock()

	return func() {
		b.mut.Lock()
		delete(b.subs, id)
		b.mut.Unlock()
	}
}

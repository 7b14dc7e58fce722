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

package events

import "testing"

func TestBusDeliversOnlyMatchingMask(t *testing.T) {
	b := NewBus()
	var gotLocal, gotPeer int

	b.Subscribe(LocalFileAdded, func(e Event) { gotLocal++ })
	b.Subscribe(PeerFileAdded, func(e Event) { gotPeer++ })

	b.Log(LocalFileAdded, "a.txt")
	b.Log(PeerFileAdded, "b.txt")
	b.Log(DownloadStarted, nil)

	if gotLocal != 1 {
		t.Errorf("gotLocal = %d, want 1", gotLocal)
	}
	if gotPeer != 1 {
		t.Errorf("gotPeer = %d, want 1", gotPeer)
	}
}

func TestBusSubscribeWithCombinedMask(t *testing.T) {
	b := NewBus()
	var count int
	b.Subscribe(LocalFileAdded|LocalFileRemoved, func(e Event) { count++ })

	b.Log(LocalFileAdded, nil)
	b.Log(LocalFileRemoved, nil)
	b.Log(LocalFileChanged, nil)

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	var count int
	unsub := b.Subscribe(AllEvents, func(e Event) { count++ })

	b.Log(Error, nil)
	unsub()
	b.Log(Error, nil)

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestBusEventIDsIncreaseMonotonically(t *testing.T) {
	b := NewBus()
	e1 := b.Log(Error, nil)
	e2 := b.Log(Error, nil)
	if e2.ID <= e1.ID {
		t.Errorf("event IDs did not increase: %d, %d", e1.ID, e2.ID)
	}
}

func TestTypeStringKnownAndUnknown(t *testing.T) {
	if got := LocalFileAdded.String(); got != "LOCAL_FILE_ADDED" {
		t.Errorf("String() = %q", got)
	}
	if got := Type(0).String(); got != "UNKNOWN" {
		t.Errorf("String() for an unmasked type = %q, want UNKNOWN", got)
	}
}
